package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/capsuled/internal/domain/model"
	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

var (
	// ErrInvalidCapsule indicates the creation request is malformed.
	ErrInvalidCapsule = errors.New("invalid capsule")

	// ErrPayloadTooLarge indicates the payload exceeds the configured cap.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrDeliveryInPast indicates deliver_at is not in the future.
	ErrDeliveryInPast = errors.New("delivery time must be in the future")

	// ErrHorizonExceeded indicates deliver_at is beyond the tier's horizon.
	ErrHorizonExceeded = errors.New("delivery time exceeds the allowed horizon")

	// ErrCapsuleNotFound indicates no capsule exists for the given uuid.
	ErrCapsuleNotFound = errors.New("capsule not found")

	// ErrNotOwner indicates the caller does not own the capsule.
	ErrNotOwner = errors.New("capsule belongs to a different account")
)

// Limits carries the creation-time policy knobs.
type Limits struct {
	MaxPayloadBytes int64
	FreeHorizon     time.Duration
	PremiumHorizon  time.Duration
}

// Horizon returns the scheduling horizon for a tier.
func (l Limits) Horizon(tier model.Tier) time.Duration {
	if tier == model.TierPremium {
		return l.PremiumHorizon
	}
	return l.FreeHorizon
}

// CreateCapsuleInput is a request to seal a new capsule.
type CreateCapsuleInput struct {
	OwnerChannelID int64
	OwnerHandle    string
	Kind           model.ContentKind
	Text           string
	Data           []byte
	Caption        string
	Recipient      model.RecipientSpec
	DeliverAt      time.Time
}

// ActivateInput identifies a user presenting themselves for recipient
// resolution, optionally with an invite token for one specific capsule.
type ActivateInput struct {
	ChannelID int64
	Handle    string
	Token     string
}

// CapsuleService orchestrates the capsule lifecycle: the two-phase
// creation saga, recipient activation, owner listing and deletion.
type CapsuleService struct {
	capsules  driven.CapsuleStore
	accounts  driven.AccountStore
	envelope  driven.Envelope
	scheduler *Scheduler
	limits    Limits
}

// NewCapsuleService creates a CapsuleService with all required dependencies.
func NewCapsuleService(
	capsules driven.CapsuleStore,
	accounts driven.AccountStore,
	envelope driven.Envelope,
	scheduler *Scheduler,
	limits Limits,
) *CapsuleService {
	return &CapsuleService{
		capsules:  capsules,
		accounts:  accounts,
		envelope:  envelope,
		scheduler: scheduler,
		limits:    limits,
	}
}

// CreateCapsule runs the creation saga: validate, seal the payload for
// binary kinds, insert the row under quota checks, then arm the delivery
// timer. A failed insert purges the just-written ciphertext so no orphan
// blobs accumulate.
func (s *CapsuleService) CreateCapsule(ctx context.Context, in CreateCapsuleInput) (*model.Capsule, error) {
	owner, err := s.ensureAndActivate(ctx, in.OwnerChannelID, in.OwnerHandle)
	if err != nil {
		return nil, fmt.Errorf("resolving owner account: %w", err)
	}

	recipient, err := normalizeRecipient(in.Recipient, owner.ChannelID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.validatePayload(in); err != nil {
		return nil, err
	}
	if !in.DeliverAt.After(now) {
		return nil, ErrDeliveryInPast
	}
	if horizon := s.limits.Horizon(owner.Tier); in.DeliverAt.After(now.Add(horizon)) {
		return nil, fmt.Errorf("%w: %s tier allows at most %s ahead", ErrHorizonExceeded, owner.Tier, horizon)
	}

	c := &model.Capsule{
		UUID:      uuid.New(),
		OwnerID:   owner.ID,
		Kind:      in.Kind,
		Caption:   in.Caption,
		Recipient: recipient,
		DeliverAt: in.DeliverAt.UTC(),
		CreatedAt: now.UTC(),
	}

	if in.Kind.Inline() {
		c.InlineText = in.Text
		c.PayloadSize = int64(len(in.Text))
	} else {
		blobKey, wrappedKey, err := s.envelope.Seal(ctx, in.Data)
		if err != nil {
			return nil, fmt.Errorf("sealing payload: %w", err)
		}
		c.BlobKey = blobKey
		c.WrappedKey = wrappedKey
		c.PayloadSize = int64(len(in.Data))
	}

	if err := s.capsules.Create(ctx, c); err != nil {
		if c.BlobKey != "" {
			if purgeErr := s.envelope.Purge(ctx, c.BlobKey); purgeErr != nil {
				slog.Warn("purging blob after failed create", "blob", c.BlobKey, "error", purgeErr)
			}
		}
		return nil, fmt.Errorf("storing capsule: %w", err)
	}

	s.scheduler.Schedule(c.ID, c.DeliverAt)

	slog.Info("capsule sealed",
		"capsule", c.ID,
		"uuid", c.UUID,
		"kind", c.Kind,
		"recipient", c.Recipient.Kind,
		"deliver_at", c.DeliverAt)

	return c, nil
}

// Activate handles a user presenting themselves: the account is ensured,
// an invite token (if any) binds its capsule directly, and every pending
// capsule addressed to the user's handle is bound. Returns how many
// capsules were bound; invalid or spent tokens bind zero and are not an
// error.
func (s *CapsuleService) Activate(ctx context.Context, in ActivateInput) (int, error) {
	if _, err := s.accounts.Ensure(ctx, in.ChannelID, model.NormalizeHandle(in.Handle)); err != nil {
		return 0, fmt.Errorf("ensuring account: %w", err)
	}

	bound := 0

	if in.Token != "" {
		n, err := s.activateToken(ctx, in.Token, in.ChannelID)
		if err != nil {
			return bound, err
		}
		bound += n
	}

	n, err := s.ActivateHandle(ctx, in.Handle, in.ChannelID)
	if err != nil {
		return bound, err
	}
	bound += n

	return bound, nil
}

// ActivateHandle binds every unresolved, undelivered capsule addressed
// to handle onto the given channel. Delivery times never move; capsules
// already due are nudged so the next attempt happens promptly.
// Idempotent: a second pass finds nothing left to bind.
func (s *CapsuleService) ActivateHandle(ctx context.Context, handle string, channelID int64) (int, error) {
	h := model.NormalizeHandle(handle)
	if h == "" {
		return 0, nil
	}

	pending, err := s.capsules.FindByPendingHandle(ctx, h)
	if err != nil {
		return 0, fmt.Errorf("finding pending capsules: %w", err)
	}

	bound := 0
	for _, c := range pending {
		won, err := s.capsules.BindHandle(ctx, c.ID, channelID, time.Now())
		if err != nil {
			return bound, fmt.Errorf("binding capsule %d: %w", c.ID, err)
		}
		if !won {
			continue
		}
		bound++
		s.scheduler.Schedule(c.ID, c.DeliverAt)
	}

	if bound > 0 {
		slog.Info("pending capsules bound", "handle", h, "channel", channelID, "count", bound)
	}

	return bound, nil
}

// activateToken resolves an invite token to its capsule and binds it to
// the presenting channel. The token is a bearer capability: whoever
// presents it becomes the recipient, regardless of their handle, as long
// as the capsule is still an unresolved pending handle.
func (s *CapsuleService) activateToken(ctx context.Context, token string, channelID int64) (int, error) {
	id, err := model.UUIDFromToken(token)
	if err != nil {
		slog.Debug("ignoring malformed activation token", "error", err)
		return 0, nil
	}

	c, err := s.capsules.GetByUUID(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("looking up capsule: %w", err)
	}
	if c == nil || c.Recipient.Kind != model.RecipientHandle {
		return 0, nil
	}

	won, err := s.capsules.BindHandle(ctx, c.ID, channelID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("binding capsule %d: %w", c.ID, err)
	}
	if !won {
		return 0, nil
	}

	s.scheduler.Schedule(c.ID, c.DeliverAt)
	slog.Info("capsule bound via invite token", "capsule", c.ID, "channel", channelID)
	return 1, nil
}

// GetCapsule returns one capsule by uuid, owner only.
func (s *CapsuleService) GetCapsule(ctx context.Context, channelID int64, id uuid.UUID) (*model.Capsule, error) {
	owner, err := s.accounts.GetByChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolving account: %w", err)
	}

	c, err := s.capsules.GetByUUID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading capsule: %w", err)
	}
	if c == nil {
		return nil, ErrCapsuleNotFound
	}
	if owner == nil || c.OwnerID != owner.ID {
		return nil, ErrNotOwner
	}
	return c, nil
}

// ListCapsules returns the owner's capsules, newest first, delivered
// history included.
func (s *CapsuleService) ListCapsules(ctx context.Context, channelID int64, handle string) ([]model.Capsule, error) {
	owner, err := s.ensureAndActivate(ctx, channelID, handle)
	if err != nil {
		return nil, fmt.Errorf("resolving account: %w", err)
	}
	return s.capsules.ListByOwner(ctx, owner.ID)
}

// DeleteCapsule removes an undelivered or delivered capsule the caller
// owns, cancels its timer and purges any stored ciphertext. Storage is
// credited back inside the store delete; the capsule balance is not.
func (s *CapsuleService) DeleteCapsule(ctx context.Context, channelID int64, id uuid.UUID) error {
	c, err := s.GetCapsule(ctx, channelID, id)
	if err != nil {
		return err
	}

	if err := s.capsules.Delete(ctx, c.ID); err != nil {
		return fmt.Errorf("deleting capsule: %w", err)
	}

	s.scheduler.Cancel(c.ID)

	if c.BlobKey != "" {
		if err := s.envelope.Purge(ctx, c.BlobKey); err != nil {
			slog.Warn("purging blob after delete", "blob", c.BlobKey, "error", err)
		}
	}

	slog.Info("capsule deleted", "capsule", c.ID, "uuid", c.UUID)
	return nil
}

// ensureAndActivate upserts the caller's account and runs the pending
// handle pass for their handle, so any capsule waiting on them becomes
// deliverable the moment they appear.
func (s *CapsuleService) ensureAndActivate(ctx context.Context, channelID int64, handle string) (*model.Account, error) {
	h := model.NormalizeHandle(handle)

	account, err := s.accounts.Ensure(ctx, channelID, h)
	if err != nil {
		return nil, err
	}

	if _, err := s.ActivateHandle(ctx, h, channelID); err != nil {
		slog.Error("pending handle pass failed", "handle", h, "error", err)
	}

	return account, nil
}

// validatePayload checks the kind/payload combination and size caps.
func (s *CapsuleService) validatePayload(in CreateCapsuleInput) error {
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown content kind %q", ErrInvalidCapsule, in.Kind)
	}

	if in.Kind.Inline() {
		if in.Text == "" {
			return fmt.Errorf("%w: text capsule requires text", ErrInvalidCapsule)
		}
		if len(in.Data) > 0 {
			return fmt.Errorf("%w: text capsule cannot carry binary data", ErrInvalidCapsule)
		}
		if in.Caption != "" {
			return fmt.Errorf("%w: caption only applies to binary capsules", ErrInvalidCapsule)
		}
		if int64(len(in.Text)) > s.limits.MaxPayloadBytes {
			return fmt.Errorf("%w: text is %d bytes, cap is %d", ErrPayloadTooLarge, len(in.Text), s.limits.MaxPayloadBytes)
		}
		return nil
	}

	if len(in.Data) == 0 {
		return fmt.Errorf("%w: %s capsule requires binary data", ErrInvalidCapsule, in.Kind)
	}
	if in.Text != "" {
		return fmt.Errorf("%w: binary capsule cannot carry inline text", ErrInvalidCapsule)
	}
	if int64(len(in.Data)) > s.limits.MaxPayloadBytes {
		return fmt.Errorf("%w: payload is %d bytes, cap is %d", ErrPayloadTooLarge, len(in.Data), s.limits.MaxPayloadBytes)
	}
	return nil
}

// normalizeRecipient validates the recipient spec and fills in derived
// fields: self capsules target the owner's own channel, handles are
// normalized once here so the store only ever sees canonical form.
func normalizeRecipient(r model.RecipientSpec, ownerChannel int64) (model.RecipientSpec, error) {
	switch r.Kind {
	case model.RecipientSelf:
		return model.RecipientSpec{Kind: model.RecipientSelf, ChannelID: ownerChannel}, nil

	case model.RecipientChannel, model.RecipientGroup:
		if r.ChannelID == 0 {
			return model.RecipientSpec{}, fmt.Errorf("%w: %s recipient requires a channel id", ErrInvalidCapsule, r.Kind)
		}
		return model.RecipientSpec{Kind: r.Kind, ChannelID: r.ChannelID}, nil

	case model.RecipientHandle:
		h := model.NormalizeHandle(r.Handle)
		if h == "" {
			return model.RecipientSpec{}, fmt.Errorf("%w: handle recipient requires a handle", ErrInvalidCapsule)
		}
		return model.RecipientSpec{Kind: model.RecipientHandle, Handle: h}, nil

	default:
		return model.RecipientSpec{}, fmt.Errorf("%w: unknown recipient kind %q", ErrInvalidCapsule, r.Kind)
	}
}
