package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/capsuled/internal/domain/model"
	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// Delivery executes individual capsule deliveries: resolve the recipient,
// send the payload, and only then flip the delivered flag and purge the
// ciphertext. A failed send leaves everything in place for a later sweep.
type Delivery struct {
	capsules  driven.CapsuleStore
	accounts  driven.AccountStore
	envelope  driven.Envelope
	messenger driven.Messenger
	notices   driven.NoticeTracker
	inviteURL string

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewDelivery creates a Delivery executor. inviteURL prefixes activation
// tokens in owner notices about unactivated recipients.
func NewDelivery(
	capsules driven.CapsuleStore,
	accounts driven.AccountStore,
	envelope driven.Envelope,
	messenger driven.Messenger,
	notices driven.NoticeTracker,
	inviteURL string,
) *Delivery {
	return &Delivery{
		capsules:  capsules,
		accounts:  accounts,
		envelope:  envelope,
		messenger: messenger,
		notices:   notices,
		inviteURL: inviteURL,
		inFlight:  make(map[int64]struct{}),
	}
}

// Deliver attempts delivery of one capsule. Safe to call concurrently
// from the timer and sweep paths: attempts for an id already in flight
// return immediately, and the store-level flag flip covers anything the
// in-process guard cannot see, like a previous process having delivered
// the capsule already.
func (d *Delivery) Deliver(ctx context.Context, id int64) {
	if !d.begin(id) {
		return
	}
	defer d.end(id)

	c, err := d.capsules.GetByID(ctx, id)
	if err != nil {
		slog.Error("delivery fetch failed", "capsule", id, "error", err)
		return
	}
	if c == nil || c.Delivered {
		return
	}

	target, ok := c.Recipient.Target()
	if !ok {
		// Due but the recipient has not shown up. Tell the owner once and
		// leave the capsule pending; the sweep retries after activation.
		d.notifyAwaiting(ctx, c)
		return
	}

	if err := d.send(ctx, c, target); err != nil {
		if errors.Is(err, driven.ErrTargetUnreachable) {
			d.notifyUnreachable(ctx, c)
			return
		}
		slog.Warn("delivery attempt failed, will retry", "capsule", id, "error", err)
		return
	}

	won, err := d.capsules.MarkDelivered(ctx, id, time.Now())
	if err != nil {
		slog.Error("mark delivered failed", "capsule", id, "error", err)
		return
	}
	if !won {
		slog.Debug("capsule already marked delivered elsewhere", "capsule", id)
		return
	}

	if c.BlobKey != "" {
		if err := d.envelope.Purge(ctx, c.BlobKey); err != nil {
			slog.Warn("payload purge failed", "capsule", id, "blob", c.BlobKey, "error", err)
		}
	}

	slog.Info("capsule delivered", "capsule", id, "uuid", c.UUID, "kind", c.Kind)
}

// send opens the payload if needed and hands it to the messenger.
func (d *Delivery) send(ctx context.Context, c *model.Capsule, target int64) error {
	header := d.messageHeader(ctx, c)

	if c.Kind.Inline() {
		return d.messenger.SendText(ctx, target, header+"\n\n"+c.InlineText)
	}

	payload, err := d.envelope.Open(ctx, c.BlobKey, c.WrappedKey)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}

	caption := header
	if c.Caption != "" {
		caption = header + "\n\n" + c.Caption
	}
	return d.messenger.SendBinary(ctx, target, c.Kind, payload, caption)
}

// messageHeader builds the line shown above every delivered capsule. The
// sender is named when the capsule goes to someone else and the owner's
// handle is known.
func (d *Delivery) messageHeader(ctx context.Context, c *model.Capsule) string {
	sealedOn := c.CreatedAt.Format("January 2, 2006")

	if c.Recipient.Kind != model.RecipientSelf {
		owner, err := d.accounts.GetByID(ctx, c.OwnerID)
		if err == nil && owner != nil && owner.Handle != "" {
			return fmt.Sprintf("A time capsule from @%s, sealed on %s, has arrived.", owner.Handle, sealedOn)
		}
	}

	return fmt.Sprintf("A time capsule sealed on %s has arrived.", sealedOn)
}

// notifyAwaiting warns the owner, once per capsule within the notice
// window, that the capsule is due but its recipient has not activated.
func (d *Delivery) notifyAwaiting(ctx context.Context, c *model.Capsule) {
	first, err := d.notices.FirstNotice(ctx, "awaiting:"+c.UUID.String())
	if err != nil {
		slog.Error("notice check failed", "capsule", c.ID, "error", err)
		return
	}
	if !first {
		return
	}

	owner, err := d.accounts.GetByID(ctx, c.OwnerID)
	if err != nil || owner == nil {
		slog.Error("owner lookup failed", "capsule", c.ID, "error", err)
		return
	}

	text := fmt.Sprintf(
		"Your time capsule for @%s is ready, but they have not activated it yet. Share this link with them so it can be delivered: %s",
		c.Recipient.Handle, d.inviteURL+model.ActivationToken(c.UUID),
	)
	if err := d.messenger.SendText(ctx, owner.ChannelID, text); err != nil {
		slog.Error("owner notice failed", "capsule", c.ID, "error", err)
		return
	}

	slog.Info("owner notified of unactivated recipient", "capsule", c.ID, "handle", c.Recipient.Handle)
}

// notifyUnreachable warns the owner, once per capsule within the notice
// window, that the target refused delivery for good. The payload stays
// stored; no delivery is recorded.
func (d *Delivery) notifyUnreachable(ctx context.Context, c *model.Capsule) {
	first, err := d.notices.FirstNotice(ctx, "unreachable:"+c.UUID.String())
	if err != nil {
		slog.Error("notice check failed", "capsule", c.ID, "error", err)
		return
	}
	if !first {
		return
	}

	owner, err := d.accounts.GetByID(ctx, c.OwnerID)
	if err != nil || owner == nil {
		slog.Error("owner lookup failed", "capsule", c.ID, "error", err)
		return
	}

	text := "Your time capsule could not be delivered: the recipient can no longer be reached. The capsule remains stored."
	if err := d.messenger.SendText(ctx, owner.ChannelID, text); err != nil {
		slog.Error("owner notice failed", "capsule", c.ID, "error", err)
		return
	}

	slog.Warn("capsule target unreachable", "capsule", c.ID, "uuid", c.UUID)
}

// begin claims the in-process delivery slot for id.
func (d *Delivery) begin(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.inFlight[id]; busy {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Delivery) end(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}
