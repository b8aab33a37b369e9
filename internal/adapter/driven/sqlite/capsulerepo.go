package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/capsuled/internal/domain/model"
	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CapsuleStore = (*CapsuleRepo)(nil)

// QuotaLimits carries the per-tier storage budgets enforced when a capsule
// is created.
type QuotaLimits struct {
	FreeStorageBytes    int64
	PremiumStorageBytes int64
}

// ForTier returns the storage budget for the given tier.
func (q QuotaLimits) ForTier(t model.Tier) int64 {
	if t == model.TierPremium {
		return q.PremiumStorageBytes
	}
	return q.FreeStorageBytes
}

// CapsuleRepo is the SQLite implementation of the CapsuleStore port interface.
type CapsuleRepo struct {
	db     *DB
	limits QuotaLimits
}

// NewCapsuleRepo creates a new CapsuleRepo backed by the given DB.
func NewCapsuleRepo(db *DB, limits QuotaLimits) *CapsuleRepo {
	return &CapsuleRepo{db: db, limits: limits}
}

// Create persists the capsule and debits the owner's quota in a single
// transaction. Free-tier owners also consume one unit of capsule balance.
// A failed budget check rolls the whole transaction back, so the row and
// the debit always appear together or not at all. On success the generated
// id is written back to c.
func (r *CapsuleRepo) Create(ctx context.Context, c *model.Capsule) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create capsule: %w", err)
	}
	defer tx.Rollback()

	var tier string
	var storageUsed int64
	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT tier, storage_used, capsule_balance FROM accounts WHERE id = ?`,
		c.OwnerID,
	).Scan(&tier, &storageUsed, &balance)
	if err == sql.ErrNoRows {
		return fmt.Errorf("create capsule: owner account %d not found", c.OwnerID)
	}
	if err != nil {
		return fmt.Errorf("load owner account %d: %w", c.OwnerID, err)
	}

	if storageUsed+c.PayloadSize > r.limits.ForTier(model.Tier(tier)) {
		return driven.ErrQuotaExceeded
	}

	balanceDebit := 0
	if model.Tier(tier) == model.TierFree {
		if balance <= 0 {
			return driven.ErrBalanceExhausted
		}
		balanceDebit = 1
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE accounts SET storage_used = storage_used + ?, capsule_balance = capsule_balance - ? WHERE id = ?`,
		c.PayloadSize, balanceDebit, c.OwnerID,
	)
	if err != nil {
		return fmt.Errorf("debit owner account %d: %w", c.OwnerID, err)
	}

	const query = `
		INSERT INTO capsules (
			uuid, owner_id, kind, inline_text, blob_key, wrapped_key, payload_size,
			caption, recipient_kind, recipient_channel_id, recipient_handle,
			resolved_channel_id, activated_at, deliver_at, created_at, delivered, delivered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)
	`

	inlineText := sql.NullString{String: c.InlineText, Valid: c.Kind.Inline()}
	blobKey := sql.NullString{String: c.BlobKey, Valid: !c.Kind.Inline()}

	var recipientChannel, resolvedChannel sql.NullInt64
	var recipientHandle, activatedAt sql.NullString
	if c.Recipient.Kind == model.RecipientHandle {
		recipientHandle = sql.NullString{String: c.Recipient.Handle, Valid: true}
		if c.Recipient.ResolvedChannelID != nil {
			resolvedChannel = sql.NullInt64{Int64: *c.Recipient.ResolvedChannelID, Valid: true}
		}
		if c.Recipient.ActivatedAt != nil {
			activatedAt = sql.NullString{String: formatTime(*c.Recipient.ActivatedAt), Valid: true}
		}
	} else {
		recipientChannel = sql.NullInt64{Int64: c.Recipient.ChannelID, Valid: true}
	}

	res, err := tx.ExecContext(ctx, query,
		c.UUID.String(), c.OwnerID, string(c.Kind), inlineText, blobKey, c.WrappedKey,
		c.PayloadSize, c.Caption, string(c.Recipient.Kind), recipientChannel, recipientHandle,
		resolvedChannel, activatedAt, formatTime(c.DeliverAt), formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert capsule %s: %w", c.UUID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read capsule id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create capsule: %w", err)
	}

	c.ID = id
	return nil
}

// GetByID retrieves a single capsule by internal id.
// Returns nil, nil if the capsule does not exist.
func (r *CapsuleRepo) GetByID(ctx context.Context, id int64) (*model.Capsule, error) {
	const query = `
		SELECT id, uuid, owner_id, kind, inline_text, blob_key, wrapped_key, payload_size,
		       caption, recipient_kind, recipient_channel_id, recipient_handle,
		       resolved_channel_id, activated_at, deliver_at, created_at, delivered, delivered_at
		FROM capsules
		WHERE id = ?
	`

	c, err := scanCapsule(r.db.Reader.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get capsule %d: %w", id, err)
	}

	return c, nil
}

// GetByUUID retrieves a single capsule by public identifier.
// Returns nil, nil if the capsule does not exist.
func (r *CapsuleRepo) GetByUUID(ctx context.Context, id uuid.UUID) (*model.Capsule, error) {
	const query = `
		SELECT id, uuid, owner_id, kind, inline_text, blob_key, wrapped_key, payload_size,
		       caption, recipient_kind, recipient_channel_id, recipient_handle,
		       resolved_channel_id, activated_at, deliver_at, created_at, delivered, delivered_at
		FROM capsules
		WHERE uuid = ?
	`

	c, err := scanCapsule(r.db.Reader.QueryRowContext(ctx, query, id.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get capsule %s: %w", id, err)
	}

	return c, nil
}

// ListByOwner returns the owner's capsules, newest first. Delivered rows
// are included; their payload columns come back empty.
func (r *CapsuleRepo) ListByOwner(ctx context.Context, ownerID int64) ([]model.Capsule, error) {
	const query = `
		SELECT id, uuid, owner_id, kind, inline_text, blob_key, wrapped_key, payload_size,
		       caption, recipient_kind, recipient_channel_id, recipient_handle,
		       resolved_channel_id, activated_at, deliver_at, created_at, delivered, delivered_at
		FROM capsules
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
	`

	return r.queryCapsules(ctx, query, ownerID)
}

// ListDue returns undelivered capsules whose delivery time is at or before
// now, oldest first. Unactivated handle recipients are included.
func (r *CapsuleRepo) ListDue(ctx context.Context, now time.Time) ([]model.Capsule, error) {
	const query = `
		SELECT id, uuid, owner_id, kind, inline_text, blob_key, wrapped_key, payload_size,
		       caption, recipient_kind, recipient_channel_id, recipient_handle,
		       resolved_channel_id, activated_at, deliver_at, created_at, delivered, delivered_at
		FROM capsules
		WHERE delivered = 0 AND deliver_at <= ?
		ORDER BY deliver_at
	`

	return r.queryCapsules(ctx, query, formatTime(now))
}

// ListPending returns every undelivered capsule ordered by delivery time,
// for timer registration at startup.
func (r *CapsuleRepo) ListPending(ctx context.Context) ([]model.Capsule, error) {
	const query = `
		SELECT id, uuid, owner_id, kind, inline_text, blob_key, wrapped_key, payload_size,
		       caption, recipient_kind, recipient_channel_id, recipient_handle,
		       resolved_channel_id, activated_at, deliver_at, created_at, delivered, delivered_at
		FROM capsules
		WHERE delivered = 0
		ORDER BY deliver_at
	`

	return r.queryCapsules(ctx, query)
}

// FindByPendingHandle returns undelivered capsules addressed to the handle
// that have not been resolved to a channel yet.
func (r *CapsuleRepo) FindByPendingHandle(ctx context.Context, handle string) ([]model.Capsule, error) {
	const query = `
		SELECT id, uuid, owner_id, kind, inline_text, blob_key, wrapped_key, payload_size,
		       caption, recipient_kind, recipient_channel_id, recipient_handle,
		       resolved_channel_id, activated_at, deliver_at, created_at, delivered, delivered_at
		FROM capsules
		WHERE recipient_kind = ? AND recipient_handle = ?
		  AND resolved_channel_id IS NULL AND delivered = 0
		ORDER BY deliver_at
	`

	return r.queryCapsules(ctx, query, string(model.RecipientHandle), handle)
}

// BindHandle resolves a handle recipient to a channel, guarded so it
// applies only while the capsule is still unresolved and undelivered.
// Returns whether this call performed the bind.
func (r *CapsuleRepo) BindHandle(ctx context.Context, id int64, channelID int64, at time.Time) (bool, error) {
	const query = `
		UPDATE capsules
		SET resolved_channel_id = ?, activated_at = ?
		WHERE id = ? AND recipient_kind = ? AND resolved_channel_id IS NULL AND delivered = 0
	`

	res, err := r.db.Writer.ExecContext(ctx, query,
		channelID, formatTime(at), id, string(model.RecipientHandle))
	if err != nil {
		return false, fmt.Errorf("bind handle for capsule %d: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}

	return rows > 0, nil
}

// MarkDelivered flips the delivered flag, stamps the delivery time and
// clears the payload columns in one guarded statement, so exactly one of
// any number of concurrent callers wins. The owner's storage is credited
// back in the same transaction.
func (r *CapsuleRepo) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin mark delivered: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE capsules
		SET delivered = 1, delivered_at = ?, inline_text = NULL, blob_key = NULL, wrapped_key = NULL
		WHERE id = ? AND delivered = 0
	`, formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("mark capsule %d delivered: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET storage_used = max(0, storage_used - (SELECT payload_size FROM capsules WHERE id = ?))
		WHERE id = (SELECT owner_id FROM capsules WHERE id = ?)
	`, id, id)
	if err != nil {
		return false, fmt.Errorf("credit storage for capsule %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit mark delivered: %w", err)
	}

	return true, nil
}

// Delete removes a capsule and, if it was still undelivered, credits the
// owner's storage back. Returns an error if the capsule does not exist.
func (r *CapsuleRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete capsule: %w", err)
	}
	defer tx.Rollback()

	var ownerID, payloadSize int64
	var delivered int
	err = tx.QueryRowContext(ctx,
		`SELECT owner_id, payload_size, delivered FROM capsules WHERE id = ?`, id,
	).Scan(&ownerID, &payloadSize, &delivered)
	if err == sql.ErrNoRows {
		return fmt.Errorf("capsule %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("load capsule %d: %w", id, err)
	}

	if delivered == 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE accounts SET storage_used = max(0, storage_used - ?) WHERE id = ?`,
			payloadSize, ownerID,
		)
		if err != nil {
			return fmt.Errorf("credit storage for capsule %d: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM capsules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete capsule %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete capsule: %w", err)
	}

	return nil
}

func (r *CapsuleRepo) queryCapsules(ctx context.Context, query string, args ...any) ([]model.Capsule, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query capsules: %w", err)
	}
	defer rows.Close()

	var capsules []model.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capsule: %w", err)
		}
		capsules = append(capsules, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capsules: %w", err)
	}

	return capsules, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCapsule(s scanner) (*model.Capsule, error) {
	var c model.Capsule
	var uuidStr, kind, recipientKind string
	var inlineText, blobKey, recipientHandle sql.NullString
	var recipientChannel, resolvedChannel sql.NullInt64
	var activatedAt, deliveredAt sql.NullString
	var deliverAt, createdAt string
	var delivered int

	err := s.Scan(
		&c.ID, &uuidStr, &c.OwnerID, &kind, &inlineText, &blobKey, &c.WrappedKey,
		&c.PayloadSize, &c.Caption, &recipientKind, &recipientChannel, &recipientHandle,
		&resolvedChannel, &activatedAt, &deliverAt, &createdAt, &delivered, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	c.UUID, err = uuid.Parse(uuidStr)
	if err != nil {
		return nil, fmt.Errorf("parse uuid: %w", err)
	}

	c.Kind = model.ContentKind(kind)
	c.InlineText = inlineText.String
	c.BlobKey = blobKey.String
	c.Delivered = delivered != 0

	spec := model.RecipientSpec{Kind: model.RecipientKind(recipientKind)}
	if recipientChannel.Valid {
		spec.ChannelID = recipientChannel.Int64
	}
	if recipientHandle.Valid {
		spec.Handle = recipientHandle.String
	}
	if resolvedChannel.Valid {
		v := resolvedChannel.Int64
		spec.ResolvedChannelID = &v
	}
	if activatedAt.Valid {
		t, err := parseTime(activatedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse activated_at: %w", err)
		}
		spec.ActivatedAt = &t
	}
	c.Recipient = spec

	c.DeliverAt, err = parseTime(deliverAt)
	if err != nil {
		return nil, fmt.Errorf("parse deliver_at: %w", err)
	}

	c.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	if deliveredAt.Valid {
		t, err := parseTime(deliveredAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse delivered_at: %w", err)
		}
		c.DeliveredAt = &t
	}

	return &c, nil
}

// formatTime stores times as fixed-width UTC strings so lexicographic SQL
// comparison and ORDER BY match chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// parseTime tries multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		time.RFC3339,
		time.RFC3339Nano,
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}
