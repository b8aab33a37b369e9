package driven

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/capsuled/internal/domain/model"
)

// ErrQuotaExceeded is returned by Create when the owner's undelivered
// payload bytes would exceed the tier storage budget.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrBalanceExhausted is returned by Create when a free-tier owner has no
// capsule balance left.
var ErrBalanceExhausted = errors.New("capsule balance exhausted")

// CapsuleStore defines the driven port for capsule persistence. Creation
// and the delivery flag flip are transactional with the owner's quota
// accounting: Create debits storage (and balance on the free tier) only if
// the budgets hold, MarkDelivered and Delete credit storage back.
type CapsuleStore interface {
	// Create persists the capsule and fills in its generated ID. The quota
	// debit and the insert happen in one transaction; ErrQuotaExceeded or
	// ErrBalanceExhausted roll the whole thing back.
	Create(ctx context.Context, c *model.Capsule) error

	// GetByID returns nil, nil if no capsule with that id exists.
	GetByID(ctx context.Context, id int64) (*model.Capsule, error)

	// GetByUUID returns nil, nil if no capsule with that public id exists.
	GetByUUID(ctx context.Context, id uuid.UUID) (*model.Capsule, error)

	// ListByOwner returns the owner's capsules, newest first, delivered
	// ones included.
	ListByOwner(ctx context.Context, ownerID int64) ([]model.Capsule, error)

	// ListDue returns undelivered capsules whose delivery time is at or
	// before now, oldest first. Capsules still waiting on handle
	// activation are included; the executor decides what to do with them.
	ListDue(ctx context.Context, now time.Time) ([]model.Capsule, error)

	// ListPending returns every undelivered capsule, for timer
	// registration at startup.
	ListPending(ctx context.Context) ([]model.Capsule, error)

	// FindByPendingHandle returns undelivered capsules addressed to the
	// handle whose recipient has not been resolved yet.
	FindByPendingHandle(ctx context.Context, handle string) ([]model.Capsule, error)

	// BindHandle resolves a handle recipient to channelID, stamping the
	// activation time. The bind applies only while the capsule is still
	// unresolved and undelivered; the returned bool reports whether this
	// call performed it.
	BindHandle(ctx context.Context, id int64, channelID int64, at time.Time) (bool, error)

	// MarkDelivered atomically flips the delivered flag, stamps the
	// delivery time, clears the payload columns and credits the owner's
	// storage back. Returns true only for the single caller that performed
	// the flip; false means another path already delivered the capsule.
	MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error)

	// Delete removes the capsule and credits the owner's storage in one
	// transaction. Deleting a missing capsule is an error.
	Delete(ctx context.Context, id int64) error
}
