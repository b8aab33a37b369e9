package driven

import (
	"context"

	"github.com/ericfisherdev/capsuled/internal/domain/model"
)

// AccountStore defines the driven port for account persistence.
type AccountStore interface {
	// Ensure returns the account reachable at channelID, creating it with
	// the starter capsule balance on first contact. A non-empty handle
	// replaces the stored one, so accounts pick up renames lazily.
	Ensure(ctx context.Context, channelID int64, handle string) (*model.Account, error)

	// GetByID returns nil, nil if no account with that id exists.
	GetByID(ctx context.Context, id int64) (*model.Account, error)

	// GetByChannel returns nil, nil if no account is bound to that channel.
	GetByChannel(ctx context.Context, channelID int64) (*model.Account, error)
}
