package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/capsuled/internal/domain/model"
)

// ErrTargetUnreachable marks a send failure that will not succeed on
// retry: the target channel refused the message, blocked the sender, or no
// longer exists. Adapters wrap it so callers can test with errors.Is. Any
// other send error is treated as transient and retried on a later sweep.
var ErrTargetUnreachable = errors.New("delivery target unreachable")

// Messenger defines the driven port for outbound message delivery.
type Messenger interface {
	// SendText delivers a plain text message to the channel.
	SendText(ctx context.Context, channelID int64, text string) error

	// SendBinary delivers a decrypted payload of the given kind, with an
	// optional caption shown alongside it.
	SendBinary(ctx context.Context, channelID int64, kind model.ContentKind, data []byte, caption string) error
}
