package model

import (
	"time"

	"github.com/google/uuid"
)

// ContentKind identifies what a capsule carries.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentPhoto    ContentKind = "photo"
	ContentVideo    ContentKind = "video"
	ContentDocument ContentKind = "document"
	ContentVoice    ContentKind = "voice"
)

// Inline reports whether the payload lives in the capsule row itself
// rather than in the blob store.
func (k ContentKind) Inline() bool {
	return k == ContentText
}

// Valid reports whether k is a known content kind.
func (k ContentKind) Valid() bool {
	switch k {
	case ContentText, ContentPhoto, ContentVideo, ContentDocument, ContentVoice:
		return true
	}
	return false
}

// Capsule is a sealed payload held until a fixed future delivery time.
// Text payloads are stored inline; binary payloads live encrypted in the
// blob store, with the per-capsule content key wrapped under the process
// master key. Once Delivered is set the payload fields are gone: the same
// statement that flips the flag clears InlineText, BlobKey and WrappedKey.
type Capsule struct {
	ID          int64
	UUID        uuid.UUID // Public identifier; appears in activation links.
	OwnerID     int64
	Kind        ContentKind
	InlineText  string // ContentText only.
	BlobKey     string // Binary kinds: ciphertext locator in the blob store.
	WrappedKey  []byte // Binary kinds: content key encrypted under the master key.
	PayloadSize int64
	Caption     string
	Recipient   RecipientSpec
	DeliverAt   time.Time
	CreatedAt   time.Time
	Delivered   bool
	DeliveredAt *time.Time
}

// Due reports whether the capsule's delivery time has been reached.
func (c Capsule) Due(now time.Time) bool {
	return !c.DeliverAt.After(now)
}
