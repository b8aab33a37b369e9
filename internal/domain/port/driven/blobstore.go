package driven

import (
	"context"
	"errors"
)

// ErrBlobNotFound is returned by Get and Delete when no blob exists under
// the given key.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore defines the driven port for ciphertext payload storage. Keys
// are opaque relative paths chosen by the caller; the store never
// interprets their contents.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
