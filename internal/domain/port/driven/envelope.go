package driven

import "context"

// Envelope seals capsule payloads into ciphertext blobs and opens them
// again at delivery time. Implementations own both the crypto and the
// blob placement; callers only hold the opaque blob key and wrapped
// content key.
type Envelope interface {
	Seal(ctx context.Context, plaintext []byte) (blobKey string, wrappedKey []byte, err error)
	Open(ctx context.Context, blobKey string, wrappedKey []byte) ([]byte, error)
	Purge(ctx context.Context, blobKey string) error
}
