// Package envelope seals capsule payloads for storage. Each payload is
// encrypted with AES-256-GCM under a fresh random content key; the content
// key itself is encrypted under the process master key and travels with
// the capsule row. Blobs hold only ciphertext, so neither the blob store
// nor a database dump exposes payloads without the master key.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Envelope = (*Manager)(nil)

// KeySize is the AES-256 key length used for both the master key and the
// per-capsule content keys.
const KeySize = 32

// Manager performs envelope encryption against a blob store.
type Manager struct {
	masterKey []byte
	blobs     driven.BlobStore
}

// NewManager creates a Manager. masterKey must be exactly KeySize bytes;
// anything else is a configuration error and refused outright, since a
// wrong key silently orphans every payload sealed before it.
func NewManager(masterKey []byte, blobs driven.BlobStore) (*Manager, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	return &Manager{masterKey: masterKey, blobs: blobs}, nil
}

// Seal encrypts plaintext under a fresh content key, writes the ciphertext
// to the blob store and returns the blob key together with the content key
// wrapped under the master key. The plaintext content key does not outlive
// this call.
func (m *Manager) Seal(ctx context.Context, plaintext []byte) (string, []byte, error) {
	contentKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, contentKey); err != nil {
		return "", nil, fmt.Errorf("generate content key: %w", err)
	}

	ciphertext, err := encrypt(contentKey, plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt payload: %w", err)
	}

	wrappedKey, err := encrypt(m.masterKey, contentKey)
	if err != nil {
		return "", nil, fmt.Errorf("wrap content key: %w", err)
	}

	blobKey := "capsules/" + uuid.New().String() + ".enc"
	if err := m.blobs.Put(ctx, blobKey, ciphertext); err != nil {
		return "", nil, fmt.Errorf("store payload: %w", err)
	}

	return blobKey, wrappedKey, nil
}

// Open unwraps the content key and decrypts the payload stored under
// blobKey. Storage failures and crypto failures come back as distinct
// wrapped errors, so callers can tell a lost blob from a corrupted one.
func (m *Manager) Open(ctx context.Context, blobKey string, wrappedKey []byte) ([]byte, error) {
	contentKey, err := decrypt(m.masterKey, wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap content key: %w", err)
	}

	ciphertext, err := m.blobs.Get(ctx, blobKey)
	if err != nil {
		return nil, fmt.Errorf("fetch payload: %w", err)
	}

	plaintext, err := decrypt(contentKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	return plaintext, nil
}

// Purge removes the ciphertext blob. A blob that is already gone is fine,
// so delivery and delete paths can purge without checking first.
func (m *Manager) Purge(ctx context.Context, blobKey string) error {
	if err := m.blobs.Delete(ctx, blobKey); err != nil && !errors.Is(err, driven.ErrBlobNotFound) {
		return fmt.Errorf("purge payload: %w", err)
	}
	return nil
}

// encrypt encrypts plaintext using AES-256-GCM under key, producing
// nonce || ciphertext || tag.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("rand nonce: %w", err)
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts an AES-256-GCM message produced by encrypt.
func decrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", err)
	}

	return plaintext, nil
}
