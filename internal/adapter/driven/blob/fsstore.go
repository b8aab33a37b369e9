// Package blob stores capsule ciphertext as files under a root directory.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.BlobStore = (*FSStore)(nil)

// FSStore is the filesystem implementation of the BlobStore port interface.
// Keys are slash-separated relative paths under the root directory. Writes
// go through a temp file and rename, so a crash never leaves a partial
// blob visible under its final name.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns a store
// rooted there.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes data under key, replacing any existing blob.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write blob %q: %w", key, err)
	}

	return nil
}

// Get returns the blob stored under key, or ErrBlobNotFound.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, driven.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %q: %w", key, err)
	}

	return data, nil
}

// Delete removes the blob stored under key, or returns ErrBlobNotFound.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return driven.ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("delete blob %q: %w", key, err)
	}

	return nil
}

// resolve maps a key to a path under the root, rejecting keys that would
// escape it.
func (s *FSStore) resolve(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, rel), nil
}
