package model

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// ActivationToken encodes a capsule UUID for embedding in invite links:
// URL-safe base64 of the canonical UUID text, without padding.
func ActivationToken(id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id.String()))
}

// UUIDFromToken reverses ActivationToken.
func UUIDFromToken(token string) (uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decoding activation token: %w", err)
	}
	id, err := uuid.Parse(string(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing activation token: %w", err)
	}
	return id, nil
}
