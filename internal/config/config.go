// Package config loads application configuration from environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration loaded from environment
// variables. All knobs live under the CAPSULED_ prefix.
type Config struct {
	ListenAddr string `env:"CAPSULED_LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	DBPath     string `env:"CAPSULED_DB_PATH" envDefault:"capsuled.db"`
	BlobDir    string `env:"CAPSULED_BLOB_DIR" envDefault:"blobs"`

	// MasterKey is the base64 URL-safe encoding of the 32-byte key every
	// capsule's content key is wrapped under. Required: payloads sealed
	// under a lost master key are unrecoverable.
	MasterKey string `env:"CAPSULED_MASTER_KEY"`

	// DeliveryWebhookURL receives outbound delivery POSTs. Required.
	DeliveryWebhookURL string `env:"CAPSULED_DELIVERY_WEBHOOK_URL"`

	// InviteURLBase prefixes activation tokens in owner notices. The token
	// is appended as-is, so include a trailing slash or path separator.
	InviteURLBase string `env:"CAPSULED_INVITE_URL_BASE" envDefault:"https://capsuled.local/activate/"`

	SweepInterval   time.Duration `env:"CAPSULED_SWEEP_INTERVAL" envDefault:"1m"`
	MaxPayloadBytes int64         `env:"CAPSULED_MAX_PAYLOAD_BYTES" envDefault:"20971520"`

	FreeStorageBytes    int64         `env:"CAPSULED_FREE_STORAGE_BYTES" envDefault:"104857600"`
	PremiumStorageBytes int64         `env:"CAPSULED_PREMIUM_STORAGE_BYTES" envDefault:"524288000"`
	FreeHorizon         time.Duration `env:"CAPSULED_FREE_HORIZON" envDefault:"8760h"`
	PremiumHorizon      time.Duration `env:"CAPSULED_PREMIUM_HORIZON" envDefault:"219000h"`
	StarterBalance      int           `env:"CAPSULED_STARTER_BALANCE" envDefault:"3"`

	// RedisAddr switches owner-notice deduplication from the in-memory
	// tracker to Redis when set.
	RedisAddr     string        `env:"CAPSULED_REDIS_ADDR"`
	RedisPassword string        `env:"CAPSULED_REDIS_PASSWORD"`
	RedisDB       int           `env:"CAPSULED_REDIS_DB" envDefault:"0"`
	NoticeTTL     time.Duration `env:"CAPSULED_NOTICE_TTL" envDefault:"24h"`

	// MasterKeyBytes is the decoded master key, filled in by Load.
	MasterKeyBytes []byte
}

// Load reads configuration from environment variables and returns a
// validated Config. CAPSULED_MASTER_KEY and CAPSULED_DELIVERY_WEBHOOK_URL
// are required; everything else has a default.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("CAPSULED_MASTER_KEY is required: generate one with capsuled-keygen")
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(cfg.MasterKey, "="))
	if err != nil {
		return nil, fmt.Errorf("CAPSULED_MASTER_KEY is not valid base64url: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CAPSULED_MASTER_KEY decodes to %d bytes, want 32", len(key))
	}
	cfg.MasterKeyBytes = key

	if cfg.DeliveryWebhookURL == "" {
		return nil, fmt.Errorf("CAPSULED_DELIVERY_WEBHOOK_URL is required")
	}

	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("CAPSULED_SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}
	if cfg.MaxPayloadBytes <= 0 {
		return nil, fmt.Errorf("CAPSULED_MAX_PAYLOAD_BYTES must be positive, got %d", cfg.MaxPayloadBytes)
	}

	return &cfg, nil
}
