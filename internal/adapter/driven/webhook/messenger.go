// Package webhook delivers capsule messages by POSTing them to a
// configured delivery endpoint. The endpoint owns the platform-specific
// send; this adapter only reports whether it took responsibility.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ericfisherdev/capsuled/internal/domain/model"
	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.Messenger = (*Messenger)(nil)

// Messenger is the webhook implementation of the Messenger port interface.
// The endpoint answers 202 Accepted once it has taken the message. A 403,
// 404 or 410 means the target channel refused or no longer exists; those
// come back wrapped around driven.ErrTargetUnreachable so delivery stops
// retrying. Every other failure is treated as transient.
type Messenger struct {
	url    string
	client *http.Client
}

// NewMessenger creates a Messenger POSTing to url.
func NewMessenger(url string) *Messenger {
	return &Messenger{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type sendRequest struct {
	ChannelID int64  `json:"channel_id"`
	Kind      string `json:"kind"`
	Text      string `json:"text,omitempty"`
	Data      string `json:"data,omitempty"` // base64 payload for binary kinds
	Caption   string `json:"caption,omitempty"`
}

// SendText delivers a plain text message to the channel.
func (m *Messenger) SendText(ctx context.Context, channelID int64, text string) error {
	return m.post(ctx, sendRequest{
		ChannelID: channelID,
		Kind:      string(model.ContentText),
		Text:      text,
	})
}

// SendBinary delivers a decrypted payload of the given kind with an
// optional caption.
func (m *Messenger) SendBinary(ctx context.Context, channelID int64, kind model.ContentKind, data []byte, caption string) error {
	return m.post(ctx, sendRequest{
		ChannelID: channelID,
		Kind:      string(kind),
		Data:      base64.StdEncoding.EncodeToString(data),
		Caption:   caption,
	})
}

func (m *Messenger) post(ctx context.Context, payload sendRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("channel %d: %w: status %d body=%q",
			payload.ChannelID, driven.ErrTargetUnreachable, resp.StatusCode, respBody)
	default:
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, respBody)
	}
}
