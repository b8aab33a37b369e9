package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/capsuled/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// CreateCapsuleRequest is the JSON body for the create capsule endpoint.
// Binary payloads arrive base64-encoded in data; text capsules use text.
type CreateCapsuleRequest struct {
	ChannelID int64            `json:"channel_id"`
	Handle    string           `json:"handle"`
	Kind      string           `json:"kind"`
	Text      string           `json:"text"`
	Data      string           `json:"data"`
	Caption   string           `json:"caption"`
	Recipient RecipientRequest `json:"recipient"`
	DeliverAt string           `json:"deliver_at"`
}

// RecipientRequest selects where the capsule goes: "self", "channel" or
// "group" with a channel_id, or "handle" with a handle to be resolved later.
type RecipientRequest struct {
	Kind      string `json:"kind"`
	ChannelID int64  `json:"channel_id"`
	Handle    string `json:"handle"`
}

// ActivateRequest is the JSON body for the activation endpoint. Token is
// optional; when present it binds that one capsule regardless of handle.
type ActivateRequest struct {
	ChannelID int64  `json:"channel_id"`
	Handle    string `json:"handle"`
	Token     string `json:"token"`
}

// ActivateResponse reports how many capsules the activation bound.
type ActivateResponse struct {
	Bound int `json:"bound"`
}

// CapsuleResponse is the JSON representation of a capsule. It carries
// metadata only -- payload contents stay sealed until delivery and never
// appear on the API.
type CapsuleResponse struct {
	UUID            string            `json:"uuid"`
	Kind            string            `json:"kind"`
	Caption         string            `json:"caption,omitempty"`
	PayloadSize     int64             `json:"payload_size"`
	Recipient       RecipientResponse `json:"recipient"`
	DeliverAt       string            `json:"deliver_at"`
	CreatedAt       string            `json:"created_at"`
	Delivered       bool              `json:"delivered"`
	DeliveredAt     string            `json:"delivered_at,omitempty"`
	ActivationToken string            `json:"activation_token,omitempty"`
}

// RecipientResponse describes a capsule's recipient. The resolved channel
// of a handle recipient is not exposed; activated_at shows whether the
// handle has been claimed.
type RecipientResponse struct {
	Kind        string `json:"kind"`
	ChannelID   int64  `json:"channel_id,omitempty"`
	Handle      string `json:"handle,omitempty"`
	ActivatedAt string `json:"activated_at,omitempty"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// toCapsuleResponse converts a domain Capsule to its JSON representation.
// Pending handle capsules include the activation token so the owner can
// build an invite link.
func toCapsuleResponse(c model.Capsule) CapsuleResponse {
	resp := CapsuleResponse{
		UUID:        c.UUID.String(),
		Kind:        string(c.Kind),
		Caption:     c.Caption,
		PayloadSize: c.PayloadSize,
		Recipient:   toRecipientResponse(c.Recipient),
		DeliverAt:   c.DeliverAt.UTC().Format(time.RFC3339),
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339),
		Delivered:   c.Delivered,
	}

	if c.DeliveredAt != nil {
		resp.DeliveredAt = c.DeliveredAt.UTC().Format(time.RFC3339)
	}
	if c.Recipient.Pending() {
		resp.ActivationToken = model.ActivationToken(c.UUID)
	}

	return resp
}

// toRecipientResponse converts a domain RecipientSpec to its JSON representation.
func toRecipientResponse(r model.RecipientSpec) RecipientResponse {
	resp := RecipientResponse{
		Kind:   string(r.Kind),
		Handle: r.Handle,
	}

	if r.Kind != model.RecipientHandle {
		resp.ChannelID = r.ChannelID
	}
	if r.ActivatedAt != nil {
		resp.ActivatedAt = r.ActivatedAt.UTC().Format(time.RFC3339)
	}

	return resp
}
