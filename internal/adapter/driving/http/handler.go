package httphandler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/capsuled/internal/application"
	"github.com/ericfisherdev/capsuled/internal/domain/model"
	"github.com/ericfisherdev/capsuled/internal/domain/port/driven"
)

// Handler is the HTTP driving adapter that serves the REST API. Callers
// identify themselves by channel_id; there is no session state, the
// platform glue in front of this API is trusted to assert identity.
type Handler struct {
	capsuleSvc *application.CapsuleService
	logger     *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(capsuleSvc *application.CapsuleService, logger *slog.Logger) *Handler {
	return &Handler{
		capsuleSvc: capsuleSvc,
		logger:     logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/capsules", h.CreateCapsule)
	mux.HandleFunc("GET /api/v1/capsules", h.ListCapsules)
	mux.HandleFunc("GET /api/v1/capsules/{uuid}", h.GetCapsule)
	mux.HandleFunc("DELETE /api/v1/capsules/{uuid}", h.DeleteCapsule)
	mux.HandleFunc("POST /api/v1/activations", h.Activate)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// CreateCapsule seals a new capsule for future delivery.
func (h *Handler) CreateCapsule(w http.ResponseWriter, r *http.Request) {
	var req CreateCapsuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ChannelID == 0 {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	deliverAt, err := time.Parse(time.RFC3339, req.DeliverAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deliver_at: expected an RFC 3339 timestamp")
		return
	}

	var data []byte
	if req.Data != "" {
		data, err = base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid data: expected base64")
			return
		}
	}

	c, err := h.capsuleSvc.CreateCapsule(r.Context(), application.CreateCapsuleInput{
		OwnerChannelID: req.ChannelID,
		OwnerHandle:    req.Handle,
		Kind:           model.ContentKind(req.Kind),
		Text:           req.Text,
		Data:           data,
		Caption:        req.Caption,
		Recipient: model.RecipientSpec{
			Kind:      model.RecipientKind(req.Recipient.Kind),
			ChannelID: req.Recipient.ChannelID,
			Handle:    req.Recipient.Handle,
		},
		DeliverAt: deliverAt,
	})
	if err != nil {
		h.writeCreateError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCapsuleResponse(*c))
}

// ListCapsules returns the caller's capsules, newest first, delivered
// history included.
func (h *Handler) ListCapsules(w http.ResponseWriter, r *http.Request) {
	channelID, ok := callerChannel(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "channel_id query parameter is required")
		return
	}

	capsules, err := h.capsuleSvc.ListCapsules(r.Context(), channelID, r.URL.Query().Get("handle"))
	if err != nil {
		h.logger.Error("failed to list capsules", "channel", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]CapsuleResponse, 0, len(capsules))
	for _, c := range capsules {
		resp = append(resp, toCapsuleResponse(c))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetCapsule returns one capsule's metadata, owner only.
func (h *Handler) GetCapsule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid capsule id")
		return
	}

	channelID, ok := callerChannel(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "channel_id query parameter is required")
		return
	}

	c, err := h.capsuleSvc.GetCapsule(r.Context(), channelID, id)
	if err != nil {
		h.writeLookupError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, toCapsuleResponse(*c))
}

// DeleteCapsule removes a capsule the caller owns, cancelling its
// delivery and purging any stored payload.
func (h *Handler) DeleteCapsule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid capsule id")
		return
	}

	channelID, ok := callerChannel(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "channel_id query parameter is required")
		return
	}

	if err := h.capsuleSvc.DeleteCapsule(r.Context(), channelID, id); err != nil {
		h.writeLookupError(w, id, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Activate registers the caller's channel and binds any pending capsules
// addressed to their handle or to the presented invite token.
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ChannelID == 0 {
		writeError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	bound, err := h.capsuleSvc.Activate(r.Context(), application.ActivateInput{
		ChannelID: req.ChannelID,
		Handle:    req.Handle,
		Token:     req.Token,
	})
	if err != nil {
		h.logger.Error("activation failed", "channel", req.ChannelID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, ActivateResponse{Bound: bound})
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeCreateError maps creation failures to client-facing statuses.
func (h *Handler) writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, application.ErrInvalidCapsule),
		errors.Is(err, application.ErrDeliveryInPast),
		errors.Is(err, application.ErrHorizonExceeded):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, application.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, driven.ErrQuotaExceeded),
		errors.Is(err, driven.ErrBalanceExhausted):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		h.logger.Error("failed to create capsule", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeLookupError maps get/delete failures to client-facing statuses.
func (h *Handler) writeLookupError(w http.ResponseWriter, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, application.ErrCapsuleNotFound):
		writeError(w, http.StatusNotFound, "capsule not found")
	case errors.Is(err, application.ErrNotOwner):
		writeError(w, http.StatusForbidden, "capsule belongs to a different account")
	default:
		h.logger.Error("capsule lookup failed", "uuid", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// callerChannel extracts the caller's channel id from the query string.
func callerChannel(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("channel_id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
