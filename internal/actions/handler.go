package actions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	appctx "github.com/welldanyogia/teamchat-events/internal/context"
	"github.com/welldanyogia/teamchat-events/internal/state"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// Handler handles HTTP requests for the state-changing endpoints
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// SendMessage handles POST /api/v1/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token", nil)
		return
	}

	var req SendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.service.SendMessage(r.Context(), userID, req)
	if err != nil {
		h.handleActionError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusCreated, resp)
}

// GetPointer handles GET /api/v1/users/me/pointer
func (h *Handler) GetPointer(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token", nil)
		return
	}

	pointer, err := h.service.Pointer(r.Context(), userID)
	if err != nil {
		h.handleActionError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, PointerResponse{Pointer: pointer})
}

// UpdatePointer handles POST /api/v1/users/me/pointer
func (h *Handler) UpdatePointer(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token", nil)
		return
	}

	var req PointerRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.UpdatePointer(r.Context(), userID, req.Pointer); err != nil {
		h.handleActionError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, PointerResponse{Pointer: req.Pointer})
}

// UpdatePresence handles POST /api/v1/users/me/presence
func (h *Handler) UpdatePresence(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token", nil)
		return
	}

	var req PresenceRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.UpdatePresence(r.Context(), userID, req); err != nil {
		h.handleActionError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"status": req.Status,
	})
}

// Subscribe handles POST /api/v1/users/me/subscriptions
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.changeSubscriptions(w, r, h.service.Subscribe)
}

// Unsubscribe handles DELETE /api/v1/users/me/subscriptions
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.changeSubscriptions(w, r, h.service.Unsubscribe)
}

func (h *Handler) changeSubscriptions(w http.ResponseWriter, r *http.Request,
	change func(ctx context.Context, userID int64, names []string) (*SubscriptionResponse, error)) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token", nil)
		return
	}

	var req SubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := change(r.Context(), userID, req.Subscriptions)
	if err != nil {
		h.handleActionError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, resp)
}

// UpdateRealm handles PATCH /api/v1/realm
func (h *Handler) UpdateRealm(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid or expired token", nil)
		return
	}

	var req RealmUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.UpdateRealm(r.Context(), userID, req); err != nil {
		h.handleActionError(w, err)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"property": req.Property,
		"value":    req.Value,
	})
}

// decode reads and validates a JSON body, writing the error response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeInvalidRequestBody, "Invalid request body", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return false
	}
	return true
}

// handleActionError maps service and state errors to HTTP responses
func (h *Handler) handleActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidationFailed), errors.Is(err, state.ErrInvalidMessage):
		h.writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
	case errors.Is(err, state.ErrStreamNotFound):
		h.writeError(w, http.StatusBadRequest, CodeStreamNotFound, err.Error(), nil)
	case errors.Is(err, state.ErrUserNotFound):
		h.writeError(w, http.StatusBadRequest, CodeUserNotFound, err.Error(), nil)
	case errors.Is(err, state.ErrInvalidMessageID):
		h.writeError(w, http.StatusBadRequest, CodeInvalidMessageID, "Invalid message ID", nil)
	case errors.Is(err, state.ErrInvalidPresence):
		h.writeError(w, http.StatusBadRequest, CodeInvalidPresence, "Invalid presence status", nil)
	case errors.Is(err, state.ErrInvalidRealmProperty):
		h.writeError(w, http.StatusBadRequest, CodeInvalidProperty, err.Error(), nil)
	case errors.Is(err, ErrStreamAccessDenied), errors.Is(err, ErrNotRealmAdmin):
		h.writeError(w, http.StatusForbidden, CodeForbidden, err.Error(), nil)
	default:
		h.logger.Error("Unexpected action error", "error", err)
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
