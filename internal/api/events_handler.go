package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	appctx "github.com/welldanyogia/teamchat-events/internal/context"
	"github.com/welldanyogia/teamchat-events/internal/events"
	"github.com/welldanyogia/teamchat-events/internal/logger"
	"github.com/welldanyogia/teamchat-events/internal/snapshot"
	"github.com/welldanyogia/teamchat-events/internal/state"
)

// Error codes for event queue operations
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeBadEventQueueID  = "BAD_EVENT_QUEUE_ID"
	CodeInvalidCursor    = "INVALID_CURSOR"
	CodeUserNotFound     = "USER_NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeShuttingDown     = "SERVICE_UNAVAILABLE"
	CodeAuthTokenInvalid = "AUTH_TOKEN_INVALID"
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

var validate = validator.New()

// EventsHandler handles queue registration, long-polling and deregistration
type EventsHandler struct {
	registrar *snapshot.Registrar
	poller    *events.Poller
	registry  *events.Registry
	logger    *slog.Logger
}

// NewEventsHandler creates a new EventsHandler instance
func NewEventsHandler(registrar *snapshot.Registrar, poller *events.Poller, registry *events.Registry, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		registrar: registrar,
		poller:    poller,
		registry:  registry,
		logger:    logger,
	}
}

// Register handles POST /api/v1/register
func (h *EventsHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	req, err := decodeRegisterRequest(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	narrow, err := events.ParseNarrow(req.Narrow)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}

	snap, err := h.registrar.Register(r.Context(), userID, snapshot.Options{
		EventTypes:       req.EventTypes,
		Narrow:           narrow,
		AllPublicStreams: req.AllPublicStreams,
		ApplyMarkdown:    req.ApplyMarkdown,
		ClientName:       req.ClientName,
		Lifespan:         time.Duration(req.QueueLifespanSecs) * time.Second,
	})
	if err != nil {
		switch {
		case errors.Is(err, events.ErrInvalidFilter):
			h.writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		case errors.Is(err, state.ErrUserNotFound):
			h.writeError(w, http.StatusBadRequest, CodeUserNotFound, "User not found", nil)
		case errors.Is(err, events.ErrRegistryClosed):
			w.Header().Set("Retry-After", "5")
			h.writeError(w, http.StatusServiceUnavailable, CodeShuttingDown, "Server is shutting down", nil)
		default:
			logger.WithCorrelationID(r.Context(), h.logger).Error("Failed to register event queue", "error", err, "user_id", userID)
			h.writeError(w, http.StatusInternalServerError, CodeInternalError, "Failed to register event queue", nil)
		}
		return
	}

	h.writeSuccess(w, http.StatusOK, snap)
}

// GetEvents handles GET /api/v1/events, parking the request until events
// arrive or the poll timeout passes.
func (h *EventsHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	query := r.URL.Query()
	queueID := query.Get("queue_id")
	if queueID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "queue_id is required", nil)
		return
	}

	var lastEventID int64
	if raw := query.Get("last_event_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeValidationError, "last_event_id must be an integer", nil)
			return
		}
		lastEventID = n
	}

	var dontBlock bool
	if raw := query.Get("dont_block"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, CodeValidationError, "dont_block must be a boolean", nil)
			return
		}
		dontBlock = b
	}

	result, err := h.poller.Poll(r.Context(), userID, events.PollRequest{
		QueueID:     events.QueueID(queueID),
		LastEventID: lastEventID,
		DontBlock:   dontBlock,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// the client is gone
			logger.WithCorrelationID(r.Context(), h.logger).Debug("Long-poll abandoned", "queue_id", logger.MaskQueueID(queueID), "user_id", userID)
			return
		}
		h.handleQueueError(w, r, err, queueID)
		return
	}

	h.writeSuccess(w, http.StatusOK, GetEventsResponse{
		QueueID:     result.QueueID,
		Events:      result.Events,
		LastEventID: result.LastEventID,
		Status:      string(result.Status),
	})
}

// DeleteQueue handles DELETE /api/v1/events
func (h *EventsHandler) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := appctx.ExtractUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, CodeAuthTokenInvalid, "Invalid or expired token", nil)
		return
	}

	queueID := r.URL.Query().Get("queue_id")
	if queueID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "queue_id is required", nil)
		return
	}

	if err := h.registry.DeregisterForUser(events.QueueID(queueID), userID); err != nil {
		h.handleQueueError(w, r, err, queueID)
		return
	}

	h.writeSuccess(w, http.StatusOK, DeleteQueueResponse{Message: "Event queue deleted"})
}

// handleQueueError maps event core errors to HTTP responses. A foreign queue
// is reported exactly like a missing one.
func (h *EventsHandler) handleQueueError(w http.ResponseWriter, r *http.Request, err error, queueID string) {
	switch {
	case errors.Is(err, events.ErrQueueNotFound), errors.Is(err, events.ErrQueueAccessDenied):
		h.writeError(w, http.StatusBadRequest, CodeBadEventQueueID, "Bad event queue id: "+queueID, nil)
	case errors.Is(err, events.ErrInvalidCursor):
		h.writeError(w, http.StatusBadRequest, CodeInvalidCursor, "Invalid last_event_id", nil)
	default:
		logger.WithCorrelationID(r.Context(), h.logger).Error("Unexpected event queue error", "error", err, "queue_id", logger.MaskQueueID(queueID))
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "An unexpected error occurred", nil)
	}
}

// decodeRegisterRequest reads a JSON body or form values.
func decodeRegisterRequest(r *http.Request) (*RegisterRequest, error) {
	req := &RegisterRequest{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			return nil, errors.New("invalid request body")
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, errors.New("invalid form body")
	}
	form := r.Form

	if raw := form.Get("event_types"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.EventTypes); err != nil {
			return nil, errors.New("event_types must be a JSON list of strings")
		}
	}
	if raw := form.Get("narrow"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Narrow); err != nil {
			return nil, errors.New("narrow must be a JSON list of [operator, operand] pairs")
		}
	}
	if raw := form.Get("all_public_streams"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("all_public_streams must be a boolean")
		}
		req.AllPublicStreams = &b
	}
	if raw := form.Get("apply_markdown"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("apply_markdown must be a boolean")
		}
		req.ApplyMarkdown = b
	}
	if raw := form.Get("queue_lifespan_secs"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("queue_lifespan_secs must be an integer")
		}
		req.QueueLifespanSecs = n
	}
	req.ClientName = strings.TrimSpace(form.Get("client_name"))
	return req, nil
}

// validationDetails turns validator errors into the details map of an error response.
func validationDetails(err error) map[string][]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		field := toSnakeCase(fe.StructField())
		details[field] = append(details[field], fmt.Sprintf("failed %s validation", fe.Tag()))
	}
	return details
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, c := range s {
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			c += 'a' - 'A'
		}
		b.WriteRune(c)
	}
	return b.String()
}

// writeSuccess writes a successful JSON response
func (h *EventsHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
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
func (h *EventsHandler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
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
