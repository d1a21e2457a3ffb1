package sse

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/welldanyogia/teamchat-events/internal/auth"
	"github.com/welldanyogia/teamchat-events/internal/events"
	"github.com/welldanyogia/teamchat-events/internal/logger"
	"github.com/welldanyogia/teamchat-events/internal/middleware"
)

// Handler implements the SSE transport over event queues.
type Handler struct {
	config       Config
	connManager  *ConnectionManager
	registry     *events.Registry
	tokenService *auth.TokenService
	logger       *slog.Logger
}

// NewHandler creates a new SSE handler.
func NewHandler(config Config, connManager *ConnectionManager, registry *events.Registry, tokenService *auth.TokenService, logger *slog.Logger) *Handler {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = DefaultConfig().ConnectionTimeout
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = events.DefaultMaxBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:       config,
		connManager:  connManager,
		registry:     registry,
		tokenService: tokenService,
		logger:       logger.With("component", "sse"),
	}
}

// HandleStream handles GET /api/v1/events/stream?queue_id=&last_event_id=.
// The Last-Event-ID header, sent by reconnecting browsers, overrides
// last_event_id. Every write happens on the request goroutine.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid or missing authentication token")
		return
	}

	queueID := r.URL.Query().Get("queue_id")
	if queueID == "" {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "queue_id is required")
		return
	}

	cursor, err := parseCursor(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "last_event_id must be an integer")
		return
	}

	q, err := h.registry.LookupForUser(events.QueueID(queueID), userID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_EVENT_QUEUE_ID", "Bad event queue id: "+queueID)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", ErrStreamingNotSupported.Error())
		return
	}

	// validates the cursor before the stream is committed
	backlog, err := q.ReadSince(r.Context(), cursor, 0, h.config.MaxBatch)
	switch {
	case errors.Is(err, events.ErrInvalidCursor):
		h.writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "Invalid last_event_id")
		return
	case errors.Is(err, events.ErrQueueNotFound):
		h.writeError(w, http.StatusBadRequest, "BAD_EVENT_QUEUE_ID", "Bad event queue id: "+queueID)
		return
	case err != nil:
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	conn := NewConnection(userID, q.ID())
	for _, old := range h.connManager.AddConnection(conn) {
		h.logger.Info("closing oldest stream over per-user limit",
			"user_id", userID,
			"connection_id", old.ID,
			"max_connections", h.config.MaxConnectionsPerUser)
	}
	defer h.connManager.RemoveConnection(conn)

	ctx, cancel := context.WithTimeout(r.Context(), h.config.ConnectionTimeout)
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	log := h.logger.With("user_id", userID, "connection_id", conn.ID, "queue_id", logger.MaskQueueID(queueID))
	log.Debug("stream opened", "cursor", cursor)

	out := &streamWriter{w: w, flusher: flusher}
	if err := out.writeControl(FrameConnected, map[string]string{"connection_id": conn.ID}); err != nil {
		return
	}
	if len(backlog) > 0 {
		if err := out.writeEvents(backlog); err != nil {
			return
		}
		cursor = backlog[len(backlog)-1].ID
	}

	for {
		found, err := q.ReadSince(ctx, cursor, h.config.HeartbeatInterval, h.config.MaxBatch)
		switch {
		case errors.Is(err, events.ErrQueueNotFound):
			out.writeControl(FrameQueueExpired, map[string]string{"queue_id": queueID})
			log.Debug("stream ended, queue expired")
			return
		case err != nil:
			if conn.Reason() == CloseConnectionLimit {
				out.writeControl(FrameConnectionLimit, map[string]interface{}{
					"message":         "Maximum connections exceeded, closing oldest connection",
					"max_connections": h.config.MaxConnectionsPerUser,
				})
			}
			log.Debug("stream ended", "reason", closeCause(conn, err))
			return
		}

		if len(found) == 0 {
			err = out.writeHeartbeat()
		} else {
			err = out.writeEvents(found)
			cursor = found[len(found)-1].ID
		}
		if err != nil {
			log.Debug("stream write failed", "error", err)
			return
		}
	}
}

// authenticate resolves the token from the token query parameter, which
// EventSource needs, or from a Bearer header.
func (h *Handler) authenticate(r *http.Request) (int64, error) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString, _ = middleware.BearerToken(r)
	}
	if tokenString == "" {
		return 0, ErrInvalidToken
	}

	claims, err := h.tokenService.ValidateAccessToken(tokenString)
	if err != nil {
		return 0, ErrInvalidToken
	}
	userID, err := claims.UserID()
	if err != nil {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

func parseCursor(r *http.Request) (int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}

func closeCause(conn *Connection, err error) string {
	if reason := conn.Reason(); reason != "" {
		return string(reason)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "client_gone"
}

// writeError writes a JSON error envelope before the stream starts.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"timestamp": time.Now().UTC(),
	})
}
