package sse

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers SSE routes with the Chi router.
// The handler authenticates by itself: EventSource cannot set headers, so the
// token may also come from the token query parameter.
func RegisterRoutes(r chi.Router, handler *Handler) {
	// GET /api/v1/events/stream - stream a queue
	r.Get("/events/stream", handler.HandleStream)
}
