package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterEventRoutes registers event queue routes.
// All routes require authentication via auth middleware; registration is
// additionally rate limited per user.
func RegisterEventRoutes(r chi.Router, handler *EventsHandler, authMiddleware, registerLimit func(next http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		// POST /api/v1/register - Allocate a queue and return the initial snapshot
		if registerLimit != nil {
			r.With(registerLimit).Post("/register", handler.Register)
		} else {
			r.Post("/register", handler.Register)
		}

		// GET /api/v1/events - Long-poll a queue
		r.Get("/events", handler.GetEvents)

		// DELETE /api/v1/events - Deregister a queue
		r.Delete("/events", handler.DeleteQueue)
	})
}
