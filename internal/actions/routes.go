package actions

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the state-changing routes with the Chi router.
// All routes require authentication via auth middleware.
func RegisterRoutes(r chi.Router, handler *Handler, authMiddleware func(next http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)

		// POST /api/v1/messages - Send a stream or private message
		r.Post("/messages", handler.SendMessage)

		r.Route("/users/me", func(r chi.Router) {
			r.Get("/pointer", handler.GetPointer)
			r.Post("/pointer", handler.UpdatePointer)

			r.Post("/presence", handler.UpdatePresence)

			r.Post("/subscriptions", handler.Subscribe)
			r.Delete("/subscriptions", handler.Unsubscribe)
		})

		// PATCH /api/v1/realm - Update one realm property (admins only)
		r.Patch("/realm", handler.UpdateRealm)
	})
}
