// Package httpapi exposes the message endpoints over chi.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	HeaderTenantID   = "X-Tenant-Id"
	HeaderTenantName = "X-Tenant-Name"
)

func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
	})

	r.Route("/app-users/{appUserId}/messages", func(r chi.Router) {
		r.Get("/", h.ListMessages)
		r.Post("/", h.CreateMessage)
		r.Get("/{messageId}", h.GetMessage)
		r.Patch("/{messageId}", h.PatchMessage)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, notFound("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{
			Error: &errorBody{TextCode: "XWEBHOOK_METHOD_NOT_ALLOWED", Message: "method not allowed"},
		})
	})
	return r
}
