package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/AgentDeck/internal/adapter/registryhttp"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

// MountRoutes registers the control API and, when h.Registry is set, the
// registry protocol on the given chi router. mutating wraps the POST/PUT
// endpoints that create work (idempotency); it may be nil.
func MountRoutes(r chi.Router, h *Handlers, mutating func(http.Handler) http.Handler) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		if h.Session != nil {
			mountSession(r, h, mutating)
		}

		if h.Registry != nil {
			r.Route(strings.TrimPrefix(registryhttp.BasePath, "/api/v1"), func(r chi.Router) {
				r.Post("/tasks/{taskID}/start", h.RegistryStart)
				r.Post("/tasks/{taskID}/heartbeat", h.RegistryHeartbeat)
				r.Post("/tasks/{taskID}/complete", h.RegistryComplete)
				r.Get("/tasks/{taskID}", h.RegistryStatus)
				r.Delete("/sessions/{sessionID}", h.RegistryClear)
			})
		}
	})

	if h.WS != nil {
		r.Get("/ws", h.WS.ServeHTTP)
	}
}

// mountSession registers the control API of the orchestrator.
func mountSession(r chi.Router, h *Handlers, mutating func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		if mutating != nil {
			r.Use(mutating)
		}
		r.Post("/session/prompt", h.SubmitPrompt)
		r.Post("/tasks", h.CreateTask)
	})

	// Session
	r.Get("/session", h.GetSession)
	r.Post("/session/abort", h.AbortTask)
	r.Post("/session/clear", h.ClearSession)
	r.Put("/session/visibility", h.SetVisibility)
	r.Put("/session/autostart", h.SetAutoStart)

	// Tasks
	r.Get("/tasks", handleList(h.Session.Tasks))
	r.Put("/tasks", h.ReplaceTasks)

	// Logs
	r.Get("/logs", h.ListLogs)
	r.Get("/logs/{id}/diagnostics", h.GetDiagnostics)
	r.Get("/file-changes", handleList(h.Session.FileChanges))
}
