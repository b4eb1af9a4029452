package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Device and app protocol endpoints (credentials checked by the handlers)
	r.Get(s.wsCfg.Path, s.handleWebSocket)
	r.Post("/api/http", s.handleHTTPRequest)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// App account routes
		r.Group(func(r chi.Router) {
			r.Use(s.appAuthMiddleware)

			r.Route("/user/device", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/add", s.handleAddDevice)

				r.Route("/{deviceid}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Post("/", s.handleUpdateDevice)
					r.Delete("/", s.handleDeleteDevice)
				})
			})

			r.Get("/devices/{deviceid}/history", s.handleDeviceHistory)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"devices_online": s.registry.OnlineCount(),
	})
}
