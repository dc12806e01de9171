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
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/state", s.handleState)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/connect", s.handleDeviceAction("connect"))
				r.Post("/disconnect", s.handleDeviceAction("disconnect"))
				r.Post("/pair", s.handleDeviceAction("pair"))
				r.Delete("/", s.handleDeviceAction("remove"))
			})
		})

		r.Route("/audio", func(r chi.Router) {
			r.Get("/", s.handleListAudio)

			r.Route("/{id}", func(r chi.Router) {
				r.Put("/volume", s.handleSetVolume)
				r.Put("/mute", s.handleSetMute)
				r.Put("/default", s.handleSetDefault)
			})
		})

		r.Route("/networks", func(r chi.Router) {
			r.Get("/", s.handleListNetworks)
			r.Post("/scan", s.handleScan)
			r.Post("/disconnect", s.handleNetworkDisconnect)
			r.Post("/{id}/connect", s.handleNetworkConnect)
		})

		r.Get("/journal", s.handleJournal)
	})

	// WebSocket event stream
	r.Get(s.wsPath(), s.handleWebSocket)

	return r
}

// wsPath returns the configured WebSocket path, defaulting to /ws.
func (s *Server) wsPath() string {
	if s.wsCfg.Path != "" {
		return s.wsCfg.Path
	}
	return "/ws"
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
