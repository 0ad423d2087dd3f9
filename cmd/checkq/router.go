package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/checkq/internal/api"
	apiMiddleware "github.com/phrazzld/checkq/internal/api/middleware"
)

// setupRouter creates the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)
	sessionHandler := api.NewSessionHandler(app.checkService, app.logger)
	poolHandler := api.NewPoolHandler(app.checkService, app.logger)
	realtimeHandler := api.NewRealtimeHandler(app.hub, app.logger)

	r.Route("/api", func(r chi.Router) {
		// Owner routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)
			r.Post("/sessions", sessionHandler.Submit)
			r.Get("/sessions/{id}", sessionHandler.Status)
			r.Post("/sessions/{id}/stop", sessionHandler.Stop)
			r.Get("/realtime", realtimeHandler.Subscribe)
		})

		// Worker pool routes
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.AuthenticatePool)
			r.Post("/pool/claim", poolHandler.Claim)
			r.Post("/pool/results", poolHandler.Results)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
