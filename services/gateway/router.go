package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all gateway endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	rate := a.config.RatePerMinute
	if rate <= 0 {
		rate = 300
	}
	r.Use(httprate.LimitByIP(rate, time.Minute))

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Uploads stream multi-gigabyte bodies; everything else gets the
		// standard request timeout.
		r.With(middleware.Timeout(60 * time.Second)).Group(func(r chi.Router) {
			r.Get("/artifacts", a.handleListArtifacts)
			r.Get("/artifacts/{id}", a.handleGetArtifact)
			r.Post("/artifacts/{id}/cancel", a.handleCancelArtifact)
			r.Get("/artifacts/{id}/download", a.handleDownloadArtifact)
			r.Get("/anomalies", a.handleListAnomalies)
			r.Get("/anomalies/{id}", a.handleGetAnomaly)
			r.Get("/dashboard", a.handleDashboard)
			r.Get("/sessions", a.handleSessions)
		})
		r.Post("/artifacts", a.handleUploadArtifact)
	})

	r.Get("/ws/events", a.handleEvents)
	r.Get("/ws/recommendations", a.handleRecommendations)

	return r, nil
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
