// Package api provides the HTTP server for Qube.
// It exposes the partner-facing conversion API (v1 referral-attributed,
// v2 tracking-token), the ASP click/postback endpoints, and the owner
// management endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qube-labs/qube/internal/app/conversion"
	"github.com/qube-labs/qube/internal/domain"
)

// Server is the Qube HTTP API server.
type Server struct {
	pipeline       *conversion.Service
	logger         *zap.Logger
	metricsEnabled bool
}

// NewServer creates a new API server around the conversion pipeline.
func NewServer(pipeline *conversion.Service, logger *zap.Logger) *Server {
	return &Server{pipeline: pipeline, logger: logger.Named("api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "Qube is running",
		})
	})

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": "0.1.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/conversion", s.handleConversionV1)
		r.Get("/asp-click", s.handleASPClick)
		r.Post("/postback/cv", s.handlePostback)
		r.Post("/projects", s.handleCreateProject)
		r.Post("/referrals", s.handleCreateReferral)
		r.Post("/campaign-links", s.handleCreateCampaignLink)
	})

	r.Post("/api/v2/conversion", s.handleConversionV2)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Error Mapping ──────────────────────────────────────────────────────────

// mapError translates a pipeline error to an HTTP status and a stable
// machine-readable code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMissingAPIKey):
		return http.StatusBadRequest, "MISSING_API_KEY"
	case errors.Is(err, domain.ErrInvalidAPIKey):
		return http.StatusForbidden, "INVALID_API_KEY"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, domain.ErrReferralNotFound):
		return http.StatusNotFound, "REFERRAL_NOT_FOUND"
	case errors.Is(err, domain.ErrProjectNotFound):
		return http.StatusNotFound, "PROJECT_NOT_FOUND"
	case errors.Is(err, domain.ErrConversionPointNotFound):
		return http.StatusNotFound, "CONVERSION_POINT_NOT_FOUND"
	case errors.Is(err, domain.ErrTrackingNotFound):
		return http.StatusNotFound, "TRACKING_NOT_FOUND"
	case errors.Is(err, domain.ErrLinkNotFound):
		return http.StatusNotFound, "LINK_NOT_FOUND"
	case errors.Is(err, domain.ErrASPNotFound):
		return http.StatusNotFound, "ASP_NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidRevenue):
		return http.StatusBadRequest, "INVALID_REVENUE"
	case errors.Is(err, domain.ErrNoAppropriateTier):
		return http.StatusBadRequest, "NO_APPROPRIATE_TIER"
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidProject),
		errors.Is(err, domain.ErrInvalidConversionPoint),
		errors.Is(err, domain.ErrTieredWithReferral):
		return http.StatusBadRequest, "INVALID_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorMessage returns the client-facing message. Internal errors are
// masked; their detail goes to the log, not the response.
func errorMessage(status int, err error) string {
	if status >= 500 {
		return "internal error"
	}
	return err.Error()
}

// writeErrorV1 writes the v1 structured error envelope.
func writeErrorV1(w http.ResponseWriter, err error, details string) {
	status, code := mapError(err)
	body := map[string]interface{}{
		"code":    code,
		"message": errorMessage(status, err),
	}
	if details != "" {
		body["details"] = details
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

// writeErrorV2 writes the flat v2 error shape.
func writeErrorV2(w http.ResponseWriter, err error) {
	status, _ := mapError(err)
	writeJSON(w, status, map[string]string{"error": errorMessage(status, err)})
}

// corsMiddleware adds CORS headers; partner sites call the conversion API
// directly from the browser.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, x-api-key")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
