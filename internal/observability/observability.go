// Package observability (C13) serves liveness/readiness probes, the
// safeguard counters HTTP surface, and the Prometheus /metrics
// endpoint. Routing is grounded on infrastructure/marble/service.go's
// mux.Router-per-service convention.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
)

// LivenessCheck reports whether the database gateway answers within its
// timeout.
type LivenessCheck func(ctx context.Context) error

// ReadinessCheck reports whether bootstrap has completed and at least
// one C3 flush has succeeded.
type ReadinessCheck func() (ready bool, reason string)

// Server hosts the health/readiness/metrics HTTP surface, bound to
// observability.http_addr.
type Server struct {
	httpServer *http.Server
	mx         *metrics.Metrics
	log        *logging.Logger

	liveness  LivenessCheck
	readiness ReadinessCheck

	degraded atomic.Bool
	failureStreak atomic.Int64
}

// New builds a Server bound to addr, wiring health/ready/metrics routes
// and registering mx's collectors under metricsPath.
func New(cfg config.ObservabilityConfig, mx *metrics.Metrics, log *logging.Logger, liveness LivenessCheck, readiness ReadinessCheck) *Server {
	s := &Server{mx: mx, log: log, liveness: liveness, readiness: readiness}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.handleReadiness).Methods(http.MethodGet)
	router.Handle(cfg.MetricsPath, promhttp.HandlerFor(mx.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start begins serving in the background. Errors other than a graceful
// Shutdown are logged as fatal-path warnings (the supervisor decides
// whether to exit).
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithComponent("observability").WithError(err).Error("health server stopped unexpectedly")
		}
	}()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// RecordComponentFailure marks one core-component failure. After a short
// streak of consecutive failures the health endpoint transitions to
// "degraded".
func (s *Server) RecordComponentFailure() {
	if s.failureStreak.Add(1) >= degradedFailureThreshold {
		s.degraded.Store(true)
	}
}

// RecordComponentSuccess clears the failure streak.
func (s *Server) RecordComponentSuccess() {
	s.failureStreak.Store(0)
	s.degraded.Store(false)
}

const degradedFailureThreshold = 3

type healthResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.liveness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.liveness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "down", Reason: err.Error()})
			return
		}
	}
	status := "ok"
	if s.degraded.Load() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: status})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.readiness == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
		return
	}
	ready, reason := s.readiness()
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not-ready", Reason: reason})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
