// Package server exposes the operational surface: a JSON health endpoint
// and the Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/health"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/registry"
)

// HealthStatus is the /healthz response body.
type HealthStatus struct {
	Status           string                       `json:"status"`
	SnapshotAge      float64                      `json:"snapshot_age_seconds"`
	Tools            int                          `json:"tools"`
	RegistryDegraded bool                         `json:"registry_degraded"`
	ErrorRate        float64                      `json:"error_rate_per_minute"`
	ToolHealth       map[string]health.ToolHealth `json:"tool_health"`
}

// Server serves /healthz and /metrics.
type Server struct {
	cfg     config.ServerConfig
	reg     *registry.Registry
	ledger  *health.Ledger
	metrics *observability.Metrics
	log     *observability.Logger

	httpSrv *http.Server
}

// New builds the server; Start binds it.
func New(cfg config.ServerConfig, reg *registry.Registry, ledger *health.Ledger, metrics *observability.Metrics, log *observability.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		ledger:  ledger,
		metrics: metrics,
		log:     log.Component("server"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route mux, exposed separately for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()

	status := HealthStatus{
		Status:           "ok",
		SnapshotAge:      snap.Age().Seconds(),
		Tools:            snap.Len(),
		RegistryDegraded: s.reg.Degraded(),
		ErrorRate:        s.ledger.ErrorRate(),
		ToolHealth:       s.ledger.Snapshot(),
	}
	if status.RegistryDegraded {
		status.Status = "degraded"
	}
	for _, h := range status.ToolHealth {
		if !h.Online {
			status.Status = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warn(r.Context(), "encode healthz response", "error", err)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info(nil, "listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
