package httpserver

import (
	"net/http"
	"time"

	"github.com/tokligence/paygate/internal/health"
	"github.com/tokligence/paygate/internal/httpserver/protocol"
	"github.com/tokligence/paygate/internal/metrics"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(e.server.HandleMetrics)},
	}
}

// HandleHealth reports liveness and the active billing settings.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.invoiceConfig()
	payload := map[string]any{
		"status":         "ok",
		"time":           time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"network":        cfg.Network,
		"currency":       s.currency(),
		"verify_policy":  cfg.Policy,
	}
	if s.pricing != nil {
		payload["pricing_source"] = s.pricing.Source()
	}
	status := http.StatusOK
	if s.health != nil {
		report := s.health.Check(r.Context())
		payload["components"] = report.Components
		if report.Status != health.StatusHealthy {
			payload["status"] = string(report.Status)
		}
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, status, payload)
}

// HandleMetrics renders the collector in Prometheus text format.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	var snap metrics.Snapshot
	if s.metrics != nil {
		snap = s.metrics.GetSnapshot()
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(snap)))
}
