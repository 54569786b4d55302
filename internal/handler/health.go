package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ahc-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// ConnectionCounter reports open client connections.
type ConnectionCounter interface {
	Connections() int
}

// AggregationCounter reports fan-out aggregations still waiting for responses.
type AggregationCounter interface {
	InFlight() int
}

// StatusResponse is the body of /proxy/status.
type StatusResponse struct {
	Status               string   `json:"status"`
	Version              string   `json:"version"`
	Listen               string   `json:"listen"`
	Protocol             string   `json:"protocol"`
	ReverseUpstream      string   `json:"reverse_upstream,omitempty"`
	ClusterDestinations  []string `json:"cluster_destinations,omitempty"`
	ContentFilter        bool     `json:"content_filter"`
	ActiveConnections    int      `json:"active_connections"`
	InFlightAggregations int      `json:"inflight_aggregations"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg          *config.Config
	version      Version
	conns        ConnectionCounter
	aggregations AggregationCounter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, conns ConnectionCounter, aggregations AggregationCounter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, conns: conns, aggregations: aggregations}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:              "ok",
		Version:             string(h.version),
		Listen:              h.cfg.Server.Addr(),
		Protocol:            h.cfg.Server.Protocol,
		ReverseUpstream:     h.cfg.Reverse.Upstream,
		ClusterDestinations: h.cfg.Cluster.Destinations,
		ContentFilter:       h.cfg.Filter.Enabled,
	}
	if h.conns != nil {
		resp.ActiveConnections = h.conns.Connections()
	}
	if h.aggregations != nil {
		resp.InFlightAggregations = h.aggregations.InFlight()
	}
	return c.JSON(http.StatusOK, resp)
}
