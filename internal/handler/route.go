package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/model"
	"ahc-proxy-go/internal/router"
)

// Defaulter attaches the configured default stages to a request.
type Defaulter interface {
	ApplyDefaults(req *model.ForwardRequest)
}

// TargetView is one resolved backend in a dry-run answer.
type TargetView struct {
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Path     string            `json:"path,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

// RouteResponse is the body of a successful /proxy/route answer.
type RouteResponse struct {
	Method  string       `json:"method"`
	URI     string       `json:"uri"`
	Stages  []string     `json:"stages"`
	FanOut  bool         `json:"fan_out"`
	Targets []TargetView `json:"targets"`
}

// RouteHandler answers which backend a request would reach, without
// forwarding anything. Requests pass through the same stage derivation and
// content filter as live traffic.
type RouteHandler struct {
	router   *router.Router
	defaults Defaulter
	cfg      *config.Config
	logger   *slog.Logger
}

// NewRouteHandler creates a RouteHandler.
func NewRouteHandler(r *router.Router, defaults Defaulter, cfg *config.Config, logger *slog.Logger) *RouteHandler {
	return &RouteHandler{
		router:   r,
		defaults: defaults,
		cfg:      cfg,
		logger:   logger.With("component", "route_handler"),
	}
}

// Resolve handles GET /proxy/route?uri=...&method=...
func (h *RouteHandler) Resolve(c echo.Context) error {
	uri := c.QueryParam("uri")
	if uri == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "uri is required")
	}
	method := strings.ToUpper(c.QueryParam("method"))
	if method == "" {
		method = http.MethodGet
	}

	req := &model.ForwardRequest{
		Protocol:   model.HTTP1,
		Method:     method,
		Target:     uri,
		Header:     c.Request().Header.Clone(),
		ClientAddr: c.RealIP(),
	}
	model.DeriveStages(req)
	if h.cfg.Filter.Enabled {
		req.WithContentFilter()
	}
	if h.defaults != nil {
		h.defaults.ApplyDefaults(req)
	}

	resp := RouteResponse{Method: method, URI: uri, Stages: []string{}}
	for _, s := range req.Stages() {
		name := s.Kind.String()
		if s.Algorithm != "" {
			name += ":" + s.Algorithm
		}
		resp.Stages = append(resp.Stages, name)
	}

	var targets []model.BackendTarget
	var err error
	if dests := h.cfg.Cluster.Destinations; len(dests) > 0 && !req.IsConnect() {
		resp.FanOut = true
		targets, err = h.router.RouteFanOut(req, dests)
	} else {
		var t model.BackendTarget
		t, err = h.router.Route(req)
		targets = []model.BackendTarget{t}
	}
	if err != nil {
		return h.mapError(c, err)
	}

	for _, t := range targets {
		resp.Targets = append(resp.Targets, TargetView{
			Host:     t.Host(),
			Port:     t.Port(),
			Path:     t.Path(),
			Metadata: t.MetadataMap(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *RouteHandler) mapError(c echo.Context, err error) error {
	h.logger.Debug("dry-run routing failed", "err", err, "uri", c.QueryParam("uri"))

	if blocked, ok := model.IsBlocked(err); ok {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error":  "blocked by content filter",
			"rule":   blocked.Rule,
			"reason": blocked.Reason,
		})
	}

	if errors.Is(err, model.ErrRouting) || errors.Is(err, model.ErrParse) {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "routing failed",
	})
}
