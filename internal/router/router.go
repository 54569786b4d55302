// Package router resolves the backend target of a parsed request.
package router

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/filter"
	"ahc-proxy-go/internal/model"
)

// Gate decides whether a request carrying the content filter stage may proceed.
type Gate interface {
	Evaluate(req *model.ForwardRequest) filter.Decision
}

// endpoint is the protocol-specific part of a resolved target.
type endpoint struct {
	host   string
	port   int
	path   string
	scheme string
}

type resolveFunc func(req *model.ForwardRequest) (endpoint, error)

// Router maps requests to backend targets. It holds no per-request state.
type Router struct {
	gate    Gate
	reverse *url.URL
	table   map[model.Protocol]resolveFunc
	logger  *slog.Logger
}

// New creates a Router. gate may be nil, in which case requests are never blocked.
func New(cfg *config.Config, gate Gate, logger *slog.Logger) (*Router, error) {
	r := &Router{
		gate:   gate,
		logger: logger.With("component", "router"),
	}
	if cfg.Reverse.Upstream != "" {
		u, err := url.Parse(cfg.Reverse.Upstream)
		if err != nil {
			return nil, fmt.Errorf("router: parse reverse upstream: %w", err)
		}
		r.reverse = u
	}
	r.table = map[model.Protocol]resolveFunc{
		model.HTTP1: r.resolveHTTP1,
		model.HTTP2: r.resolveHTTP2,
	}
	return r, nil
}

// Route gates req through the content filter, when it carries that stage, and
// resolves its backend target. A blocked request yields an error wrapping
// *model.BlockedError; an unresolvable one wraps model.ErrRouting.
func (r *Router) Route(req *model.ForwardRequest) (model.BackendTarget, error) {
	if err := r.gateRequest(req); err != nil {
		return model.BackendTarget{}, err
	}

	resolve, ok := r.table[req.Protocol]
	if !ok {
		return model.BackendTarget{}, fmt.Errorf("route: %w: unsupported protocol %q", model.ErrRouting, req.Protocol)
	}
	ep, err := resolve(req)
	if err != nil {
		return model.BackendTarget{}, fmt.Errorf("route %s %s: %w", req.Method, req.Target, err)
	}

	target := model.NewBackendTarget(ep.host, ep.port, ep.path, metadata(req, ep.scheme))
	r.logger.Debug("resolved backend target", "method", req.Method, "target", target.String())
	return target, nil
}

// RouteFanOut gates req once and resolves one target per cluster destination.
// The request path is appended to each destination's base path.
func (r *Router) RouteFanOut(req *model.ForwardRequest, destinations []string) ([]model.BackendTarget, error) {
	if err := r.gateRequest(req); err != nil {
		return nil, err
	}

	reqPath := requestPath(req)
	targets := make([]model.BackendTarget, 0, len(destinations))
	for _, dest := range destinations {
		ep, err := fromURI(dest)
		if err != nil {
			return nil, fmt.Errorf("route destination %s: %w", dest, err)
		}
		u, _ := url.Parse(dest)
		ep.path = strings.TrimSuffix(u.Path, "/") + reqPath
		targets = append(targets, model.NewBackendTarget(ep.host, ep.port, ep.path, metadata(req, ep.scheme)))
	}
	return targets, nil
}

func (r *Router) gateRequest(req *model.ForwardRequest) error {
	if r.gate == nil || !req.HasContentFilter() {
		return nil
	}
	d := r.gate.Evaluate(req)
	if !d.Blocked {
		return nil
	}
	r.logger.Info("request blocked by content filter", "method", req.Method, "target", req.Target, "rule", d.Rule)
	return fmt.Errorf("route: %w", &model.BlockedError{Rule: d.Rule, Reason: d.Reason})
}

func (r *Router) resolveHTTP1(req *model.ForwardRequest) (endpoint, error) {
	if req.IsConnect() {
		host, port, err := splitHostPort(req.Target, 443)
		if err != nil {
			return endpoint{}, err
		}
		return endpoint{host: host, port: port, scheme: "https"}, nil
	}

	if strings.HasPrefix(req.Target, "/") {
		if r.reverse == nil {
			return endpoint{}, fmt.Errorf("%w: origin-form target without reverse upstream", model.ErrRouting)
		}
		ep, err := fromURI(r.reverse.String())
		if err != nil {
			return endpoint{}, err
		}
		ep.path = strings.TrimSuffix(r.reverse.Path, "/") + req.Target
		return ep, nil
	}

	return fromURI(req.Target)
}

func (r *Router) resolveHTTP2(req *model.ForwardRequest) (endpoint, error) {
	if req.Authority == "" {
		return fromURI(req.Target)
	}

	def := 80
	if req.IsConnect() {
		def = 443
	}
	host, port, err := splitHostPort(req.Authority, def)
	if err != nil {
		return endpoint{}, err
	}
	path := req.Target
	if path == "" {
		path = "/"
	}
	scheme := req.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return endpoint{host: host, port: port, path: path, scheme: scheme}, nil
}

// fromURI derives an endpoint from an absolute URI, defaulting the port by scheme.
func fromURI(raw string) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("%w: %v", model.ErrRouting, err)
	}
	host := u.Hostname()
	if host == "" {
		return endpoint{}, fmt.Errorf("%w: no host in %q", model.ErrRouting, raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	port := 80
	if scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		if port, err = parsePort(p); err != nil {
			return endpoint{}, err
		}
	}
	return endpoint{host: host, port: port, path: u.RequestURI(), scheme: scheme}, nil
}

// splitHostPort splits host[:port], using def when no port segment is present.
func splitHostPort(hostport string, def int) (string, int, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		host = strings.Trim(hostport, "[]")
		if host == "" {
			return "", 0, fmt.Errorf("%w: empty host", model.ErrRouting)
		}
		return host, def, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: empty host in %q", model.ErrRouting, hostport)
	}
	port, err := parsePort(p)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func parsePort(p string) (int, error) {
	port, err := strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", model.ErrRouting, p)
	}
	return port, nil
}

func requestPath(req *model.ForwardRequest) string {
	if req.Protocol == model.HTTP1 && !strings.HasPrefix(req.Target, "/") {
		if u, err := url.Parse(req.Target); err == nil && u.IsAbs() {
			return u.RequestURI()
		}
	}
	if req.Target == "" {
		return "/"
	}
	return req.Target
}

func metadata(req *model.ForwardRequest, scheme string) map[string]string {
	meta := map[string]string{
		model.MetaProtocol: string(req.Protocol),
		model.MetaScheme:   scheme,
	}
	if alg := req.AuthAlgorithm(); alg != "" {
		meta[model.MetaAuth] = alg
	}
	if alg := req.CompressionAlgorithm(); alg != "" {
		meta[model.MetaCompression] = alg
	}
	return meta
}
