// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"ahc-proxy-go/internal/aggregator"
	"ahc-proxy-go/internal/client"
	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/metrics"
	"ahc-proxy-go/internal/model"
	"ahc-proxy-go/internal/notify"
	"ahc-proxy-go/internal/router"
)

// Executor runs callbacks on the connection loop that issued a request.
// Post reports false when the loop has already shut down.
type Executor interface {
	Post(fn func()) bool
}

// Session identifies the client connection a request arrived on.
type Session struct {
	ID       string
	Protocol model.Protocol
	Exec     Executor
}

// ReplyFunc writes a response to the client. It always runs on the session's
// executor.
type ReplyFunc func(resp *model.ProxyResponse)

// serverNames are sent in X-Proxy-Server per client protocol.
var serverNames = map[model.Protocol]string{
	model.HTTP1: "ahc-proxy-http1",
	model.HTTP2: "ahc-proxy-http2",
}

// ProxyService routes requests and hands them to the backend client, the
// aggregator or a tunnel.
type ProxyService struct {
	router   *router.Router
	backend  *client.BackendClient
	registry *aggregator.Registry
	sink     notify.Sink
	cfg      *config.Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	dials sync.WaitGroup
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(
	r *router.Router,
	backend *client.BackendClient,
	registry *aggregator.Registry,
	sink notify.Sink,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ProxyService {
	return &ProxyService{
		router:   r,
		backend:  backend,
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With("component", "proxy_service"),
	}
}

// ApplyDefaults attaches the configured default auth and compression stages
// to a request that carries none of its own.
func (s *ProxyService) ApplyDefaults(req *model.ForwardRequest) {
	if alg := s.cfg.Backend.Auth; !req.HasAuth() && alg != "" && alg != config.AlgorithmNone {
		req.WithAuth(alg)
	}
	if alg := s.cfg.Backend.Compression; !req.HasCompression() && alg != "" && alg != config.AlgorithmNone {
		req.WithCompression(alg)
	}
}

// Handle routes a non-CONNECT request and forwards it. The outcome, success
// or failure, is always delivered through reply exactly once.
func (s *ProxyService) Handle(ctx context.Context, sess Session, req *model.ForwardRequest, reply ReplyFunc) {
	s.ApplyDefaults(req)

	if len(s.cfg.Cluster.Destinations) > 0 {
		s.fanOut(ctx, sess, req, reply)
		return
	}

	target, err := s.router.Route(req)
	if err != nil {
		req.ReleaseBody()
		s.fail(sess, req, model.BackendTarget{}, err, reply)
		return
	}

	s.sink.RequestForwarded(req.ClientAddr, target)
	cb := &forwardCallback{svc: s, sess: sess, req: summarize(req), target: target, reply: reply}
	if err := s.backend.Forward(ctx, req, target, cb); err != nil {
		s.fail(sess, req, target, err, reply)
	}
}

// requestInfo is what callbacks need to know about a request after its body
// has been handed to the backend client.
type requestInfo struct {
	Protocol   model.Protocol
	Method     string
	ClientAddr string
}

func summarize(req *model.ForwardRequest) requestInfo {
	return requestInfo{Protocol: req.Protocol, Method: req.Method, ClientAddr: req.ClientAddr}
}

type forwardCallback struct {
	svc    *ProxyService
	sess   Session
	req    requestInfo
	target model.BackendTarget
	reply  ReplyFunc
}

func (cb *forwardCallback) OnResponse(resp *model.ProxyResponse) {
	s := cb.svc
	s.sink.ResponseReceived(cb.req.ClientAddr, cb.target, resp.StatusCode)
	s.record(cb.req, metrics.OutcomeForwarded)
	ProcessResponse(resp, cb.sess)
	s.post(cb.sess, func() { cb.reply(resp) })
}

func (cb *forwardCallback) OnError(err error) {
	s := cb.svc
	s.sink.ForwardError(cb.req.ClientAddr, cb.target, err)
	resp := s.errorReply(cb.sess, cb.req, err)
	s.post(cb.sess, func() { cb.reply(resp) })
}

// fanOut forwards a copy of req to every cluster destination and replies with
// the coalesced result.
func (s *ProxyService) fanOut(ctx context.Context, sess Session, req *model.ForwardRequest, reply ReplyFunc) {
	info := summarize(req)

	targets, err := s.router.RouteFanOut(req, s.cfg.Cluster.Destinations)
	if err != nil {
		req.ReleaseBody()
		s.fail(sess, req, model.BackendTarget{}, err, reply)
		return
	}

	agg := s.registry.Begin(len(targets), func(resp *model.ProxyResponse) {
		s.record(info, metrics.OutcomeFanOut)
		resp.Header.Set("X-Request-Id", sess.ID)
		s.post(sess, func() { reply(resp) })
	})
	s.logger.Debug("fan-out started", "request_id", agg.ID(), "destinations", len(targets))

	for _, target := range targets {
		fork := req.Fork()
		// Aggregated bodies are embedded as text, so they are always decoded.
		fork.Header.Del("Accept-Encoding")
		s.sink.RequestForwarded(req.ClientAddr, target)
		cb := &fanOutCallback{svc: s, agg: agg, target: target, source: info.ClientAddr}
		if err := s.backend.Forward(ctx, fork, target, cb); err != nil {
			cb.OnError(err)
		}
	}
	req.ReleaseBody()
}

type fanOutCallback struct {
	svc    *ProxyService
	agg    *aggregator.Aggregation
	target model.BackendTarget
	source string
}

func (cb *fanOutCallback) OnResponse(resp *model.ProxyResponse) {
	cb.svc.sink.ResponseReceived(cb.source, cb.target, resp.StatusCode)
	cb.agg.Add(resp, cb.target.String())
}

// OnError records a failed destination as a 502 entry so the aggregation
// does not wait for the deadline.
func (cb *fanOutCallback) OnError(err error) {
	cb.svc.sink.ForwardError(cb.source, cb.target, err)
	cb.agg.Add(jsonError(http.StatusBadGateway, err), cb.target.String())
}

// RouteTunnel applies default stages and resolves the target of a CONNECT
// request. Errors carry the same classification as Handle's.
func (s *ProxyService) RouteTunnel(req *model.ForwardRequest) (model.BackendTarget, error) {
	if !req.IsConnect() {
		return model.BackendTarget{}, fmt.Errorf("%w: %s is not CONNECT", model.ErrParse, req.Method)
	}
	s.ApplyDefaults(req)
	target, err := s.router.Route(req)
	if err != nil {
		return model.BackendTarget{}, err
	}
	s.sink.RequestForwarded(req.ClientAddr, target)
	s.record(summarize(req), metrics.OutcomeTunnel)
	return target, nil
}

// DialTunnel connects to target in the background. done runs on the
// session's executor with either the connection or the error. If the
// executor is gone by then, the connection is closed.
func (s *ProxyService) DialTunnel(ctx context.Context, sess Session, source string, target model.BackendTarget, done func(net.Conn, error)) {
	s.dials.Add(1)
	go func() {
		defer s.dials.Done()
		conn, err := s.backend.Dial(ctx, target.Addr())
		if err != nil {
			s.sink.ForwardError(source, target, err)
		}
		posted := sess.Exec.Post(func() { done(conn, err) })
		if !posted && conn != nil {
			_ = conn.Close()
		}
	}()
}

// Wait blocks until every background dial and backend exchange has finished.
func (s *ProxyService) Wait() {
	s.dials.Wait()
	s.backend.Wait()
}

// ProcessResponse rewrites a backend response for the client.
func ProcessResponse(resp *model.ProxyResponse, sess Session) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	resp.Header.Del("Connection")
	resp.Header.Del("Proxy-Connection")
	resp.Header.Set("X-Proxy-Server", serverNames[sess.Protocol])
	if sess.ID != "" {
		resp.Header.Set("X-Request-Id", sess.ID)
	}
}

// ErrorResponse maps err onto the client-facing response and returns it
// together with the outcome label used for metrics.
func ErrorResponse(err error, sess Session) (*model.ProxyResponse, string) {
	if be, ok := model.IsBlocked(err); ok {
		return blockedPage(be, sess), metrics.OutcomeBlocked
	}

	var (
		status  int
		outcome string
	)
	switch {
	case isTimeout(err):
		status, outcome = http.StatusGatewayTimeout, metrics.OutcomeTimeout
	case errors.Is(err, model.ErrParse):
		status, outcome = http.StatusBadRequest, metrics.OutcomeParseError
	case errors.Is(err, model.ErrBodyTooLarge):
		status, outcome = http.StatusRequestEntityTooLarge, metrics.OutcomeParseError
	case errors.Is(err, model.ErrRouting):
		status, outcome = http.StatusBadGateway, metrics.OutcomeRoutingError
	case errors.Is(err, model.ErrConnect):
		status, outcome = http.StatusBadGateway, metrics.OutcomeConnectError
	default:
		status, outcome = http.StatusBadGateway, metrics.OutcomeForwardError
	}

	resp := jsonError(status, err)
	ProcessResponse(resp, sess)
	return resp, outcome
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func jsonError(status int, err error) *model.ProxyResponse {
	body, _ := json.Marshal(map[string]string{
		"error":   "Proxy Error",
		"message": err.Error(),
	})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &model.ProxyResponse{StatusCode: status, Header: h, Body: body}
}

const blockedTemplate = `<!DOCTYPE html>
<html>
<head><title>Access Blocked</title></head>
<body>
<h1>Access Blocked</h1>
<p>%s</p>
<p>This request was blocked by the proxy content filter.</p>
</body>
</html>
`

func blockedPage(be *model.BlockedError, sess Session) *model.ProxyResponse {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	resp := &model.ProxyResponse{
		StatusCode: http.StatusForbidden,
		Header:     h,
		Body:       fmt.Appendf(nil, blockedTemplate, html.EscapeString(be.Reason)),
	}
	ProcessResponse(resp, sess)
	resp.Header.Set("X-Content-Filter", "blocked")
	return resp
}

// Reject replies to a request that failed before it could be routed, such as
// a malformed message or an oversized body.
func (s *ProxyService) Reject(sess Session, method string, err error) *model.ProxyResponse {
	return s.errorReply(sess, requestInfo{Protocol: sess.Protocol, Method: method}, err)
}

func (s *ProxyService) fail(sess Session, req *model.ForwardRequest, target model.BackendTarget, err error, reply ReplyFunc) {
	if _, blocked := model.IsBlocked(err); !blocked {
		s.sink.ForwardError(req.ClientAddr, target, err)
	}
	reply(s.errorReply(sess, summarize(req), err))
}

func (s *ProxyService) errorReply(sess Session, req requestInfo, err error) *model.ProxyResponse {
	resp, outcome := ErrorResponse(err, sess)
	s.record(req, outcome)
	if be, ok := model.IsBlocked(err); ok {
		if s.metrics != nil {
			s.metrics.FilterBlocks.WithLabelValues(be.Rule).Inc()
		}
		s.logger.Info("request blocked", "method", req.Method, "rule", be.Rule, "client", req.ClientAddr)
	} else {
		s.logger.Warn("request failed",
			"method", req.Method,
			"client", req.ClientAddr,
			"status", resp.StatusCode,
			"error", err,
		)
	}
	return resp
}

func (s *ProxyService) record(req requestInfo, outcome string) {
	if s.metrics != nil {
		s.metrics.ProxyRequests.WithLabelValues(string(req.Protocol), metrics.NormalizeMethod(req.Method), outcome).Inc()
	}
}

func (s *ProxyService) post(sess Session, fn func()) {
	if !sess.Exec.Post(fn) {
		s.logger.Debug("connection closed before response could be delivered", "conn_id", sess.ID)
	}
}
