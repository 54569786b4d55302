// Package client provides the outbound side of the proxy: request forwarding
// to backends and raw connections for CONNECT tunnels.
package client

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ahc-proxy-go/internal/buffer"
	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/metrics"
	"ahc-proxy-go/internal/model"
)

// clientName is sent in the X-*-Client headers added by the auth rewrite.
const clientName = "ahc-proxy"

// hopHeaders are meaningful for a single connection leg only.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ResponseCallback receives the outcome of an exchange started by Forward.
// Exactly one method is called, from the exchange goroutine.
type ResponseCallback interface {
	OnResponse(resp *model.ProxyResponse)
	OnError(err error)
}

// DialFunc opens a raw connection to a backend.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option customizes a BackendClient.
type Option func(*BackendClient)

// WithDialer replaces the dialer used for both forwarded requests and tunnels.
func WithDialer(dial DialFunc) Option {
	return func(c *BackendClient) { c.dial = dial }
}

// BackendClient forwards requests to backends. Every exchange uses a new
// connection; nothing is pooled between requests.
type BackendClient struct {
	dial             DialFunc
	dialTimeout      time.Duration
	timeout          time.Duration
	maxResponseBytes int64
	creds            config.BackendConfig
	logger           *slog.Logger
	metrics          *metrics.Metrics
	inflight         sync.WaitGroup
}

// NewBackendClient creates a BackendClient with the [backend] timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *BackendClient {
	c := &BackendClient{
		dialTimeout:      cfg.Backend.DialTimeout(),
		timeout:          cfg.Backend.Timeout(),
		maxResponseBytes: cfg.Backend.MaxResponseBytes,
		creds:            cfg.Backend,
		logger:           logger.With("component", "backend_client"),
		metrics:          m,
	}
	c.dial = (&net.Dialer{Timeout: c.dialTimeout}).DialContext
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Forward starts an asynchronous exchange of req with target.
//
// A nil return means the exchange was accepted: its result is delivered only
// through cb. A non-nil error means the request was rejected before anything
// was sent; cb is never invoked. In both cases the client takes ownership of
// req.Body and releases it once the exchange no longer needs it.
func (c *BackendClient) Forward(ctx context.Context, req *model.ForwardRequest, target model.BackendTarget, cb ResponseCallback) error {
	accepted := strings.ToLower(req.Header.Get("Accept-Encoding"))
	out, err := c.BuildRequest(ctx, req, target)
	if err != nil {
		req.ReleaseBody()
		return err
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		resp, err := c.exchange(out, accepted)
		if err != nil {
			cb.OnError(err)
			return
		}
		cb.OnResponse(resp)
	}()
	return nil
}

// BuildRequest rewrites req into its backend form. On success the returned
// request owns req.Body and releases it when the body is closed.
func (c *BackendClient) BuildRequest(ctx context.Context, req *model.ForwardRequest, target model.BackendTarget) (*http.Request, error) {
	if req.IsConnect() {
		return nil, fmt.Errorf("%w: CONNECT is not forwarded as a request", model.ErrForward)
	}

	scheme := target.Metadata(model.MetaScheme)
	if scheme == "" {
		scheme = "http"
	}
	auth := target.Metadata(model.MetaAuth)
	if usesTLS(auth) {
		scheme = "https"
	}
	u, err := url.Parse(scheme + "://" + target.Addr() + target.Path())
	if err != nil {
		return nil, fmt.Errorf("%w: backend url: %v", model.ErrForward, err)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", model.ErrForward, err)
	}

	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)
	out.Header.Del("Host")

	c.applyAuth(out.Header, req, auth)
	applyCompression(out.Header, target.Metadata(model.MetaCompression))

	// Content-Length is always recomputed from the final body, GET included.
	n := req.Body.Len()
	out.ContentLength = int64(n)
	out.Header.Set("Content-Length", strconv.Itoa(n))
	if n == 0 {
		req.ReleaseBody()
		out.Body = http.NoBody
	} else {
		out.Body = &ownedBody{Reader: bytes.NewReader(req.Body.Bytes()), buf: req.Body}
	}
	return out, nil
}

// exchange writes out on a new connection and reads the full response. Bodies
// in an encoding the client did not accept are decoded.
func (c *BackendClient) exchange(out *http.Request, accepted string) (*model.ProxyResponse, error) {
	defer func() { _ = out.Body.Close() }()
	c.logger.Debug("backend request", "method", out.Method, "url", out.URL.String())

	ctx := out.Context()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.roundTrip(ctx, out)
	duration := time.Since(start).Seconds()
	method := metrics.NormalizeMethod(out.Method)

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		return nil, err
	}

	if enc := contentEncoding(resp.Header); decodable(enc) && len(resp.Body) > 0 && !strings.Contains(accepted, enc) {
		if resp.Body, err = decodeBody(enc, resp.Body, c.maxResponseBytes); err != nil {
			return nil, err
		}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

func (c *BackendClient) roundTrip(ctx context.Context, out *http.Request) (*model.ProxyResponse, error) {
	conn, err := c.connect(ctx, out.URL)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeRequest(bufio.NewWriter(conn), out); err != nil {
		return nil, ioError(ctx, "write request", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), out)
	if err != nil {
		return nil, ioError(ctx, "read response", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, ioError(ctx, "read response", err)
	}
	if int64(len(body)) > c.maxResponseBytes {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", model.ErrBodyTooLarge, c.maxResponseBytes)
	}
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// connect dials the backend, wrapping the connection in TLS for https.
func (c *BackendClient) connect(ctx context.Context, u *url.URL) (net.Conn, error) {
	conn, err := c.dialContext(ctx, "tcp", u.Host)
	if err != nil || u.Scheme != "https" {
		return conn, err
	}
	tc := tls.Client(conn, &tls.Config{
		ServerName:         u.Hostname(),
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.creds.TLSSkipVerify, //nolint:gosec // opt-in per config
	})
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, &dialError{err: fmt.Errorf("tls handshake: %w", err)}
	}
	return tc, nil
}

// writeRequest writes out in HTTP/1.1 wire form. Header.Write keeps the
// explicit Content-Length and adds nothing the inbound request did not carry.
func writeRequest(w *bufio.Writer, out *http.Request) error {
	h := out.Header.Clone()
	h.Set("Connection", "close")

	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\nHost: %s\r\n", out.Method, out.URL.RequestURI(), out.URL.Host); err != nil {
		return err
	}
	if err := h.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := io.Copy(w, out.Body); err != nil {
		return err
	}
	return w.Flush()
}

// ioError classifies a failure on an established connection. A cancelled or
// expired context wins over the close error it caused.
func ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return fmt.Errorf("%w: %s: %w", model.ErrForward, op, err)
}

func contentEncoding(h http.Header) string {
	return strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding")))
}

func decodable(enc string) bool {
	return enc == "gzip" || enc == "x-gzip" || enc == "deflate"
}

// decodeBody inflates a gzip or deflate body.
func decodeBody(enc string, body []byte, limit int64) ([]byte, error) {
	var r io.Reader
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %w", model.ErrForward, enc, err)
		}
		r = zr
	case "deflate":
		// Servers send both zlib wrapped and raw deflate.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			r = zr
		} else {
			r = flate.NewReader(bytes.NewReader(body))
		}
	default:
		return nil, fmt.Errorf("%w: unsupported content encoding %q", model.ErrForward, enc)
	}

	decoded, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", model.ErrForward, enc, err)
	}
	if int64(len(decoded)) > limit {
		return nil, fmt.Errorf("%w: decoded response exceeds %d bytes", model.ErrBodyTooLarge, limit)
	}
	return decoded, nil
}

// Dial opens a raw connection for a CONNECT tunnel.
func (c *BackendClient) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := c.dialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify(err)
	}
	return conn, nil
}

// Wait blocks until every accepted exchange has invoked its callback.
func (c *BackendClient) Wait() {
	c.inflight.Wait()
}

func (c *BackendClient) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	conn, err := c.dial(ctx, network, addr)
	if err != nil {
		return nil, &dialError{err: err}
	}
	return conn, nil
}

func usesTLS(alg string) bool {
	alg = strings.ToLower(alg)
	return alg == "ssl" || alg == "tls"
}

// applyAuth injects the headers for the declared auth algorithm. For ssl and
// tls the connection itself is encrypted and X-Auth-Type names the algorithm.
func (c *BackendClient) applyAuth(h http.Header, req *model.ForwardRequest, alg string) {
	if alg == "" || alg == config.AlgorithmNone {
		return
	}
	switch strings.ToLower(alg) {
	case "bearer":
		h.Set("Authorization", "Bearer "+c.credential(c.creds.BearerToken, req, "Bearer "))
		h.Set("X-Auth-Client", clientName)
	case "basic":
		h.Set("Authorization", "Basic "+c.credential(c.creds.BasicCredentials, req, "Basic "))
		h.Set("X-Auth-Client", clientName)
	case "oauth":
		h.Set("Authorization", "OAuth "+c.credential(c.creds.OAuthToken, req, "OAuth "))
		h.Set("X-OAuth-Client", clientName)
	case "jwt":
		h.Set("Authorization", "Bearer "+c.credential(c.creds.BearerToken, req, "Bearer "))
		h.Set("X-JWT-Client", clientName)
	default:
		h.Set("X-Auth-Type", alg)
	}
	h.Set("X-Auth-Applied", "true")
}

// credential prefers the configured value and falls back to the inbound
// Authorization header with the given scheme prefix.
func (c *BackendClient) credential(configured string, req *model.ForwardRequest, prefix string) string {
	if configured != "" {
		return configured
	}
	authz := req.Header.Get("Authorization")
	if len(authz) >= len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
		return authz[len(prefix):]
	}
	return ""
}

func applyCompression(h http.Header, alg string) {
	if alg == "" || alg == config.AlgorithmNone {
		return
	}
	alg = strings.ToLower(alg)
	h.Set("Accept-Encoding", alg)
	h.Set("X-Compression-Preferred", alg)
	h.Set("X-Compression-Applied", "true")
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// dialError marks a failure to reach the backend at all.
type dialError struct {
	err error
}

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

// classify maps a transport error onto the proxy error taxonomy. Deadline
// errors keep context.DeadlineExceeded in the chain.
func classify(err error) error {
	var de *dialError
	if errors.As(err, &de) {
		return fmt.Errorf("%w: %w", model.ErrConnect, err)
	}
	return fmt.Errorf("%w: %w", model.ErrForward, err)
}

// ownedBody releases the request buffer when the transport closes the body.
type ownedBody struct {
	*bytes.Reader
	buf *buffer.Buffer
}

func (b *ownedBody) Close() error {
	b.buf.Release()
	return nil
}
