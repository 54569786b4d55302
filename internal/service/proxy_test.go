package service

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"ahc-proxy-go/internal/aggregator"
	"ahc-proxy-go/internal/buffer"
	"ahc-proxy-go/internal/client"
	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/filter"
	"ahc-proxy-go/internal/metrics"
	"ahc-proxy-go/internal/model"
	"ahc-proxy-go/internal/notify"
	"ahc-proxy-go/internal/router"
)

// inline runs posted callbacks immediately.
type inline struct{}

func (inline) Post(fn func()) bool { fn(); return true }

// closedExec refuses every callback, like a loop that already shut down.
type closedExec struct{}

func (closedExec) Post(func()) bool { return false }

type blockGate struct{}

func (blockGate) Evaluate(*model.ForwardRequest) filter.Decision {
	return filter.Decision{Blocked: true, Rule: filter.RuleSocialMedia, Reason: "Social media <blocked>"}
}

func testConfig() *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{
			TimeoutSeconds:     5,
			DialTimeoutSeconds: 2,
			MaxResponseBytes:   1 << 20,
		},
		Cluster: config.ClusterConfig{TimeoutSeconds: 10},
	}
}

type fixture struct {
	svc     *ProxyService
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, cfg *config.Config, gate router.Gate, opts ...client.Option) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	r, err := router.New(cfg, gate, logger)
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	bc := client.NewBackendClient(cfg, logger, m, opts...)
	reg := aggregator.NewRegistry(cfg, logger, m)
	svc := NewProxyService(r, bc, reg, notify.NewLogSink(logger, m), cfg, m, logger)
	return &fixture{svc: svc, metrics: m}
}

func session() Session {
	return Session{ID: "conn-1", Protocol: model.HTTP1, Exec: inline{}}
}

func handle(t *testing.T, svc *ProxyService, sess Session, req *model.ForwardRequest) *model.ProxyResponse {
	t.Helper()
	out := make(chan *model.ProxyResponse, 1)
	svc.Handle(context.Background(), sess, req, func(resp *model.ProxyResponse) { out <- resp })
	select {
	case resp := <-out:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("reply not delivered")
		return nil
	}
}

func getRequest(target string) *model.ForwardRequest {
	return &model.ForwardRequest{
		Protocol:   model.HTTP1,
		Method:     http.MethodGet,
		Target:     target,
		Header:     http.Header{},
		ClientAddr: "127.0.0.1:40000",
	}
}

func TestHandle_RoundTrip(t *testing.T) {
	contentLength := make(chan int64, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentLength <- r.ContentLength
		w.Header().Set("Proxy-Connection", "keep-alive")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer srv.Close()

	f := newFixture(t, testConfig(), nil)
	resp := handle(t, f.svc, session(), getRequest(srv.URL+"/path"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != "hello /path" {
		t.Errorf("body = %q", resp.Body)
	}
	if n := <-contentLength; n != 0 {
		t.Errorf("backend ContentLength = %d, want 0", n)
	}

	tests := []struct {
		header string
		want   string
	}{
		{"Connection", ""},
		{"Proxy-Connection", ""},
		{"X-Proxy-Server", "ahc-proxy-http1"},
		{"X-Request-Id", "conn-1"},
		{"Content-Type", "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			if got := resp.Header.Get(tt.header); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func TestHandle_HTTP2ServerName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := newFixture(t, testConfig(), nil)
	req := &model.ForwardRequest{
		Protocol:  model.HTTP2,
		Method:    http.MethodGet,
		Target:    "/",
		Authority: strings.TrimPrefix(srv.URL, "http://"),
		Header:    http.Header{},
	}
	sess := Session{ID: "c2", Protocol: model.HTTP2, Exec: inline{}}
	resp := handle(t, f.svc, sess, req)

	if got := resp.Header.Get("X-Proxy-Server"); got != "ahc-proxy-http2" {
		t.Errorf("X-Proxy-Server = %q, want ahc-proxy-http2", got)
	}
}

func TestHandle_BodyReleased(t *testing.T) {
	g := NewWithT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	pool := buffer.NewPool()
	f := newFixture(t, testConfig(), nil)
	req := getRequest(srv.URL + "/echo")
	req.Method = http.MethodPost
	req.Body = pool.From([]byte("payload"))

	resp := handle(t, f.svc, session(), req)
	g.Expect(string(resp.Body)).To(Equal("payload"))
	g.Eventually(pool.Outstanding).Should(BeZero())
}

func TestHandle_Blocked(t *testing.T) {
	f := newFixture(t, testConfig(), blockGate{})
	pool := buffer.NewPool()
	req := getRequest("http://facebook.com/feed")
	req.Body = pool.From([]byte("x"))
	req.WithContentFilter()

	resp := handle(t, f.svc, session(), req)

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Filter"); got != "blocked" {
		t.Errorf("X-Content-Filter = %q, want blocked", got)
	}
	if got := resp.Header.Get("X-Proxy-Server"); got == "" {
		t.Error("X-Proxy-Server missing")
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("Content-Type = %q, want text/html", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(resp.Body), "Social media &lt;blocked&gt;") {
		t.Errorf("body does not carry escaped reason: %s", resp.Body)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", pool.Outstanding())
	}
}

func TestHandle_Unroutable(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	resp := handle(t, f.svc, session(), getRequest("/origin-form"))

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	var body map[string]string
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if !strings.Contains(body["message"], model.ErrRouting.Error()) {
		t.Errorf("message = %q", body["message"])
	}
}

func TestHandle_ConnectFailure(t *testing.T) {
	dial := func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	f := newFixture(t, testConfig(), nil, client.WithDialer(dial))
	resp := handle(t, f.svc, session(), getRequest("http://backend.invalid/x"))

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestHandle_DefaultStages(t *testing.T) {
	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Backend.Auth = "bearer"
	cfg.Backend.BearerToken = "tok"
	cfg.Backend.Compression = "gzip"
	f := newFixture(t, cfg, nil)

	handle(t, f.svc, session(), getRequest(srv.URL+"/"))
	h := <-got

	if h.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
	if h.Get("X-Compression-Preferred") != "gzip" {
		t.Errorf("X-Compression-Preferred = %q", h.Get("X-Compression-Preferred"))
	}
}

func TestApplyDefaults_KeepsRequestStages(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Auth = "basic"
	cfg.Backend.Compression = config.AlgorithmNone
	f := newFixture(t, cfg, nil)

	req := getRequest("http://x/")
	req.WithAuth("oauth")
	f.svc.ApplyDefaults(req)

	if req.AuthAlgorithm() != "oauth" {
		t.Errorf("AuthAlgorithm() = %q, want oauth", req.AuthAlgorithm())
	}
	if req.HasCompression() {
		t.Error("compression stage attached for algorithm none")
	}
}

func TestHandle_FanOut(t *testing.T) {
	g := NewWithT(t)
	newBackend := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, name+r.URL.Path)
		}))
	}
	a, b := newBackend("a"), newBackend("b")
	defer a.Close()
	defer b.Close()

	// A listener that is closed immediately gives an address that refuses connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	g.Expect(err).NotTo(HaveOccurred())
	dead := "http://" + ln.Addr().String()
	_ = ln.Close()

	cfg := testConfig()
	cfg.Cluster.Destinations = []string{a.URL, b.URL + "/base", dead}
	f := newFixture(t, cfg, nil)

	pool := buffer.NewPool()
	req := getRequest("http://ignored.example/items")
	req.Method = http.MethodPost
	req.Body = pool.From([]byte("body"))

	resp := handle(t, f.svc, session(), req)
	g.Expect(resp.StatusCode).To(Equal(http.StatusOK))
	g.Expect(resp.Header.Get("X-Proxy-Server")).To(Equal(aggregator.ServerName))
	g.Expect(resp.Header.Get("X-Response-Count")).To(Equal("3"))
	g.Expect(resp.Header.Get("X-Request-Id")).To(Equal("conn-1"))

	var result aggregator.Result
	g.Expect(json.Unmarshal(resp.Body, &result)).To(Succeed())
	g.Expect(result.TotalResponses).To(Equal(3))

	bodies := map[int][]string{}
	for _, e := range result.Responses {
		bodies[e.StatusCode] = append(bodies[e.StatusCode], e.Body)
	}
	g.Expect(bodies[http.StatusOK]).To(ConsistOf("a/items", "b/base/items"))
	g.Expect(bodies[http.StatusBadGateway]).To(HaveLen(1))
	g.Eventually(pool.Outstanding).Should(BeZero())
}

func TestHandle_FanOutDecodesBodies(t *testing.T) {
	g := NewWithT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "gzip" {
			_, _ = io.WriteString(w, "plain")
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = io.WriteString(zw, "compressed "+r.URL.Path)
		_ = zw.Close()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Cluster.Destinations = []string{srv.URL}
	f := newFixture(t, cfg, nil)

	// The client accepts gzip itself, but aggregated bodies are still text.
	req := getRequest("http://ignored.example/items")
	req.Header.Set("Accept-Encoding", "gzip")
	model.DeriveStages(req)

	resp := handle(t, f.svc, session(), req)
	g.Expect(resp.StatusCode).To(Equal(http.StatusOK))

	var result aggregator.Result
	g.Expect(json.Unmarshal(resp.Body, &result)).To(Succeed())
	g.Expect(result.Responses).To(HaveLen(1))
	g.Expect(result.Responses[0].Body).To(Equal("compressed /items"))
}

func TestHandle_DefaultCompressionDecoded(t *testing.T) {
	g := NewWithT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = io.WriteString(zw, "hello")
		_ = zw.Close()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Backend.Compression = "gzip"
	f := newFixture(t, cfg, nil)

	resp := handle(t, f.svc, session(), getRequest(srv.URL+"/"))
	g.Expect(resp.StatusCode).To(Equal(http.StatusOK))
	g.Expect(string(resp.Body)).To(Equal("hello"))
	g.Expect(resp.Header.Get("Content-Encoding")).To(BeEmpty())
}

func TestDialTunnel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	f := newFixture(t, testConfig(), nil)
	req := &model.ForwardRequest{Protocol: model.HTTP1, Method: http.MethodConnect, Target: ln.Addr().String(), Header: http.Header{}}
	target, err := f.svc.RouteTunnel(req)
	if err != nil {
		t.Fatalf("RouteTunnel() error = %v", err)
	}

	done := make(chan error, 1)
	f.svc.DialTunnel(context.Background(), session(), "client", target, func(c net.Conn, err error) {
		if c != nil {
			_ = c.Close()
		}
		done <- err
	})
	if err := <-done; err != nil {
		t.Errorf("dial error = %v", err)
	}
	f.svc.Wait()
}

func TestDialTunnel_ClosedExecutor(t *testing.T) {
	accepted := make(chan net.Conn, 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	f := newFixture(t, testConfig(), nil)
	target := model.NewBackendTarget("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, "", nil)
	sess := Session{ID: "gone", Protocol: model.HTTP1, Exec: closedExec{}}
	f.svc.DialTunnel(context.Background(), sess, "client", target, func(net.Conn, error) {
		t.Error("callback ran on a closed executor")
	})
	f.svc.Wait()

	// The proxy closed its side, so the backend sees EOF.
	c := <-accepted
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("backend read error = %v, want EOF", err)
	}
}

func TestRouteTunnel_NotConnect(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	_, err := f.svc.RouteTunnel(getRequest("http://x/"))
	if !errors.Is(err, model.ErrParse) {
		t.Errorf("error = %v, want ErrParse", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantOutcome string
	}{
		{"parse", fmt.Errorf("%w: bad line", model.ErrParse), http.StatusBadRequest, metrics.OutcomeParseError},
		{"too large", fmt.Errorf("stream 1: %w", model.ErrBodyTooLarge), http.StatusRequestEntityTooLarge, metrics.OutcomeParseError},
		{"routing", fmt.Errorf("route: %w", model.ErrRouting), http.StatusBadGateway, metrics.OutcomeRoutingError},
		{"connect", fmt.Errorf("%w: refused", model.ErrConnect), http.StatusBadGateway, metrics.OutcomeConnectError},
		{"forward", fmt.Errorf("%w: reset", model.ErrForward), http.StatusBadGateway, metrics.OutcomeForwardError},
		{"deadline", fmt.Errorf("%w: %w", model.ErrForward, context.DeadlineExceeded), http.StatusGatewayTimeout, metrics.OutcomeTimeout},
		{"net timeout", fmt.Errorf("%w: %w", model.ErrForward, timeoutErr{}), http.StatusGatewayTimeout, metrics.OutcomeTimeout},
		{"blocked", fmt.Errorf("route: %w", &model.BlockedError{Rule: "streaming", Reason: "no"}), http.StatusForbidden, metrics.OutcomeBlocked},
		{"unknown", errors.New("boom"), http.StatusBadGateway, metrics.OutcomeForwardError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, outcome := ErrorResponse(tt.err, session())
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if outcome != tt.wantOutcome {
				t.Errorf("outcome = %q, want %q", outcome, tt.wantOutcome)
			}
			if resp.Header.Get("X-Proxy-Server") != "ahc-proxy-http1" {
				t.Errorf("X-Proxy-Server = %q", resp.Header.Get("X-Proxy-Server"))
			}
		})
	}
}

func TestReject(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	resp := f.svc.Reject(session(), http.MethodPost, fmt.Errorf("%w: truncated", model.ErrParse))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
