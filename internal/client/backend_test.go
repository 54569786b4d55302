package client

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"ahc-proxy-go/internal/buffer"
	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/model"
)

type recorder struct {
	resp chan *model.ProxyResponse
	err  chan error
}

func newRecorder() *recorder {
	return &recorder{resp: make(chan *model.ProxyResponse, 1), err: make(chan error, 1)}
}

func (r *recorder) OnResponse(resp *model.ProxyResponse) { r.resp <- resp }
func (r *recorder) OnError(err error)                    { r.err <- err }

func (r *recorder) wait(t *testing.T) (*model.ProxyResponse, error) {
	t.Helper()
	select {
	case resp := <-r.resp:
		return resp, nil
	case err := <-r.err:
		return nil, err
	case <-time.After(5 * time.Second):
		t.Fatal("callback not invoked")
		return nil, nil
	}
}

func testConfig() *config.Config {
	return &config.Config{Backend: config.BackendConfig{
		TimeoutSeconds:     5,
		DialTimeoutSeconds: 2,
		MaxResponseBytes:   1 << 20,
	}}
}

func newTestClient(cfg *config.Config, opts ...Option) *BackendClient {
	return NewBackendClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil, opts...)
}

func targetFor(t *testing.T, rawURL string, meta map[string]string) model.BackendTarget {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	if meta == nil {
		meta = map[string]string{}
	}
	meta[model.MetaScheme] = u.Scheme
	return model.NewBackendTarget(u.Hostname(), port, u.RequestURI(), meta)
}

func TestForward_RoundTrip(t *testing.T) {
	type seen struct {
		path          string
		contentLength int64
		header        http.Header
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{path: r.URL.Path, contentLength: r.ContentLength, header: r.Header.Clone()}
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := newTestClient(testConfig())
	req := &model.ForwardRequest{
		Protocol: model.HTTP1,
		Method:   http.MethodGet,
		Target:   "http://host/path",
		Header:   http.Header{"X-Custom": {"1"}, "Proxy-Connection": {"keep-alive"}},
	}
	rec := newRecorder()

	if err := c.Forward(context.Background(), req, targetFor(t, srv.URL+"/path", nil), rec); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	resp, err := rec.wait(t)
	if err != nil {
		t.Fatalf("OnError(%v)", err)
	}

	s := <-got
	if s.path != "/path" {
		t.Errorf("backend path = %q, want /path", s.path)
	}
	if s.contentLength != 0 {
		t.Errorf("backend Content-Length = %d, want 0", s.contentLength)
	}
	if s.header.Get("X-Custom") != "1" {
		t.Error("X-Custom not forwarded")
	}
	if s.header.Get("Proxy-Connection") != "" {
		t.Error("Proxy-Connection forwarded to backend")
	}

	if resp.StatusCode != http.StatusOK || string(resp.Body) != "hello" {
		t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
	}
	c.Wait()
}

func TestForward_PostBodyReleased(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Len", r.Header.Get("Content-Length"))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	pool := buffer.NewPool()
	c := newTestClient(testConfig())
	req := &model.ForwardRequest{
		Protocol: model.HTTP1,
		Method:   http.MethodPost,
		Header:   http.Header{"Content-Length": {"999"}},
		Body:     pool.From([]byte("abcd")),
	}
	rec := newRecorder()

	if err := c.Forward(context.Background(), req, targetFor(t, srv.URL+"/echo", nil), rec); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	resp, err := rec.wait(t)
	if err != nil {
		t.Fatalf("OnError(%v)", err)
	}
	if string(resp.Body) != "abcd" {
		t.Errorf("echo body = %q, want abcd", resp.Body)
	}
	if got := resp.Header.Get("X-Len"); got != "4" {
		t.Errorf("backend saw Content-Length %q, want 4", got)
	}

	g := NewWithT(t)
	g.Eventually(pool.Outstanding).WithTimeout(2 * time.Second).Should(BeZero())
}

func TestForward_RejectsConnect(t *testing.T) {
	pool := buffer.NewPool()
	c := newTestClient(testConfig())
	req := &model.ForwardRequest{
		Protocol: model.HTTP1,
		Method:   http.MethodConnect,
		Target:   "example.com:443",
		Body:     pool.From([]byte("x")),
	}
	rec := newRecorder()

	err := c.Forward(context.Background(), req, model.NewBackendTarget("example.com", 443, "", nil), rec)
	if !errors.Is(err, model.ErrForward) {
		t.Fatalf("Forward() error = %v, want ErrForward", err)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", pool.Outstanding())
	}
	select {
	case <-rec.resp:
		t.Error("callback invoked for rejected request")
	case <-rec.err:
		t.Error("callback invoked for rejected request")
	default:
	}
}

func TestForward_ConnectFailure(t *testing.T) {
	refused := errors.New("connection refused")
	c := newTestClient(testConfig(), WithDialer(func(context.Context, string, string) (net.Conn, error) {
		return nil, refused
	}))
	rec := newRecorder()

	req := &model.ForwardRequest{Protocol: model.HTTP1, Method: http.MethodGet, Header: http.Header{}}
	if err := c.Forward(context.Background(), req, model.NewBackendTarget("backend.invalid", 80, "/", nil), rec); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_, err := rec.wait(t)
	if !errors.Is(err, model.ErrConnect) {
		t.Errorf("OnError(%v), want ErrConnect", err)
	}
	if !errors.Is(err, refused) {
		t.Errorf("OnError(%v), want dial cause in chain", err)
	}
}

func TestForward_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Backend.MaxResponseBytes = 16
	c := newTestClient(cfg)
	rec := newRecorder()

	req := &model.ForwardRequest{Protocol: model.HTTP1, Method: http.MethodGet, Header: http.Header{}}
	if err := c.Forward(context.Background(), req, targetFor(t, srv.URL+"/", nil), rec); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if _, err := rec.wait(t); !errors.Is(err, model.ErrBodyTooLarge) {
		t.Errorf("OnError(%v), want ErrBodyTooLarge", err)
	}
}

func TestBuildRequest_AuthHeaders(t *testing.T) {
	tests := []struct {
		name        string
		alg         string
		configured  config.BackendConfig
		inbound     string
		wantAuthz   string
		wantHeader  string
		wantApplied bool
	}{
		{"bearer from config", "bearer", config.BackendConfig{BearerToken: "cfg"}, "", "Bearer cfg", "X-Auth-Client", true},
		{"bearer from inbound", "bearer", config.BackendConfig{}, "Bearer in", "Bearer in", "X-Auth-Client", true},
		{"basic", "basic", config.BackendConfig{BasicCredentials: "dXNlcg=="}, "", "Basic dXNlcg==", "X-Auth-Client", true},
		{"oauth", "oauth", config.BackendConfig{}, "OAuth tok", "OAuth tok", "X-OAuth-Client", true},
		{"jwt", "jwt", config.BackendConfig{BearerToken: "eyJ"}, "", "Bearer eyJ", "X-JWT-Client", true},
		{"unknown algorithm", "hmac", config.BackendConfig{}, "", "", "", true},
		{"none", "none", config.BackendConfig{}, "", "", "", false},
		{"no stage", "", config.BackendConfig{}, "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Backend.BearerToken = tt.configured.BearerToken
			cfg.Backend.BasicCredentials = tt.configured.BasicCredentials
			cfg.Backend.OAuthToken = tt.configured.OAuthToken
			c := newTestClient(cfg)

			req := &model.ForwardRequest{Method: http.MethodGet, Header: http.Header{}}
			if tt.inbound != "" {
				req.Header.Set("Authorization", tt.inbound)
			}
			target := model.NewBackendTarget("b.test", 80, "/", map[string]string{model.MetaAuth: tt.alg})

			out, err := c.BuildRequest(context.Background(), req, target)
			if err != nil {
				t.Fatalf("BuildRequest() error = %v", err)
			}

			if tt.wantAuthz != "" && out.Header.Get("Authorization") != tt.wantAuthz {
				t.Errorf("Authorization = %q, want %q", out.Header.Get("Authorization"), tt.wantAuthz)
			}
			if tt.wantHeader != "" && out.Header.Get(tt.wantHeader) != "ahc-proxy" {
				t.Errorf("%s = %q, want ahc-proxy", tt.wantHeader, out.Header.Get(tt.wantHeader))
			}
			if tt.alg == "hmac" && out.Header.Get("X-Auth-Type") != "hmac" {
				t.Errorf("X-Auth-Type = %q, want hmac", out.Header.Get("X-Auth-Type"))
			}
			if applied := out.Header.Get("X-Auth-Applied") == "true"; applied != tt.wantApplied {
				t.Errorf("X-Auth-Applied present = %v, want %v", applied, tt.wantApplied)
			}
		})
	}
}

func TestBuildRequest_CompressionHeaders(t *testing.T) {
	tests := []struct {
		alg          string
		wantEncoding string
	}{
		{"gzip", "gzip"},
		{"deflate", "deflate"},
		{"br", "br"},
		{"zstd", "zstd"},
		{"none", ""},
	}

	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			c := newTestClient(testConfig())
			req := &model.ForwardRequest{Method: http.MethodGet, Header: http.Header{"Accept-Encoding": {"identity"}}}
			target := model.NewBackendTarget("b.test", 80, "/", map[string]string{model.MetaCompression: tt.alg})

			out, err := c.BuildRequest(context.Background(), req, target)
			if err != nil {
				t.Fatalf("BuildRequest() error = %v", err)
			}
			if tt.wantEncoding == "" {
				if out.Header.Get("X-Compression-Applied") != "" {
					t.Error("X-Compression-Applied set for none")
				}
				return
			}
			if out.Header.Get("Accept-Encoding") != tt.wantEncoding {
				t.Errorf("Accept-Encoding = %q, want %q", out.Header.Get("Accept-Encoding"), tt.wantEncoding)
			}
			if out.Header.Get("X-Compression-Preferred") != tt.wantEncoding {
				t.Errorf("X-Compression-Preferred = %q", out.Header.Get("X-Compression-Preferred"))
			}
			if out.Header.Get("X-Compression-Applied") != "true" {
				t.Error("X-Compression-Applied missing")
			}
		})
	}
}

func TestBuildRequest_HopHeadersAndLength(t *testing.T) {
	c := newTestClient(testConfig())
	req := &model.ForwardRequest{
		Method: http.MethodGet,
		Header: http.Header{
			"Connection":     {"close, X-Private"},
			"X-Private":      {"secret"},
			"Keep-Alive":     {"timeout=5"},
			"Content-Length": {"12"},
			"Accept":         {"*/*"},
		},
	}

	out, err := c.BuildRequest(context.Background(), req, model.NewBackendTarget("b.test", 8080, "/x?y=1", nil))
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	for _, h := range []string{"Connection", "X-Private", "Keep-Alive"} {
		if out.Header.Get(h) != "" {
			t.Errorf("%s forwarded", h)
		}
	}
	if out.Header.Get("Accept") != "*/*" {
		t.Error("Accept not forwarded")
	}
	if out.ContentLength != 0 || out.Header.Get("Content-Length") != "0" {
		t.Errorf("Content-Length = %d / %q, want 0", out.ContentLength, out.Header.Get("Content-Length"))
	}
	if out.URL.String() != "http://b.test:8080/x?y=1" {
		t.Errorf("URL = %q", out.URL.String())
	}
}

// rawBackend accepts one connection, records the request head and replies
// with a fixed response.
func rawBackend(t *testing.T) (addr string, head <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		br := bufio.NewReader(conn)
		var sb strings.Builder
		for {
			line, err := br.ReadString('\n')
			sb.WriteString(line)
			if err != nil || line == "\r\n" {
				break
			}
		}
		got <- sb.String()
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
	}()
	return ln.Addr().String(), got
}

func TestForward_WireFormat(t *testing.T) {
	g := NewWithT(t)
	addr, head := rawBackend(t)

	c := newTestClient(testConfig())
	req := &model.ForwardRequest{
		Protocol: model.HTTP1,
		Method:   http.MethodGet,
		Header:   http.Header{"Accept": {"*/*"}},
	}
	rec := newRecorder()
	g.Expect(c.Forward(context.Background(), req, targetFor(t, "http://"+addr+"/path?q=1", nil), rec)).To(Succeed())

	resp, err := rec.wait(t)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(resp.Body)).To(Equal("ok"))

	var raw string
	g.Eventually(head).Should(Receive(&raw))
	g.Expect(raw).To(HavePrefix("GET /path?q=1 HTTP/1.1\r\nHost: " + addr + "\r\n"))
	g.Expect(raw).To(ContainSubstring("\r\nContent-Length: 0\r\n"))
	g.Expect(raw).To(ContainSubstring("\r\nAccept: */*\r\n"))
	g.Expect(raw).NotTo(ContainSubstring("User-Agent"))
	c.Wait()
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = io.WriteString(zw, s)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zlibbed(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = io.WriteString(zw, s)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestForward_ResponseDecoding(t *testing.T) {
	const plain = "decoded payload"
	tests := []struct {
		name         string
		encoding     string
		body         []byte
		clientAccept string
		wantBody     []byte
		wantEncoding string
	}{
		{"gzip added by proxy", "gzip", gzipped(t, plain), "", []byte(plain), ""},
		{"deflate added by proxy", "deflate", zlibbed(t, plain), "identity", []byte(plain), ""},
		{"gzip accepted by client", "gzip", gzipped(t, plain), "gzip, br", gzipped(t, plain), "gzip"},
		{"br passes through", "br", []byte("opaque"), "", []byte("opaque"), "br"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", tt.encoding)
				w.Header().Set("X-Seen-Accept", r.Header.Get("Accept-Encoding"))
				_, _ = w.Write(tt.body)
			}))
			defer srv.Close()

			c := newTestClient(testConfig())
			req := &model.ForwardRequest{Protocol: model.HTTP1, Method: http.MethodGet, Header: http.Header{}}
			if tt.clientAccept != "" {
				req.Header.Set("Accept-Encoding", tt.clientAccept)
			}
			target := targetFor(t, srv.URL+"/", map[string]string{model.MetaCompression: tt.encoding})

			rec := newRecorder()
			g.Expect(c.Forward(context.Background(), req, target, rec)).To(Succeed())
			resp, err := rec.wait(t)
			g.Expect(err).NotTo(HaveOccurred())

			g.Expect(resp.Header.Get("X-Seen-Accept")).To(Equal(tt.encoding))
			g.Expect(resp.Body).To(Equal(tt.wantBody))
			g.Expect(resp.Header.Get("Content-Encoding")).To(Equal(tt.wantEncoding))
			c.Wait()
		})
	}
}

func TestForward_TLSAuth(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Auth-Type-Seen", r.Header.Get("X-Auth-Type"))
		_, _ = io.WriteString(w, "secure")
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	for _, alg := range []string{"ssl", "tls"} {
		t.Run(alg, func(t *testing.T) {
			g := NewWithT(t)
			cfg := testConfig()
			cfg.Backend.TLSSkipVerify = true
			c := newTestClient(cfg)

			// The routed scheme is plain http; the algorithm upgrades it.
			target := model.NewBackendTarget(u.Hostname(), port, "/", map[string]string{
				model.MetaScheme: "http",
				model.MetaAuth:   alg,
			})
			req := &model.ForwardRequest{Protocol: model.HTTP1, Method: http.MethodGet, Header: http.Header{}}

			out, err := c.BuildRequest(context.Background(), req.Fork(), target)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(out.URL.Scheme).To(Equal("https"))

			rec := newRecorder()
			g.Expect(c.Forward(context.Background(), req, target, rec)).To(Succeed())
			resp, err := rec.wait(t)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(string(resp.Body)).To(Equal("secure"))
			g.Expect(resp.Header.Get("X-Auth-Type-Seen")).To(Equal(alg))
			c.Wait()
		})
	}

	t.Run("untrusted certificate", func(t *testing.T) {
		g := NewWithT(t)
		c := newTestClient(testConfig())
		target := model.NewBackendTarget(u.Hostname(), port, "/", map[string]string{model.MetaAuth: "tls"})
		req := &model.ForwardRequest{Protocol: model.HTTP1, Method: http.MethodGet, Header: http.Header{}}

		rec := newRecorder()
		g.Expect(c.Forward(context.Background(), req, target, rec)).To(Succeed())
		_, err := rec.wait(t)
		g.Expect(err).To(MatchError(model.ErrConnect))
		c.Wait()
	})
}

func TestDial(t *testing.T) {
	server, client := net.Pipe()
	defer func() { _ = server.Close() }()

	var dialed string
	c := newTestClient(testConfig(), WithDialer(func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = addr
		return client, nil
	}))

	conn, err := c.Dial(context.Background(), "tunnel.test:443")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	if dialed != "tunnel.test:443" {
		t.Errorf("dialed %q, want tunnel.test:443", dialed)
	}
}
