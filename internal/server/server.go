// Package server accepts client connections and drives each one on its own
// loop: HTTP/1.1 request parsing, CONNECT tunnels and HTTP/2 framing.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"golang.org/x/net/http2"

	"ahc-proxy-go/internal/buffer"
	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/metrics"
	"ahc-proxy-go/internal/model"
	"ahc-proxy-go/internal/service"
)

// Server is the proxy listener.
type Server struct {
	cfg     *config.Config
	svc     *service.ProxyService
	pool    *buffer.Pool
	filter  bool
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[*conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ContentFilter tells the server whether to attach the content filter stage
// to every request.
type ContentFilter interface {
	Enabled() bool
}

// New creates a Server. The metrics parameter is optional.
func New(cfg *config.Config, svc *service.ProxyService, pool *buffer.Pool, cf ContentFilter, m *metrics.Metrics, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		svc:     svc,
		pool:    pool,
		filter:  cf != nil && cf.Enabled(),
		metrics: m,
		logger:  logger.With("component", "server"),
		conns:   make(map[*conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listener and begins accepting in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln in the background.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("proxy listening", "addr", ln.Addr().String(), "protocol", s.cfg.Server.Protocol)
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, closes every client connection and waits for
// their goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		c := s.newConn(nc)
		if c == nil {
			continue
		}
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			c.loop.Run()
		}()
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

// conn is one client connection. newConn and close bracket its lifetime.
type conn struct {
	srv    *Server
	nc     net.Conn
	id     string
	remote string
	loop   *Loop
	logger *slog.Logger

	protocol  model.Protocol
	closeOnce sync.Once
	onClose   []func() // run on the loop before it stops
}

func (s *Server) newConn(nc net.Conn) *conn {
	c := &conn{
		srv:    s,
		nc:     nc,
		id:     uuid.NewRandom().String(),
		remote: nc.RemoteAddr().String(),
		loop:   NewLoop(),
	}
	c.logger = s.logger.With("conn_id", c.id, "remote", c.remote)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = nc.Close()
		return nil
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.logger.Debug("connection opened")
	return c
}

func (c *conn) session() service.Session {
	return service.Session{ID: c.id, Protocol: c.protocol, Exec: c.loop}
}

// serve detects the client protocol and hands the connection to its handler.
func (c *conn) serve() {
	defer c.close()

	br := bufio.NewReader(c.nc)
	proto, err := c.detect(br)
	if err != nil {
		c.logger.Debug("protocol detection failed", "error", err)
		return
	}
	c.protocol = proto
	if m := c.srv.metrics; m != nil {
		m.ActiveConnections.WithLabelValues(string(proto)).Inc()
		defer m.ActiveConnections.WithLabelValues(string(proto)).Dec()
	}

	switch proto {
	case model.HTTP2:
		newHTTP2Conn(c, br).serve()
	default:
		newHTTP1Conn(c, br).serve()
	}
}

// detect decides the protocol from configuration, peeking at the prior
// knowledge preface when the listener runs in auto mode.
func (c *conn) detect(br *bufio.Reader) (model.Protocol, error) {
	switch c.srv.cfg.Server.Protocol {
	case config.ProtocolHTTP1:
		return model.HTTP1, nil
	case config.ProtocolHTTP2:
		return model.HTTP2, nil
	}

	if t := c.srv.cfg.Server.ReadHeaderTimeout(); t > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(t))
		defer func() { _ = c.nc.SetReadDeadline(time.Time{}) }()
	}
	head, err := br.Peek(3)
	if err != nil {
		return "", err
	}
	if string(head) != http2.ClientPreface[:3] {
		return model.HTTP1, nil
	}
	preface, err := br.Peek(len(http2.ClientPreface))
	if err != nil {
		return "", err
	}
	if string(preface) == http2.ClientPreface {
		return model.HTTP2, nil
	}
	return model.HTTP1, nil
}

// close tears the connection down once: handler cleanup on the loop, then the
// loop, then the socket. It must not be called from the loop.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.loop.Do(func() {
			for _, fn := range c.onClose {
				fn()
			}
		})
		c.loop.Close()
		_ = c.nc.Close()

		s := c.srv
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.logger.Debug("connection closed")
	})
}

// deferClose registers fn to run on the loop when the connection closes.
// Must be called from the loop.
func (c *conn) deferClose(fn func()) {
	c.onClose = append(c.onClose, fn)
}

// abort closes the socket so the reader exits and runs close. Safe to call
// from the loop, unlike close.
func (c *conn) abort() {
	_ = c.nc.Close()
}
