// Package tunnel relays raw bytes between a client and a backend after a
// CONNECT handshake.
//
// A Tunnel has two phases. Until the backend connection is established, client
// bytes are queued in arrival order. Connected flushes the queue, then the
// tunnel relays verbatim in both directions. Either side closing closes the
// other.
//
// Enqueue, Deliver and Connected must be called from the owning connection
// loop. RelayClient runs on the client reader goroutine after the handoff.
package tunnel

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"ahc-proxy-go/internal/metrics"
)

// Directions used as metric labels.
const (
	ClientToBackend = "client_to_backend"
	BackendToClient = "backend_to_client"
)

// Tunnel is a CONNECT tunnel for one client connection.
type Tunnel struct {
	client net.Conn

	mu      sync.Mutex
	backend net.Conn

	queue     [][]byte
	queued    int
	connected bool
	closed    atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
	relay     sync.WaitGroup

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a tunnel for client. m may be nil.
func New(client net.Conn, logger *slog.Logger, m *metrics.Metrics) *Tunnel {
	if m != nil {
		m.ActiveTunnels.Inc()
	}
	return &Tunnel{
		client:  client,
		done:    make(chan struct{}),
		logger:  logger,
		metrics: m,
	}
}

// Enqueue stores a copy of p until the backend is connected.
func (t *Tunnel) Enqueue(p []byte) {
	if len(p) == 0 {
		return
	}
	t.queue = append(t.queue, append([]byte(nil), p...))
	t.queued += len(p)
}

// Queued returns the number of bytes waiting for the backend.
func (t *Tunnel) Queued() int {
	return t.queued
}

// Deliver hands client bytes to the tunnel. Before the backend is connected
// they are queued and Deliver returns false. Afterwards they are written to
// the backend and Deliver returns true, telling the reader to switch to
// RelayClient.
func (t *Tunnel) Deliver(p []byte) bool {
	if t.closed.Load() {
		return false
	}
	if !t.connected {
		t.Enqueue(p)
		return false
	}
	if err := t.write(p); err != nil {
		t.logger.Debug("tunnel write to backend failed", "error", err)
		t.Close()
		return false
	}
	return true
}

// Connected installs the backend, flushes queued bytes in order and starts the
// backend to client relay. If the tunnel is already closed the backend is
// closed and an error returned.
func (t *Tunnel) Connected(backend net.Conn) error {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = backend.Close()
		return net.ErrClosed
	}
	t.backend = backend
	t.mu.Unlock()
	t.connected = true

	for _, chunk := range t.queue {
		if err := t.write(chunk); err != nil {
			t.Close()
			return err
		}
	}
	t.logger.Debug("tunnel established", "flushed_bytes", t.queued, "backend", backend.RemoteAddr())
	t.queue = nil
	t.queued = 0

	t.relay.Add(1)
	go func() {
		defer t.relay.Done()
		n, err := io.Copy(t.client, backend)
		t.count(BackendToClient, n)
		t.logger.Debug("tunnel backend side finished", "bytes", n, "error", err)
		t.Close()
	}()
	return nil
}

// RelayClient copies the rest of the client stream to the backend until
// either side closes, then closes both.
func (t *Tunnel) RelayClient(r io.Reader) {
	n, err := io.Copy(t.backend, r)
	t.count(ClientToBackend, n)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		t.logger.Debug("tunnel client side finished", "bytes", n, "error", err)
	}
	t.Close()
}

// Close closes both connections. It is safe to call more than once and from
// any goroutine.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed.Store(true)
		backend := t.backend
		t.mu.Unlock()

		_ = t.client.Close()
		if backend != nil {
			_ = backend.Close()
		}
		if t.metrics != nil {
			t.metrics.ActiveTunnels.Dec()
		}
		close(t.done)
	})
}

// Done is closed once the tunnel is closed.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the backend relay goroutine has exited.
func (t *Tunnel) Wait() {
	t.relay.Wait()
}

func (t *Tunnel) write(p []byte) error {
	n, err := t.backend.Write(p)
	t.count(ClientToBackend, int64(n))
	return err
}

func (t *Tunnel) count(direction string, n int64) {
	if t.metrics != nil && n > 0 {
		t.metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n))
	}
}
