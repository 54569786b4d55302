package tunnel

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"

	"go.uber.org/goleak"
	"gotest.tools/assert"

	"ahc-proxy-go/internal/metrics"
)

func readN(r io.Reader, n int) <-chan string {
	out := make(chan string, 1)
	go func() {
		buf := make([]byte, n)
		_, _ = io.ReadFull(r, buf)
		out <- string(buf)
	}()
	return out
}

func activeTunnels(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	assert.NilError(t, err)
	for _, f := range families {
		if f.GetName() == "ahc_proxy_active_tunnels" {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("ahc_proxy_active_tunnels not gathered")
	return 0
}

func TestTunnel_QueuedBeforeConnectInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, clientPeer := net.Pipe()
	backend, backendPeer := net.Pipe()
	m := metrics.New()
	tun := New(client, slog.New(slog.DiscardHandler), m)

	assert.Equal(t, tun.Deliver([]byte("hello ")), false)
	assert.Equal(t, tun.Deliver([]byte("world")), false)
	assert.Equal(t, tun.Queued(), 11)

	flushed := readN(backendPeer, 11)
	assert.NilError(t, tun.Connected(backend))
	assert.Equal(t, <-flushed, "hello world")
	assert.Equal(t, tun.Queued(), 0)

	next := readN(backendPeer, 1)
	assert.Equal(t, tun.Deliver([]byte("!")), true)
	assert.Equal(t, <-next, "!")

	reply := readN(clientPeer, 4)
	go func() { _, _ = backendPeer.Write([]byte("pong")) }()
	assert.Equal(t, <-reply, "pong")

	assert.NilError(t, backendPeer.Close())
	<-tun.Done()
	tun.Wait()

	_, err := clientPeer.Read(make([]byte, 1))
	assert.Equal(t, err, io.EOF)
	assert.Equal(t, activeTunnels(t, m), float64(0))
	_ = clientPeer.Close()
}

func TestTunnel_RelayClient(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, clientPeer := net.Pipe()
	backend, backendPeer := net.Pipe()
	tun := New(client, slog.New(slog.DiscardHandler), nil)

	tun.Enqueue([]byte("GET / HTTP/1.1\r\n"))
	flushed := readN(backendPeer, 16)
	assert.NilError(t, tun.Connected(backend))
	assert.Equal(t, <-flushed, "GET / HTTP/1.1\r\n")

	rest := readN(backendPeer, 2)
	done := make(chan struct{})
	go func() {
		tun.RelayClient(bytes.NewReader([]byte("\r\n")))
		close(done)
	}()
	assert.Equal(t, <-rest, "\r\n")
	<-done
	<-tun.Done()
	tun.Wait()

	_ = clientPeer.Close()
	_ = backendPeer.Close()
}

func TestTunnel_ConnectedAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, clientPeer := net.Pipe()
	backend, backendPeer := net.Pipe()
	tun := New(client, slog.New(slog.DiscardHandler), nil)

	tun.Deliver([]byte("dropped"))
	tun.Close()
	tun.Close()

	err := tun.Connected(backend)
	assert.Assert(t, err != nil)

	_, err = backendPeer.Read(make([]byte, 1))
	assert.Equal(t, err, io.EOF)
	assert.Equal(t, tun.Deliver([]byte("late")), false)

	_ = clientPeer.Close()
}

func TestTunnel_ClientCloseClosesBackend(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, clientPeer := net.Pipe()
	backend, backendPeer := net.Pipe()
	tun := New(client, slog.New(slog.DiscardHandler), nil)
	assert.NilError(t, tun.Connected(backend))

	done := make(chan struct{})
	go func() {
		tun.RelayClient(client)
		close(done)
	}()

	assert.NilError(t, clientPeer.Close())
	<-done
	tun.Wait()

	_, err := backendPeer.Read(make([]byte, 1))
	assert.Equal(t, err, io.EOF)
}
