package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"ahc-proxy-go/internal/model"
	"ahc-proxy-go/internal/tunnel"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// tunnelChunkSize bounds one read from the client while tunneling.
const tunnelChunkSize = 32 << 10

type http1Conn struct {
	*conn
	br *bufio.Reader
	bw *bufio.Writer
}

func newHTTP1Conn(c *conn, br *bufio.Reader) *http1Conn {
	return &http1Conn{conn: c, br: br, bw: bufio.NewWriter(c.nc)}
}

// serve reads requests one at a time. The next request is read only after
// the previous response has been written.
func (h *http1Conn) serve() {
	for {
		if t := h.srv.cfg.Server.ReadHeaderTimeout(); t > 0 {
			_ = h.nc.SetReadDeadline(time.Now().Add(t))
		}
		req, err := http.ReadRequest(h.br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				h.reject("", fmt.Errorf("%w: %v", model.ErrParse, err))
			}
			return
		}
		_ = h.nc.SetReadDeadline(time.Time{})

		fr, err := h.forwardRequest(req)
		if err != nil {
			h.reject(req.Method, err)
			return
		}
		if fr.IsConnect() {
			h.serveConnect(fr)
			return
		}
		if !h.roundTrip(fr) || req.Close {
			return
		}
	}
}

// forwardRequest converts a parsed request and reads its body into a pool
// buffer.
func (h *http1Conn) forwardRequest(req *http.Request) (*model.ForwardRequest, error) {
	defer func() { _ = req.Body.Close() }()

	header := req.Header
	if req.Host != "" {
		header.Set("Host", req.Host)
	}
	fr := &model.ForwardRequest{
		Protocol:   model.HTTP1,
		Method:     req.Method,
		Target:     req.RequestURI,
		Header:     header,
		ClientAddr: h.remote,
	}

	if req.Body != http.NoBody {
		fr.Body = h.srv.pool.Get()
		var src io.Reader = req.Body
		limit := h.srv.cfg.Server.BodyMaxBytes
		if limit > 0 {
			src = io.LimitReader(req.Body, limit+1)
		}
		n, err := io.Copy(fr.Body, src)
		if err != nil {
			fr.ReleaseBody()
			return nil, fmt.Errorf("%w: read body: %v", model.ErrParse, err)
		}
		if limit > 0 && n > limit {
			fr.ReleaseBody()
			return nil, fmt.Errorf("%w: request body exceeds %d bytes", model.ErrBodyTooLarge, limit)
		}
	}

	model.DeriveStages(fr)
	if h.srv.filter {
		fr.WithContentFilter()
	}
	return fr, nil
}

// roundTrip hands fr to the service on the loop and waits for the response
// to be written. It reports whether the connection can be reused.
func (h *http1Conn) roundTrip(fr *model.ForwardRequest) bool {
	head := fr.Method == http.MethodHead
	written := make(chan bool, 1)
	sess := h.session()

	ok := h.loop.Do(func() {
		h.srv.svc.Handle(h.srv.ctx, sess, fr, func(resp *model.ProxyResponse) {
			written <- h.write(resp, head)
		})
	})
	if !ok {
		fr.ReleaseBody()
		return false
	}

	select {
	case keep := <-written:
		return keep
	case <-h.loop.Done():
		return false
	}
}

func (h *http1Conn) reject(method string, err error) {
	sess := h.session()
	h.loop.Do(func() {
		h.write(h.srv.svc.Reject(sess, method, err), false)
	})
}

// write sends resp to the client. Must run on the loop.
func (h *http1Conn) write(resp *model.ProxyResponse, head bool) bool {
	if err := writeResponse(h.bw, resp, head); err != nil {
		h.logger.Debug("write response failed", "error", err)
		return false
	}
	return true
}

// writeResponse writes resp with an explicit Content-Length. For HEAD the
// body is omitted and a backend supplied Content-Length is kept.
func writeResponse(w *bufio.Writer, resp *model.ProxyResponse, head bool) error {
	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Transfer-Encoding")
	if !head || h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}

	if _, err := fmt.Fprintf(w, "HTTP/1.1 %03d %s\r\n", resp.StatusCode, resp.StatusText()); err != nil {
		return err
	}
	if err := h.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	if !head {
		if _, err := w.Write(resp.Body); err != nil {
			return err
		}
	}
	return w.Flush()
}

// serveConnect answers a CONNECT request and turns the connection into a
// tunnel. Client bytes read before the backend connects are queued by the
// tunnel in arrival order.
func (h *http1Conn) serveConnect(fr *model.ForwardRequest) {
	fr.ReleaseBody()
	sess := h.session()

	var tun *tunnel.Tunnel
	h.loop.Do(func() {
		target, err := h.srv.svc.RouteTunnel(fr)
		if err != nil {
			h.write(h.srv.svc.Reject(sess, fr.Method, err), false)
			return
		}
		if _, err := h.bw.WriteString(connectEstablished); err != nil {
			return
		}
		if err := h.bw.Flush(); err != nil {
			return
		}

		t := tunnel.New(h.nc, h.logger, h.srv.metrics)
		h.deferClose(t.Close)
		h.srv.svc.DialTunnel(h.srv.ctx, sess, h.remote, target, func(backend net.Conn, err error) {
			if err != nil {
				h.logger.Warn("tunnel connect failed", "target", target.Addr(), "error", err)
				t.Close()
				return
			}
			if err := t.Connected(backend); err != nil {
				h.logger.Debug("tunnel flush failed", "target", target.Addr(), "error", err)
			}
		})
		tun = t
	})
	if tun == nil {
		return
	}
	h.relay(tun)
}

// relay feeds client bytes into the tunnel until the backend is connected,
// then copies the rest directly.
func (h *http1Conn) relay(tun *tunnel.Tunnel) {
	defer func() {
		tun.Close()
		tun.Wait()
	}()

	buf := make([]byte, tunnelChunkSize)
	for {
		n, err := h.br.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			handoff := false
			if !h.loop.Do(func() { handoff = tun.Deliver(chunk) }) {
				return
			}
			if handoff {
				tun.RelayClient(h.br)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
