package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"ahc-proxy-go/internal/h2"
	"ahc-proxy-go/internal/model"
)

const (
	initialWindowSize    = 65535
	defaultMaxFrameSize  = 16384
	maxConcurrentStreams = 250
	maxWindowSize        = 1<<31 - 1
	goAwayWriteTimeout   = time.Second
)

// connectionHeaders must not appear in HTTP/2 responses.
var connectionHeaders = map[string]bool{
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"content-length":    true, // recomputed
}

// outStream is a dispatched stream waiting for, or sending, its response.
type outStream struct {
	head    bool
	window  int64
	data    []byte
	sending bool
}

// http2Conn serves prior knowledge HTTP/2. Everything below the framer reader
// runs on the connection loop.
type http2Conn struct {
	*conn
	br     *bufio.Reader
	bw     *bufio.Writer
	framer *http2.Framer
	henc   *hpack.Encoder
	hbuf   bytes.Buffer
	reasm  *h2.Reassembler

	connWindow    int64
	initialWindow int64
	maxFrameSize  uint32
	active        map[uint32]*outStream
	lastStreamID  uint32
	pending       int
	goingAway     bool
	closed        bool
}

func newHTTP2Conn(c *conn, br *bufio.Reader) *http2Conn {
	h := &http2Conn{
		conn:          c,
		br:            br,
		bw:            bufio.NewWriter(c.nc),
		connWindow:    initialWindowSize,
		initialWindow: initialWindowSize,
		maxFrameSize:  defaultMaxFrameSize,
		active:        make(map[uint32]*outStream),
	}
	h.henc = hpack.NewEncoder(&h.hbuf)
	h.framer = http2.NewFramer(h.bw, br)
	h.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	h.reasm = h2.NewReassembler(c.srv.pool, h2.Options{
		BodyMaxBytes:  c.srv.cfg.Server.BodyMaxBytes,
		ContentFilter: c.srv.filter,
		ClientAddr:    c.remote,
	}, c.logger.With("component", "h2"))
	return h
}

func (h *http2Conn) serve() {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(h.br, preface); err != nil || string(preface) != http2.ClientPreface {
		h.logger.Debug("invalid client preface", "error", err)
		return
	}

	started := h.loop.Do(func() {
		h.deferClose(h.teardown)
		if err := h.framer.WriteSettings(http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: maxConcurrentStreams}); err != nil {
			h.abort()
			return
		}
		h.flush()
	})
	if !started {
		return
	}

	for {
		f, err := h.framer.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				if !h.loop.Do(func() { h.resetStream(se.StreamID, se.Code) }) {
					return
				}
				continue
			}
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				h.loop.Do(func() { h.goAway(http2.ErrCode(ce)) })
			} else if !errors.Is(err, io.EOF) {
				h.logger.Debug("read frame failed", "error", err)
			}
			return
		}
		// The frame is only valid until the next ReadFrame, so handling is
		// synchronous.
		if !h.loop.Do(func() { h.handle(f) }) {
			return
		}
	}
}

func (h *http2Conn) handle(f http2.Frame) {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		h.onSettings(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			_ = h.framer.WritePing(true, f.Data)
		}
	case *http2.WindowUpdateFrame:
		h.onWindowUpdate(f)
	case *http2.GoAwayFrame:
		h.logger.Debug("client sent GOAWAY", "last_stream", f.LastStreamID, "code", f.ErrCode)
		h.goingAway = true
	case *http2.MetaHeadersFrame:
		if f.StreamID > h.lastStreamID {
			h.lastStreamID = f.StreamID
		}
		h.dispatch(f)
	case *http2.DataFrame:
		h.replenish(f)
		h.dispatch(f)
	case *http2.RSTStreamFrame:
		delete(h.active, f.StreamID)
		h.dispatch(f)
	case *http2.PriorityFrame:
		h.dispatch(f)
	}
	h.flush()
}

func (h *http2Conn) onSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			if s.Val > maxWindowSize {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
			delta := int64(s.Val) - h.initialWindow
			h.initialWindow = int64(s.Val)
			for _, st := range h.active {
				st.window += delta
			}
		case http2.SettingMaxFrameSize:
			if s.Val < defaultMaxFrameSize || s.Val > 1<<24-1 {
				return http2.ConnectionError(http2.ErrCodeProtocol)
			}
			h.maxFrameSize = s.Val
		case http2.SettingHeaderTableSize:
			h.henc.SetMaxDynamicTableSize(s.Val)
		}
		return nil
	})
	if err != nil {
		var ce http2.ConnectionError
		if errors.As(err, &ce) {
			h.goAway(http2.ErrCode(ce))
		}
		return
	}
	_ = h.framer.WriteSettingsAck()
	h.flushData()
}

func (h *http2Conn) onWindowUpdate(f *http2.WindowUpdateFrame) {
	inc := int64(f.Increment)
	if f.StreamID == 0 {
		if h.connWindow+inc > maxWindowSize {
			h.goAway(http2.ErrCodeFlowControl)
			return
		}
		h.connWindow += inc
	} else if st, ok := h.active[f.StreamID]; ok {
		st.window += inc
	}
	h.flushData()
}

// replenish returns consumed DATA credit to the client right away; the body
// cap is enforced by the reassembler instead of by flow control.
func (h *http2Conn) replenish(f *http2.DataFrame) {
	n := f.Header().Length
	if n == 0 {
		return
	}
	_ = h.framer.WriteWindowUpdate(0, n)
	if !f.StreamEnded() {
		_ = h.framer.WriteWindowUpdate(f.StreamID, n)
	}
}

func (h *http2Conn) dispatch(f http2.Frame) {
	req, err := h.reasm.HandleFrame(f)
	h.reportPending()
	if err != nil {
		se, ok := h2.IsStreamError(err)
		if !ok {
			h.logger.Warn("frame rejected", "error", err)
			return
		}
		h.active[se.StreamID] = &outStream{window: h.initialWindow}
		h.respond(se.StreamID, h.srv.svc.Reject(h.session(), "", se.Err))
		if errors.Is(se.Err, model.ErrBodyTooLarge) {
			// The client may still be sending; tell it to stop.
			_ = h.framer.WriteRSTStream(se.StreamID, http2.ErrCodeNo)
		}
		return
	}
	if req != nil {
		h.start(req)
	}
}

// start hands a completed request to the service.
func (h *http2Conn) start(req *model.ForwardRequest) {
	id := req.StreamID
	h.active[id] = &outStream{head: req.Method == http.MethodHead, window: h.initialWindow}
	sess := h.session()

	if req.IsConnect() {
		req.ReleaseBody()
		err := fmt.Errorf("%w: CONNECT is not supported over HTTP/2", model.ErrParse)
		h.respond(id, h.srv.svc.Reject(sess, req.Method, err))
		return
	}

	h.srv.svc.Handle(h.srv.ctx, sess, req, func(resp *model.ProxyResponse) {
		h.respond(id, resp)
		h.flush()
	})
}

// respond writes the response HEADERS and queues the body for flow
// controlled delivery.
func (h *http2Conn) respond(id uint32, resp *model.ProxyResponse) {
	st, ok := h.active[id]
	if !ok || h.closed {
		h.logger.Debug("response for closed stream dropped", "stream", id)
		return
	}

	endStream := st.head || len(resp.Body) == 0
	if err := h.writeHeaders(id, h.encodeHeaders(resp, st.head), endStream); err != nil {
		h.abort()
		return
	}
	if endStream {
		h.finish(id)
		return
	}
	st.data = resp.Body
	st.sending = true
	h.flushData()
}

func (h *http2Conn) encodeHeaders(resp *model.ProxyResponse, head bool) []byte {
	h.hbuf.Reset()
	_ = h.henc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.StatusCode)})
	for _, k := range slices.Sorted(maps.Keys(resp.Header)) {
		name := strings.ToLower(k)
		if connectionHeaders[name] {
			continue
		}
		for _, v := range resp.Header[k] {
			_ = h.henc.WriteField(hpack.HeaderField{Name: name, Value: v})
		}
	}
	length := strconv.Itoa(len(resp.Body))
	if cl := resp.Header.Get("Content-Length"); head && cl != "" {
		length = cl
	}
	_ = h.henc.WriteField(hpack.HeaderField{Name: "content-length", Value: length})
	return h.hbuf.Bytes()
}

// writeHeaders writes a header block, splitting it into CONTINUATION frames
// when it exceeds the peer's max frame size.
func (h *http2Conn) writeHeaders(id uint32, block []byte, endStream bool) error {
	limit := int(h.maxFrameSize)
	first := block
	if len(first) > limit {
		first = block[:limit]
	}
	block = block[len(first):]
	err := h.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(block) == 0,
	})
	if err != nil {
		return err
	}
	for len(block) > 0 {
		n := min(len(block), limit)
		if err := h.framer.WriteContinuation(id, n == len(block), block[:n]); err != nil {
			return err
		}
		block = block[n:]
	}
	return nil
}

// flushData sends as much queued response data as the flow control windows
// allow, visiting streams in priority order.
func (h *http2Conn) flushData() {
	ids := make([]uint32, 0, len(h.active))
	for id, st := range h.active {
		if st.sending {
			ids = append(ids, id)
		}
	}
	for _, id := range h.reasm.Order(ids) {
		st := h.active[id]
		for len(st.data) > 0 && h.connWindow > 0 && st.window > 0 {
			n := min(int64(len(st.data)), int64(h.maxFrameSize), h.connWindow, st.window)
			end := n == int64(len(st.data))
			if err := h.framer.WriteData(id, end, st.data[:n]); err != nil {
				h.abort()
				return
			}
			st.data = st.data[n:]
			h.connWindow -= n
			st.window -= n
			if end {
				h.finish(id)
			}
		}
		if h.connWindow <= 0 {
			return
		}
	}
}

func (h *http2Conn) finish(id uint32) {
	delete(h.active, id)
	h.reasm.StreamClosed(id)
}

func (h *http2Conn) resetStream(id uint32, code http2.ErrCode) {
	h.logger.Debug("resetting stream", "stream", id, "code", code)
	delete(h.active, id)
	h.reasm.Reset(id)
	h.reportPending()
	_ = h.framer.WriteRSTStream(id, code)
	h.flush()
}

func (h *http2Conn) goAway(code http2.ErrCode) {
	if h.closed {
		return
	}
	_ = h.framer.WriteGoAway(h.lastStreamID, code, nil)
	_ = h.bw.Flush()
	h.closed = true
	h.abort()
}

// flush pushes buffered frames to the socket and closes the connection once
// a client GOAWAY has been honored.
func (h *http2Conn) flush() {
	if err := h.bw.Flush(); err != nil {
		h.logger.Debug("flush failed", "error", err)
		h.abort()
		return
	}
	if h.goingAway && len(h.active) == 0 && h.reasm.Pending() == 0 {
		h.abort()
	}
}

func (h *http2Conn) reportPending() {
	n := h.reasm.Pending()
	if m := h.srv.metrics; m != nil && n != h.pending {
		m.H2PendingStreams.Add(float64(n - h.pending))
	}
	h.pending = n
}

// teardown runs on the loop when the connection closes.
func (h *http2Conn) teardown() {
	h.reasm.Close()
	h.reportPending()
	clear(h.active)
	if !h.closed {
		h.closed = true
		_ = h.nc.SetWriteDeadline(time.Now().Add(goAwayWriteTimeout))
		_ = h.framer.WriteGoAway(h.lastStreamID, http2.ErrCodeNo, nil)
		_ = h.bw.Flush()
	}
}
