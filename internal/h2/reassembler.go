// Package h2 turns interleaved HTTP/2 frames into complete requests.
//
// A Reassembler belongs to one client connection and is driven from that
// connection's loop. HEADERS open a stream, DATA frames grow its body and
// END_STREAM promotes it to a ForwardRequest. PRIORITY frames maintain the
// stream dependency tree used to order outbound DATA.
package h2

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/net/http2"

	"ahc-proxy-go/internal/buffer"
	"ahc-proxy-go/internal/model"
)

// StreamError is a failure scoped to one stream. The connection stays usable.
type StreamError struct {
	StreamID uint32
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("h2 stream %d: %v", e.StreamID, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Options configures a Reassembler.
type Options struct {
	// BodyMaxBytes caps a request body; 0 disables the cap.
	BodyMaxBytes int64
	// ContentFilter attaches the content filter stage to every request.
	ContentFilter bool
	ClientAddr    string
}

// Reassembler holds the per-stream state of one connection.
type Reassembler struct {
	pool    *buffer.Pool
	opts    Options
	pending map[uint32]*model.ForwardRequest
	open    map[uint32]struct{}
	tree    *PriorityTree
	logger  *slog.Logger
}

func NewReassembler(pool *buffer.Pool, opts Options, logger *slog.Logger) *Reassembler {
	return &Reassembler{
		pool:    pool,
		opts:    opts,
		pending: make(map[uint32]*model.ForwardRequest),
		open:    make(map[uint32]struct{}),
		tree:    NewPriorityTree(),
		logger:  logger,
	}
}

// HandleFrame consumes one frame. It returns a request once a stream is
// complete and nil otherwise. Errors are *StreamError values; frames for
// unknown streams are logged and dropped.
func (r *Reassembler) HandleFrame(f http2.Frame) (*model.ForwardRequest, error) {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		return r.onHeaders(f)
	case *http2.DataFrame:
		return r.onData(f)
	case *http2.PriorityFrame:
		r.onPriority(f.StreamID, f.PriorityParam)
	case *http2.RSTStreamFrame:
		r.onReset(f.StreamID)
	}
	return nil, nil
}

func (r *Reassembler) onHeaders(f *http2.MetaHeadersFrame) (*model.ForwardRequest, error) {
	id := f.StreamID
	if req, ok := r.pending[id]; ok {
		return r.onTrailers(req, f)
	}
	if _, ok := r.open[id]; ok {
		r.logger.Debug("headers on completed stream ignored", "stream", id)
		return nil, nil
	}
	if f.Truncated {
		return nil, &StreamError{StreamID: id, Err: fmt.Errorf("%w: header list too large", model.ErrParse)}
	}

	method := f.PseudoValue("method")
	path := f.PseudoValue("path")
	if method == "" || (path == "" && method != http.MethodConnect) {
		return nil, &StreamError{StreamID: id, Err: fmt.Errorf("%w: missing :method or :path", model.ErrParse)}
	}

	req := &model.ForwardRequest{
		Protocol:   model.HTTP2,
		Method:     method,
		Target:     path,
		Authority:  f.PseudoValue("authority"),
		Scheme:     f.PseudoValue("scheme"),
		StreamID:   id,
		Header:     make(http.Header),
		ClientAddr: r.opts.ClientAddr,
	}
	for _, hf := range f.RegularFields() {
		req.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	if req.Authority == "" {
		req.Authority = req.Header.Get("Host")
	}

	model.DeriveStages(req)
	if r.opts.ContentFilter {
		req.WithContentFilter()
	}

	r.open[id] = struct{}{}
	r.tree.Add(id)
	if f.HasPriority() {
		r.updatePriority(id, f.Priority)
	}

	if method == http.MethodGet || method == http.MethodHead || method == http.MethodConnect || f.StreamEnded() {
		return req, nil
	}

	req.Body = r.pool.Get()
	r.pending[id] = req
	return nil, nil
}

// onTrailers merges a trailing header block into the pending request.
func (r *Reassembler) onTrailers(req *model.ForwardRequest, f *http2.MetaHeadersFrame) (*model.ForwardRequest, error) {
	for _, hf := range f.RegularFields() {
		req.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	if !f.StreamEnded() {
		return nil, nil
	}
	delete(r.pending, f.StreamID)
	return req, nil
}

func (r *Reassembler) onData(f *http2.DataFrame) (*model.ForwardRequest, error) {
	id := f.StreamID
	req, ok := r.pending[id]
	if !ok {
		r.logger.Debug("data for unknown stream ignored", "stream", id, "bytes", len(f.Data()))
		return nil, nil
	}

	data := f.Data()
	if limit := r.opts.BodyMaxBytes; limit > 0 && int64(req.Body.Len()+len(data)) > limit {
		delete(r.pending, id)
		req.ReleaseBody()
		return nil, &StreamError{StreamID: id, Err: model.ErrBodyTooLarge}
	}
	// The framer reuses its read buffer; Write copies.
	_, _ = req.Body.Write(data)

	if !f.StreamEnded() {
		return nil, nil
	}
	delete(r.pending, id)
	return req, nil
}

func (r *Reassembler) onPriority(id uint32, p http2.PriorityParam) {
	if _, ok := r.open[id]; !ok {
		r.logger.Debug("priority for unknown stream ignored", "stream", id)
		return
	}
	r.updatePriority(id, p)
}

func (r *Reassembler) updatePriority(id uint32, p http2.PriorityParam) {
	if err := r.tree.Update(id, p.StreamDep, p.Weight, p.Exclusive); err != nil {
		r.logger.Warn("priority update ignored", "stream", id, "error", err)
	}
}

func (r *Reassembler) onReset(id uint32) {
	req, pending := r.pending[id]
	_, open := r.open[id]
	if !pending && !open {
		r.logger.Debug("reset for unknown stream ignored", "stream", id)
		return
	}
	if pending {
		delete(r.pending, id)
		req.ReleaseBody()
	}
	r.StreamClosed(id)
}

// Reset drops a stream as if the client had reset it.
func (r *Reassembler) Reset(id uint32) {
	r.onReset(id)
}

// StreamClosed forgets a finished stream. Its priority children move to its parent.
func (r *Reassembler) StreamClosed(id uint32) {
	delete(r.open, id)
	r.tree.Remove(id)
}

// Order returns ids in priority order.
func (r *Reassembler) Order(ids []uint32) []uint32 {
	return r.tree.Order(ids)
}

// Priority returns the priority node of id.
func (r *Reassembler) Priority(id uint32) (Node, bool) {
	return r.tree.Node(id)
}

// Pending reports how many streams are waiting for more DATA.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// Close releases every pending body.
func (r *Reassembler) Close() {
	for id, req := range r.pending {
		req.ReleaseBody()
		delete(r.pending, id)
	}
	clear(r.open)
}

// IsStreamError reports whether err is scoped to a single stream.
func IsStreamError(err error) (*StreamError, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
