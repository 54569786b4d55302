// Package buffer provides request body buffers with a single owner at a time.
//
// A Buffer is obtained from a Pool, written by its owner and released exactly
// once. Sharing a body with a second consumer requires an explicit Clone, which
// produces an independently owned Buffer. The Pool counts handles that have
// been obtained but not yet released so tests can assert that every exit path
// gives its buffer back.
package buffer

import (
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Pool hands out Buffers backed by a bytebufferpool.Pool.
type Pool struct {
	bp          bytebufferpool.Pool
	outstanding atomic.Int64
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get returns an empty Buffer owned by the caller.
func (p *Pool) Get() *Buffer {
	p.outstanding.Add(1)
	return &Buffer{bb: p.bp.Get(), pool: p}
}

// From returns a Buffer holding a copy of b.
func (p *Pool) From(b []byte) *Buffer {
	buf := p.Get()
	_, _ = buf.Write(b)
	return buf
}

// Outstanding reports how many Buffers have not been released yet.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Buffer is a growable byte buffer with explicit ownership.
// A nil *Buffer behaves as an empty, already released buffer.
type Buffer struct {
	bb       *bytebufferpool.ByteBuffer
	pool     *Pool
	released atomic.Bool
}

// Write appends b. Writing to a released buffer is a no-op.
func (b *Buffer) Write(p []byte) (int, error) {
	if b == nil || b.released.Load() {
		return 0, nil
	}
	return b.bb.Write(p)
}

// Bytes returns the buffered bytes. The slice is only valid until Release.
func (b *Buffer) Bytes() []byte {
	if b == nil || b.released.Load() {
		return nil
	}
	return b.bb.B
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.Bytes())
}

// Clone returns a new Buffer with its own copy of the bytes.
func (b *Buffer) Clone() *Buffer {
	if b == nil {
		return nil
	}
	return b.pool.From(b.Bytes())
}

// Release gives the underlying storage back to the pool. Only the first call
// has an effect; it reports whether this call performed the release.
func (b *Buffer) Release() bool {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return false
	}
	bb := b.bb
	b.bb = nil
	b.pool.bp.Put(bb)
	b.pool.outstanding.Add(-1)
	return true
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b == nil || b.released.Load()
}
