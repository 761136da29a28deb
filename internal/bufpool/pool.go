package bufpool

import (
	"bytes"
	"io"
	"sync"
)

// Pool recycles byte buffers used to load spilled chunk payloads back into
// memory before they are committed. Buffers that grew past maxRetain are
// dropped on Put so one oversized chunk does not pin memory forever.
type Pool struct {
	pool      sync.Pool
	maxRetain int
}

// New creates a pool that retains buffers of at most maxRetain bytes capacity.
func New(maxRetain int) *Pool {
	if maxRetain <= 0 {
		panic("maxRetain must be positive")
	}
	return &Pool{
		maxRetain: maxRetain,
		pool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Get returns an empty buffer.
func (p *Pool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns buf to the pool unless it is nil or too large to keep.
func (p *Pool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > p.maxRetain {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}

// ReadAll reads r to EOF into a pooled buffer. The caller owns the buffer
// until it hands it back with Put.
func (p *Pool) ReadAll(r io.Reader, sizeHint int64) (*bytes.Buffer, error) {
	buf := p.Get()
	if sizeHint > 0 && sizeHint <= int64(p.maxRetain) {
		buf.Grow(int(sizeHint))
	}
	if _, err := buf.ReadFrom(r); err != nil {
		p.Put(buf)
		return nil, err
	}
	return buf, nil
}

// MaxRetain returns the largest buffer capacity this pool keeps.
func (p *Pool) MaxRetain() int {
	return p.maxRetain
}
