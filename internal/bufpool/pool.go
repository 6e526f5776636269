// Package bufpool keeps reusable byte buffers for streaming unit payloads.
package bufpool

import (
	"sync"
)

// FrameSize is the buffer size used for payload frames unless a transport
// asks for another.
const FrameSize = 64 * 1024

// Pool hands out buffers of exactly one size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	b := *(p.pool.Get().(*[]byte))
	if cap(b) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return b[:p.bufSize]
}

// Put returns buf for reuse. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

var shared sync.Map // int -> *Pool

// For returns the process-wide pool for size, creating it on first use.
func For(size int) *Pool {
	if p, ok := shared.Load(size); ok {
		return p.(*Pool)
	}
	p, _ := shared.LoadOrStore(size, New(size))
	return p.(*Pool)
}
