package uploader

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sheerbytes/upflux/internal/entity"
)

// Adapter moves one unit over a transport. Upload may return before the
// transfer ends; the adapter must call req.Start before sending, may call
// req.Progress any number of times and must end with exactly one req.Finish.
// When ctx is cancelled the engine ignores every later callback.
type Adapter interface {
	Upload(ctx context.Context, req *Request)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, req *Request)

func (f AdapterFunc) Upload(ctx context.Context, req *Request) { f(ctx, req) }

// Response is the transport-neutral reply handed to success hooks.
type Response struct {
	Status int
	Body   []byte
	Meta   map[string]string
}

var defaults struct {
	mu      sync.RWMutex
	adapter Adapter
}

// SetDefaultAdapter registers the adapter New falls back to when none is
// passed. Engines resolve it once, at construction.
func SetDefaultAdapter(a Adapter) {
	defaults.mu.Lock()
	defer defaults.mu.Unlock()
	defaults.adapter = a
}

// DefaultAdapter returns the registered process default, if any.
func DefaultAdapter() Adapter {
	defaults.mu.RLock()
	defer defaults.mu.RUnlock()
	return defaults.adapter
}

// Request describes one attempt at uploading a unit.
type Request struct {
	URL    string
	Method string
	Kind   entity.Kind
	File   entity.FileInfo
	// Chunk is nil for whole-file units.
	Chunk *entity.ChunkInfo
	Body  *io.SectionReader

	engine   *Engine
	att      *attempt
	finished atomic.Bool
}

// Size returns the byte length of the unit.
func (r *Request) Size() int64 {
	if r.Chunk != nil {
		return r.Chunk.Size
	}
	return r.File.Size
}

// UnitID returns the id of the file or chunk being uploaded.
func (r *Request) UnitID() string {
	if r.Chunk != nil {
		return r.Chunk.ID
	}
	return r.File.ID
}

// Start marks the unit as uploading.
func (r *Request) Start() {
	r.engine.started(r.att)
}

// Progress reports loaded of total transport bytes. total may include framing
// overhead; loaded == total means the unit is fully sent.
func (r *Request) Progress(loaded, total int64) {
	r.engine.progressed(r.att, loaded, total)
}

// Finish ends the attempt. A nil err runs the success verifier before the
// unit is accepted. Calls after the first are ignored.
func (r *Request) Finish(resp Response, err error) {
	if !r.finished.CompareAndSwap(false, true) {
		r.engine.logger.Debug("duplicate finish ignored", "unit", r.UnitID())
		return
	}
	if err == nil {
		err = r.engine.verify(r.att, r, resp)
	}
	if err != nil {
		r.engine.failed(r.att, err)
		return
	}
	r.engine.succeeded(r.att, resp)
}
