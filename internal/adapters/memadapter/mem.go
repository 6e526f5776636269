// Package memadapter is an in-memory transport with fault injection, used for
// dry runs and tests.
package memadapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sheerbytes/upflux/internal/adapters"
	"github.com/sheerbytes/upflux/internal/uploader"
)

// ErrInjected is the failure produced by FailFirst.
var ErrInjected = errors.New("injected failure")

// Adapter stores every uploaded unit in memory. Chunks are written at their
// offset into one buffer per file name.
type Adapter struct {
	// Latency delays every unit before it completes.
	Latency time.Duration

	mu       sync.Mutex
	objects  map[string][]byte
	failures map[string]int
	calls    map[string]int
}

// New returns an empty in-memory adapter.
func New() *Adapter {
	return &Adapter{
		objects:  make(map[string][]byte),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// FailFirst makes the next n attempts of units of file name fail.
func (a *Adapter) FailFirst(name string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[name] = n
}

func (a *Adapter) Upload(ctx context.Context, req *uploader.Request) {
	go a.serve(ctx, req)
}

func (a *Adapter) serve(ctx context.Context, req *uploader.Request) {
	req.Start()

	a.mu.Lock()
	a.calls[req.File.Name]++
	fail := a.failures[req.File.Name] > 0
	if fail {
		a.failures[req.File.Name]--
	}
	a.mu.Unlock()

	if a.Latency > 0 {
		select {
		case <-time.After(a.Latency):
		case <-ctx.Done():
			req.Finish(uploader.Response{}, ctx.Err())
			return
		}
	}

	data, err := io.ReadAll(adapters.NewProgressReader(req.Body, req))
	if err != nil {
		req.Finish(uploader.Response{}, fmt.Errorf("read %s: %w", req.UnitID(), err))
		return
	}
	if fail {
		req.Finish(uploader.Response{Status: 500}, ErrInjected)
		return
	}

	hdr := adapters.Header(req)
	a.mu.Lock()
	obj := a.objects[hdr.FileName]
	if int64(len(obj)) < hdr.FileSize {
		grown := make([]byte, hdr.FileSize)
		copy(grown, obj)
		obj = grown
	}
	copy(obj[hdr.Offset:], data)
	a.objects[hdr.FileName] = obj
	a.mu.Unlock()

	req.Finish(uploader.Response{Status: 200, Meta: map[string]string{"stored": hdr.FileName}}, nil)
}

// Object returns the bytes stored for file name.
func (a *Adapter) Object(name string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.objects[name]
	return b, ok
}

// Calls returns how many attempts reached the adapter for file name.
func (a *Adapter) Calls(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[name]
}
