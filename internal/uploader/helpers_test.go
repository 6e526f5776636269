package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/upflux/internal/entity"
)

var errBoom = errors.New("boom")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	opts := DefaultOptions("http://upload.test/files")
	opts.Logger = quietLogger()
	return opts
}

func newEngine(t *testing.T, opts Options, a Adapter) *Engine {
	t.Helper()
	e, err := New(opts, a)
	require.NoError(t, err)
	return e
}

func payload(name string, size int) entity.Payload {
	return entity.BytesPayload(name, bytes.Repeat([]byte{'x'}, size))
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v", v)
	case <-time.After(d):
	}
}

func unitKey(req *Request) string {
	if req.Chunk != nil {
		return fmt.Sprintf("%s#%d", req.File.Name, req.Chunk.Index)
	}
	return req.File.Name
}

// scriptAdapter completes every request on its own goroutine, failing the
// units listed in failures. A negative count fails forever.
type scriptAdapter struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	bodies   map[string][]byte
	active   int
	peak     int
}

func newScriptAdapter(failures map[string]int) *scriptAdapter {
	if failures == nil {
		failures = make(map[string]int)
	}
	return &scriptAdapter{failures: failures, calls: make(map[string]int), bodies: make(map[string][]byte)}
}

func (s *scriptAdapter) Upload(_ context.Context, req *Request) {
	go func() {
		key := unitKey(req)
		s.mu.Lock()
		s.calls[key]++
		s.active++
		if s.active > s.peak {
			s.peak = s.active
		}
		fail := false
		if n, ok := s.failures[key]; ok && n != 0 {
			fail = true
			if n > 0 {
				s.failures[key] = n - 1
			}
		}
		s.mu.Unlock()

		req.Start()
		size := req.Size()
		req.Progress(size/2, size)
		body, _ := io.ReadAll(req.Body)

		s.mu.Lock()
		s.active--
		if !fail {
			s.bodies[key] = body
		}
		s.mu.Unlock()

		if fail {
			req.Finish(Response{Status: 500}, errBoom)
			return
		}
		req.Progress(size, size)
		req.Finish(Response{Status: 200}, nil)
	}()
}

func (s *scriptAdapter) callsFor(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func (s *scriptAdapter) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *scriptAdapter) peakActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// manualAdapter hands every request to the test, which drives it.
type manualAdapter struct {
	reqs chan *Request
}

func newManualAdapter() *manualAdapter {
	return &manualAdapter{reqs: make(chan *Request, 64)}
}

func (m *manualAdapter) Upload(_ context.Context, req *Request) {
	m.reqs <- req
}

func (m *manualAdapter) next(t *testing.T) *Request {
	t.Helper()
	return waitFor(t, m.reqs)
}

func succeed(req *Request) {
	req.Start()
	req.Progress(req.Size(), req.Size())
	req.Finish(Response{Status: 200}, nil)
}

// counter counts named events from hooks.
type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func newCounter() *counter { return &counter{n: make(map[string]int)} }

func (c *counter) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[name]++
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

// countingHooks counts every notification and reports batch completion on done.
func countingHooks(c *counter, done chan<- []entity.FileInfo) Hooks {
	return Hooks{
		OnStart:        func(entity.FileInfo) { c.inc("start") },
		OnChunkStart:   func(entity.ChunkInfo) { c.inc("chunkStart") },
		OnSuccess:      func(entity.FileInfo, Response) { c.inc("success") },
		OnChunkSuccess: func(entity.ChunkInfo, Response) { c.inc("chunkSuccess") },
		OnError:        func(error, entity.FileInfo) { c.inc("error") },
		OnChunkError:   func(error, entity.ChunkInfo) { c.inc("chunkError") },
		OnRetry:        func(entity.FileInfo, error) { c.inc("retry") },
		OnChunkRetry:   func(entity.ChunkInfo, error) { c.inc("chunkRetry") },
		OnInvalid:      func(entity.FileInfo, error) { c.inc("invalid") },
		OnAfter:        func(entity.FileInfo) { c.inc("after") },
		OnChunkAfter:   func(entity.ChunkInfo) { c.inc("chunkAfter") },
		OnVerified:     func(entity.FileInfo, Response) { c.inc("verified") },
		OnComplete: func(uploaded []entity.FileInfo) {
			c.inc("complete")
			done <- uploaded
		},
	}
}
