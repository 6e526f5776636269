package transfer

import (
	"context"
	"io"
	"sync"
)

// MockTransport is an in-memory Dialer and Listener. Every Dial produces a
// connection pair whose far end is returned by Accept.
type MockTransport struct {
	mu      sync.Mutex
	accept  chan *mockConn
	conns   map[*mockConn]bool
	dials   int
	closed  bool
	closeCh chan struct{}
}

var (
	_ Dialer   = (*MockTransport)(nil)
	_ Listener = (*MockTransport)(nil)
	_ Conn     = (*mockConn)(nil)
	_ Stream   = (*mockStream)(nil)
)

// NewMockTransport creates an empty in-memory transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		accept:  make(chan *mockConn, 16),
		conns:   make(map[*mockConn]bool),
		closeCh: make(chan struct{}),
	}
}

// NewMockPair returns the two ends of one in-memory connection.
func NewMockPair() (Conn, Conn) {
	local, remote := newConnPair(nil)
	return local, remote
}

// Dial connects to the transport's own accept side; addr is ignored.
func (t *MockTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	t.dials++
	t.mu.Unlock()

	local, remote := newConnPair(t)
	t.track(local)
	select {
	case t.accept <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closeCh:
		return nil, io.ErrClosedPipe
	}
}

// Dials reports how many connections were dialed.
func (t *MockTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// Accept waits for the next dialed connection.
func (t *MockTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-t.accept:
		t.track(c)
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closeCh:
		return nil, io.ErrClosedPipe
	}
}

func (t *MockTransport) track(c *mockConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns != nil {
		t.conns[c] = true
	}
}

// Close closes the transport and every connection it produced.
func (t *MockTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closeCh)
	conns := make([]*mockConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = nil
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

type mockConn struct {
	mu        sync.Mutex
	transport *MockTransport
	other     *mockConn
	streams   chan *mockStream
	open      []*mockStream
	closed    bool
	done      chan struct{}
}

func newConnPair(t *MockTransport) (*mockConn, *mockConn) {
	a := &mockConn{transport: t, streams: make(chan *mockStream, 16), done: make(chan struct{})}
	b := &mockConn{transport: t, streams: make(chan *mockStream, 16), done: make(chan struct{})}
	a.other, b.other = b, a
	return a, b
}

// OpenStream creates a stream pair backed by two pipes.
func (c *mockConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	c.mu.Unlock()

	toRemoteR, toRemoteW := io.Pipe()
	toLocalR, toLocalW := io.Pipe()
	local := &mockStream{reader: toLocalR, writer: toRemoteW}
	remote := &mockStream{reader: toRemoteR, writer: toLocalW}

	select {
	case c.other.streams <- remote:
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	case <-c.other.done:
		return nil, io.ErrClosedPipe
	}
	c.mu.Lock()
	c.open = append(c.open, local)
	c.mu.Unlock()
	c.other.mu.Lock()
	c.other.open = append(c.other.open, remote)
	c.other.mu.Unlock()
	return local, nil
}

// AcceptStream waits for a stream opened by the other end.
func (c *mockConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, io.ErrClosedPipe
	}
}

// Close closes this end, both ends' streams and unblocks AcceptStream.
func (c *mockConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	open := c.open
	c.open = nil
	c.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
	c.other.Close()
	if c.transport != nil {
		c.transport.mu.Lock()
		delete(c.transport.conns, c)
		c.transport.mu.Unlock()
	}
	return nil
}

type mockStream struct {
	mu     sync.Mutex
	reader *io.PipeReader
	writer *io.PipeWriter
	closed bool
}

func (s *mockStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	r := s.reader
	s.mu.Unlock()
	return r.Read(p)
}

func (s *mockStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	w := s.writer
	s.mu.Unlock()
	return w.Write(p)
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.reader.Close()
	s.writer.Close()
	return nil
}
