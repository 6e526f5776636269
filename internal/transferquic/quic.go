// Package transferquic implements the transfer stream abstractions over quic-go.
package transferquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/upflux/internal/quictransport"
	"github.com/sheerbytes/upflux/internal/transfer"
)

var (
	_ transfer.Dialer   = (*Dialer)(nil)
	_ transfer.Listener = (*Listener)(nil)
	_ transfer.Conn     = (*QUICConn)(nil)
	_ transfer.Stream   = (*QUICStream)(nil)
)

// Dialer opens QUIC connections to a receiver.
type Dialer struct {
	TLS    *tls.Config
	QUIC   *quic.Config
	Logger *slog.Logger
}

// NewDialer returns a dialer with the default client settings.
func NewDialer(insecure bool, logger *slog.Logger) *Dialer {
	return &Dialer{
		TLS:    quictransport.ClientConfig(insecure),
		QUIC:   quictransport.DefaultClientQUICConfig(),
		Logger: logger,
	}
}

// Dial connects to addr (host:port).
func (d *Dialer) Dial(ctx context.Context, addr string) (transfer.Conn, error) {
	d.Logger.Debug("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, d.TLS, d.QUIC)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	d.Logger.Info("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return &QUICConn{conn: conn, logger: d.Logger}, nil
}

// Listener accepts QUIC connections.
type Listener struct {
	mu       sync.Mutex
	udp      *net.UDPConn
	listener *quic.Listener
	logger   *slog.Logger
	closed   bool
}

// Listen starts a QUIC listener on addr with enlarged socket buffers.
func Listen(addr string, tlsConf *tls.Config, logger *slog.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := quictransport.TuneUDP(udp, quictransport.UDPBuffer); err != nil {
		logger.Warn("UDP buffer tuning denied", "error", err)
	}
	l, err := quic.Listen(udp, tlsConf, quictransport.DefaultServerQUICConfig())
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	logger.Info("QUIC listener created", "local_addr", l.Addr())
	return &Listener{udp: udp, listener: l, logger: logger}, nil
}

// Addr returns the bound UDP address.
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (transfer.Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	listener := l.listener
	l.mu.Unlock()

	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}
	l.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr())
	return &QUICConn{conn: conn, logger: l.logger}, nil
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.listener.Close()
	if cerr := l.udp.Close(); err == nil {
		err = cerr
	}
	return err
}

// QUICConn wraps a quic.Conn.
type QUICConn struct {
	mu     sync.Mutex
	conn   *quic.Conn
	logger *slog.Logger
	closed bool
}

// OpenStream opens a new bidirectional stream.
func (c *QUICConn) OpenStream(ctx context.Context) (transfer.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	conn := c.conn
	c.mu.Unlock()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}
	return &QUICStream{stream: stream}, nil
}

// AcceptStream waits for a stream opened by the sender.
func (c *QUICConn) AcceptStream(ctx context.Context) (transfer.Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, io.ErrClosedPipe
	}
	conn := c.conn
	c.mu.Unlock()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}
	return &QUICStream{stream: stream}, nil
}

// Close closes the connection and all of its streams.
func (c *QUICConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.CloseWithError(0, "")
}

// QUICStream wraps a quic.Stream.
type QUICStream struct {
	stream *quic.Stream
	once   sync.Once
}

func (s *QUICStream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *QUICStream) Write(p []byte) (int, error) { return s.stream.Write(p) }

// StreamID returns the QUIC stream ID.
func (s *QUICStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

// Close closes the send side and stops reading.
func (s *QUICStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.stream.Close()
		s.stream.CancelRead(0)
	})
	return err
}
