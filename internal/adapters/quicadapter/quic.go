// Package quicadapter uploads units over one shared QUIC connection, one
// stream per unit.
package quicadapter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/sheerbytes/upflux/internal/adapters"
	"github.com/sheerbytes/upflux/internal/transfer"
	"github.com/sheerbytes/upflux/internal/uploader"
)

// Adapter keeps one connection per receiver address, dialed on first use
// and redialed after it breaks.
type Adapter struct {
	dialer transfer.Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*lazyConn
}

type lazyConn struct {
	once sync.Once
	conn transfer.Conn
	err  error
}

// New returns an adapter dialing through d.
func New(d transfer.Dialer, logger *slog.Logger) *Adapter {
	return &Adapter{dialer: d, logger: logger, conns: make(map[string]*lazyConn)}
}

func (a *Adapter) Upload(ctx context.Context, req *uploader.Request) {
	go func() {
		resp, err := a.send(ctx, req)
		req.Finish(resp, err)
	}()
}

func (a *Adapter) send(ctx context.Context, req *uploader.Request) (uploader.Response, error) {
	req.Start()
	addr, err := Addr(req.URL)
	if err != nil {
		return uploader.Response{}, err
	}
	conn, err := a.conn(ctx, addr)
	if err != nil {
		return uploader.Response{}, err
	}
	s, err := conn.OpenStream(ctx)
	if err != nil {
		a.drop(addr, conn)
		return uploader.Response{}, err
	}
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if err := transfer.WriteUnit(ctx, s, adapters.Header(req), req.Body, adapters.Reporter(req)); err != nil {
		if ctx.Err() != nil {
			return uploader.Response{}, ctx.Err()
		}
		return uploader.Response{}, err
	}
	ack, err := transfer.ReadReply(s)
	if err != nil {
		return uploader.Response{}, err
	}
	return adapters.AckResponse(ack), nil
}

// conn returns the live connection for addr, dialing it once. A failed dial
// is forgotten so the next unit dials again.
func (a *Adapter) conn(ctx context.Context, addr string) (transfer.Conn, error) {
	a.mu.Lock()
	lc, ok := a.conns[addr]
	if !ok {
		lc = &lazyConn{}
		a.conns[addr] = lc
	}
	a.mu.Unlock()

	lc.once.Do(func() {
		lc.conn, lc.err = a.dialer.Dial(ctx, addr)
	})
	if lc.err != nil {
		a.mu.Lock()
		if a.conns[addr] == lc {
			delete(a.conns, addr)
		}
		a.mu.Unlock()
		return nil, lc.err
	}
	return lc.conn, nil
}

func (a *Adapter) drop(addr string, conn transfer.Conn) {
	a.mu.Lock()
	if lc := a.conns[addr]; lc != nil && lc.conn == conn {
		delete(a.conns, addr)
	}
	a.mu.Unlock()
	a.logger.Warn("QUIC connection dropped", "addr", addr)
	conn.Close()
}

// Close closes every connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	conns := a.conns
	a.conns = make(map[string]*lazyConn)
	a.mu.Unlock()
	for _, lc := range conns {
		if lc.conn != nil {
			lc.conn.Close()
		}
	}
	return nil
}

// Addr extracts host:port from a quic:// URL. A bare host:port is accepted.
func Addr(raw string) (string, error) {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host, nil
	}
	if _, _, err := net.SplitHostPort(raw); err == nil {
		return raw, nil
	}
	return "", fmt.Errorf("invalid QUIC address %q", raw)
}
