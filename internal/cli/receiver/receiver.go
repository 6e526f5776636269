// Package receiver runs the sink server: HTTP and WebSocket on one TCP
// listener, QUIC on an optional UDP listener.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sheerbytes/upflux/internal/config"
	"github.com/sheerbytes/upflux/internal/metrics"
	"github.com/sheerbytes/upflux/internal/quictransport"
	"github.com/sheerbytes/upflux/internal/sink"
	"github.com/sheerbytes/upflux/internal/transferquic"
)

const shutdownTimeout = 5 * time.Second

// Receiver owns the listeners and the store.
type Receiver struct {
	store   *sink.Store
	server  *sink.Server
	httpLn  net.Listener
	httpSrv *http.Server
	quicLn  *transferquic.Listener
	logger  *slog.Logger
}

// Start opens the store and binds every listener.
func Start(cfg config.ServerConfig, logger *slog.Logger) (*Receiver, error) {
	m := metrics.InitSinkMetrics()
	store, err := sink.NewStore(cfg.OutDir, logger, m)
	if err != nil {
		return nil, err
	}
	r := &Receiver{store: store, server: sink.NewServer(store, logger, m), logger: logger}

	r.httpLn, err = net.Listen("tcp", cfg.Addr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	r.httpSrv = &http.Server{Handler: r.server.Handler(), ReadHeaderTimeout: 10 * time.Second}

	if cfg.QUICAddr != "" {
		tlsConf, err := quictransport.ServerConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			r.httpLn.Close()
			store.Close()
			return nil, err
		}
		r.quicLn, err = transferquic.Listen(cfg.QUICAddr, tlsConf, logger)
		if err != nil {
			r.httpLn.Close()
			store.Close()
			return nil, err
		}
	}
	return r, nil
}

// HTTPAddr returns the bound TCP address.
func (r *Receiver) HTTPAddr() string { return r.httpLn.Addr().String() }

// QUICAddr returns the bound UDP address, or "" without QUIC.
func (r *Receiver) QUICAddr() string {
	if r.quicLn == nil {
		return ""
	}
	return r.quicLn.Addr()
}

// Run serves until ctx is done, then shuts the listeners down.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make(chan error, 2)

	go func() {
		err := r.httpSrv.Serve(r.httpLn)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errs <- err
	}()
	running := 1
	if r.quicLn != nil {
		running++
		go func() { errs <- r.server.Serve(ctx, r.quicLn) }()
	}
	r.logger.Info("receiver listening", "http", r.HTTPAddr(), "quic", r.QUICAddr(), "out_dir", r.store.Dir())

	var first error
	select {
	case <-ctx.Done():
	case first = <-errs:
		running--
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := r.httpSrv.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("http shutdown", "error", err)
	}
	if r.quicLn != nil {
		r.quicLn.Close()
	}
	for ; running > 0; running-- {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return errors.Join(first, r.store.Close())
}
