// Package wsadapter uploads every unit over its own WebSocket connection.
package wsadapter

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sheerbytes/upflux/internal/adapters"
	"github.com/sheerbytes/upflux/internal/bufpool"
	"github.com/sheerbytes/upflux/internal/uploader"
	"github.com/sheerbytes/upflux/internal/wsclient"
	"github.com/sheerbytes/upflux/pkg/protocol"
)

// Adapter dials req.URL (ws:// or wss://) once per unit.
type Adapter struct {
	Header    http.Header
	FrameSize int
	Logger    *slog.Logger
}

// New returns an adapter sending frames of bufpool.FrameSize bytes.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{FrameSize: bufpool.FrameSize, Logger: logger}
}

func (a *Adapter) Upload(ctx context.Context, req *uploader.Request) {
	go func() {
		ack, err := a.send(ctx, req)
		if err != nil {
			req.Finish(uploader.Response{}, err)
			return
		}
		req.Finish(adapters.AckResponse(ack), nil)
	}()
}

func (a *Adapter) send(ctx context.Context, req *uploader.Request) (protocol.Ack, error) {
	req.Start()
	conn, err := wsclient.Dial(ctx, req.URL, a.Header, a.Logger)
	if err != nil {
		return protocol.Ack{}, err
	}
	defer conn.Close()

	frame := a.FrameSize
	if frame <= 0 {
		frame = bufpool.FrameSize
	}
	return conn.Upload(ctx, adapters.Header(req), req.Body, frame, adapters.Reporter(req))
}
