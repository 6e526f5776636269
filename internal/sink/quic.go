package sink

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/sheerbytes/upflux/internal/transfer"
	"github.com/sheerbytes/upflux/pkg/protocol"
)

// Serve accepts connections from l until ctx is done or l is closed. Each
// stream carries one framed unit and gets one reply.
func (s *Server) Serve(ctx context.Context, l transfer.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn transfer.Conn) {
	defer conn.Close()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			s.logger.Debug("quic connection done", "error", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer st.Close()
			s.serveStream(ctx, st)
		}()
	}
}

func (s *Server) serveStream(ctx context.Context, st transfer.Stream) {
	req := protocol.Envelope{MsgID: protocol.NewMsgID()}
	hdr, err := transfer.ReadHeader(st)
	if err != nil {
		s.reject(transportQUIC)
		s.logger.Warn("quic unit header refused", "error", err)
		transfer.WriteReply(st, protocol.Reply(req, protocol.Ack{}, err))
		return
	}

	ack := protocol.Ack{FileID: hdr.FileID, Index: hdr.Index}
	unit, err := s.store.Begin(hdr)
	if err != nil {
		// Drain so the sender reaches its reply read.
		transfer.ReadPayload(ctx, st, hdr, io.Discard)
		s.nackQUIC(st, req, ack, err)
		return
	}
	if _, err := transfer.ReadPayload(ctx, st, hdr, unit); err != nil {
		unit.Abort()
		s.nackQUIC(st, req, ack, err)
		return
	}
	got, err := unit.Commit()
	if err != nil {
		unit.Abort()
		s.nackQUIC(st, req, ack, err)
		return
	}
	s.received(transportQUIC, hdr)
	if err := transfer.WriteReply(st, protocol.Reply(req, got, nil)); err != nil {
		s.logger.Warn("quic reply failed", "file_id", hdr.FileID, "error", err)
	}
}

func (s *Server) nackQUIC(st transfer.Stream, req protocol.Envelope, ack protocol.Ack, cause error) {
	s.reject(transportQUIC)
	s.logger.Warn("quic unit rejected", "file_id", ack.FileID, "index", ack.Index, "error", cause)
	if err := transfer.WriteReply(st, protocol.Reply(req, ack, cause)); err != nil {
		s.logger.Warn("quic reply failed", "file_id", ack.FileID, "error", err)
	}
}
