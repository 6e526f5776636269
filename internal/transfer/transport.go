// Package transfer frames upload units onto byte streams and defines the
// stream abstractions shared by the QUIC adapter and the sink.
package transfer

import (
	"context"
	"io"
)

// Dialer opens connections to a receiver.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener accepts connections from senders.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Conn carries any number of concurrent streams.
type Conn interface {
	// OpenStream opens a new bidirectional stream to the remote side.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream waits for a stream opened by the remote side.
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error
}

// Stream is a bidirectional byte stream. One stream carries one unit.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}
