// Package wsclient speaks the upload protocol over a WebSocket connection.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/upflux/internal/bufpool"
	"github.com/sheerbytes/upflux/pkg/protocol"
)

const writeWait = 10 * time.Second

// Conn is one WebSocket connection to the sink. Writes are serialized.
type Conn struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
	once    sync.Once
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
	WriteBufferPool:  &sync.Pool{},
}

// Dial establishes a WebSocket connection. wsURL is the full ws:// or wss:// URL.
func Dial(ctx context.Context, wsURL string, header http.Header, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return &Conn{conn: conn, logger: logger}, nil
}

// Send writes an envelope as a text message.
func (c *Conn) Send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// SendBinary writes one payload frame.
func (c *Conn) SendBinary(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Receive reads the next text envelope, skipping other message types.
func (c *Conn) Receive(timeout time.Duration) (protocol.Envelope, error) {
	var env protocol.Envelope
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return env, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		return env, nil
	}
}

// Upload sends one unit: upload.begin, binary frames of frameSize bytes,
// upload.end with the byte count and CRC32, then waits for the ack.
// progress receives the payload bytes written so far.
func (c *Conn) Upload(ctx context.Context, hdr protocol.UnitHeader, body io.Reader, frameSize int, progress func(sent int64)) (protocol.Ack, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	begin, err := protocol.NewEnvelope(protocol.TypeUploadBegin, protocol.NewMsgID(), hdr)
	if err != nil {
		return protocol.Ack{}, err
	}
	if err := c.Send(begin); err != nil {
		return protocol.Ack{}, c.wrap(ctx, "send begin", err)
	}

	pool := bufpool.For(frameSize)
	buf := pool.Get()
	defer pool.Put(buf)

	h := crc32.NewIEEE()
	var sent int64
	for sent < hdr.Size {
		n, err := io.ReadFull(body, buf[:min(int64(len(buf)), hdr.Size-sent)])
		if n > 0 {
			h.Write(buf[:n])
			if werr := c.SendBinary(buf[:n]); werr != nil {
				return protocol.Ack{}, c.wrap(ctx, "send frame", werr)
			}
			sent += int64(n)
			if progress != nil {
				progress(sent)
			}
		}
		if err != nil {
			return protocol.Ack{}, fmt.Errorf("read payload after %d of %d bytes: %w", sent, hdr.Size, err)
		}
	}

	end, _ := protocol.NewEnvelope(protocol.TypeUploadEnd, begin.MsgID, protocol.UploadEnd{Bytes: sent, CRC32: h.Sum32()})
	if err := c.Send(end); err != nil {
		return protocol.Ack{}, c.wrap(ctx, "send end", err)
	}
	reply, err := c.Receive(0)
	if err != nil {
		return protocol.Ack{}, c.wrap(ctx, "read reply", err)
	}
	if reply.MsgID != begin.MsgID {
		return protocol.Ack{}, fmt.Errorf("reply for %s, want %s", reply.MsgID, begin.MsgID)
	}
	return protocol.Result(reply)
}

func (c *Conn) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close sends a close frame and closes the connection. It may be called
// concurrently with a running Upload, which then fails.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
