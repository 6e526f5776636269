package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/upflux/pkg/protocol"
)

const writeWait = 10 * time.Second

// wsUnit is the unit currently streaming on a WebSocket connection.
type wsUnit struct {
	begin protocol.Envelope
	hdr   protocol.UnitHeader
	unit  *Unit
	crc   hash.Hash32
	err   error
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSMessage)

	var writeMu sync.Mutex
	reply := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(env)
	}

	var cur *wsUnit
	defer func() {
		if cur != nil && cur.unit != nil {
			cur.unit.Abort()
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "error", err)
			}
			return
		}

		if messageType == websocket.BinaryMessage {
			if cur == nil {
				s.logger.Warn("websocket frame outside a unit", "bytes", len(message))
				continue
			}
			if cur.err == nil {
				cur.crc.Write(message)
				if _, err := cur.unit.Write(message); err != nil {
					cur.err = err
				}
			}
			continue
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid JSON envelope", "error", err)
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			s.logger.Warn("invalid envelope", "error", err)
			continue
		}

		switch env.Type {
		case protocol.TypeUploadBegin:
			if cur != nil && cur.unit != nil {
				cur.unit.Abort()
			}
			cur = s.beginWS(env)
		case protocol.TypeUploadEnd:
			if cur == nil || cur.begin.MsgID != env.MsgID {
				s.reject(transportWS)
				if err := reply(protocol.Reply(env, protocol.Ack{}, errors.New("upload.end without matching upload.begin"))); err != nil {
					return
				}
				continue
			}
			ack, err := s.endWS(cur, env)
			cur = nil
			if err != nil {
				s.logger.Warn("websocket unit rejected", "file_id", ack.FileID, "index", ack.Index, "error", err)
			}
			if err := reply(protocol.Reply(env, ack, err)); err != nil {
				return
			}
		default:
			s.logger.Warn("unexpected message type", "type", env.Type)
		}
	}
}

// beginWS opens the unit announced by env. A refused header is kept so the
// following frames are drained and the end message gets the nack.
func (s *Server) beginWS(env protocol.Envelope) *wsUnit {
	cur := &wsUnit{begin: env, crc: crc32.NewIEEE()}
	if err := env.DecodePayload(&cur.hdr); err != nil {
		cur.err = fmt.Errorf("%w: %w", ErrBadHeader, err)
		return cur
	}
	unit, err := s.store.Begin(cur.hdr)
	if err != nil {
		cur.err = err
		return cur
	}
	cur.unit = unit
	return cur
}

func (s *Server) endWS(cur *wsUnit, env protocol.Envelope) (protocol.Ack, error) {
	ack := protocol.Ack{FileID: cur.hdr.FileID, Index: cur.hdr.Index}
	fail := func(err error) (protocol.Ack, error) {
		if cur.unit != nil {
			cur.unit.Abort()
		}
		s.reject(transportWS)
		return ack, err
	}
	if cur.err != nil {
		return fail(cur.err)
	}
	var end protocol.UploadEnd
	if err := env.DecodePayload(&end); err != nil {
		return fail(err)
	}
	if end.Bytes != cur.unit.N() {
		return fail(fmt.Errorf("%w: sender counted %d bytes, received %d", ErrIncomplete, end.Bytes, cur.unit.N()))
	}
	if end.CRC32 != cur.crc.Sum32() {
		return fail(errors.New("crc32 mismatch"))
	}
	got, err := cur.unit.Commit()
	if err != nil {
		return fail(err)
	}
	s.received(transportWS, cur.hdr)
	return got, nil
}
