package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

// Envelope wraps every control message exchanged over WebSocket and QUIC.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope of msgType. The payload is marshaled to JSON.
func NewEnvelope(msgType, msgID string, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	return Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		MsgID:   msgID,
		Payload: raw,
	}, nil
}

// DecodePayload unmarshals the envelope's payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ValidateBasic checks version, type and message id.
func (e Envelope) ValidateBasic() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", e.V, ProtocolVersion)
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if e.MsgID == "" {
		return errors.New("msg_id is required")
	}
	return nil
}

// NewMsgID returns a random message id.
func NewMsgID() string {
	return uuid.NewString()
}

// Reply builds the ack or nack envelope answering req. A nil err acks.
func Reply(req Envelope, ack Ack, err error) Envelope {
	if err != nil {
		env, _ := NewEnvelope(TypeUploadNack, req.MsgID, Nack{FileID: ack.FileID, Index: ack.Index, Message: err.Error()})
		return env
	}
	env, _ := NewEnvelope(TypeUploadAck, req.MsgID, ack)
	return env
}

// Result interprets an ack or nack envelope. A nack or an unexpected type
// becomes an error.
func Result(env Envelope) (Ack, error) {
	if err := env.ValidateBasic(); err != nil {
		return Ack{}, err
	}
	switch env.Type {
	case TypeUploadAck:
		var ack Ack
		if err := env.DecodePayload(&ack); err != nil {
			return Ack{}, err
		}
		return ack, nil
	case TypeUploadNack:
		var nack Nack
		if err := env.DecodePayload(&nack); err != nil {
			return Ack{}, err
		}
		return Ack{}, &NackError{Nack: nack}
	default:
		return Ack{}, fmt.Errorf("unexpected reply type %q", env.Type)
	}
}
