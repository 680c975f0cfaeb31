package transport

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Control events. Any other event name is an application event.
const (
	EventJoin  = "join"
	EventLeave = "leave"
	EventReply = "reply"
	EventError = "error"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// IsControlEvent reports whether an event name is reserved by the protocol.
func IsControlEvent(event string) bool {
	switch event {
	case EventJoin, EventLeave, EventReply, EventError:
		return true
	}
	return false
}

// Envelope is a single protocol frame.
type Envelope struct {
	Ref     int64      `json:"ref,omitempty"` // Request/reply correlation (control events only)
	Topic   string     `json:"topic"`
	Event   string     `json:"event"`
	Payload RawPayload `json:"payload,omitempty"`
}

// Reply is the payload of a reply envelope.
type Reply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// RawPayload is an opaque payload. The JSON codec embeds it verbatim (it must
// be valid JSON); the CBOR codec carries it as a byte string.
type RawPayload []byte

// MarshalJSON returns the payload bytes unchanged.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(p) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return p, nil
}

// UnmarshalJSON keeps a copy of the raw payload bytes.
func (p *RawPayload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], data...)
	return nil
}

// Codec encodes envelopes and reply payloads for the wire.
type Codec interface {
	Name() string
	FrameType() int // websocket.TextMessage or websocket.BinaryMessage
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CodecByName returns the codec registered under name ("json" or "cbor").
// An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	}
}

// JSONCodec sends envelopes as JSON text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) FrameType() int                     { return websocket.TextMessage }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBORCodec sends envelopes as CBOR binary frames.
type CBORCodec struct{}

func (CBORCodec) Name() string                       { return "cbor" }
func (CBORCodec) FrameType() int                     { return websocket.BinaryMessage }
func (CBORCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (CBORCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }

// EncodeEnvelope encodes an envelope with the given codec.
func EncodeEnvelope(c Codec, env Envelope) ([]byte, error) {
	data, err := c.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Event, err)
	}
	return data, nil
}

// DecodeEnvelope decodes a frame into an envelope.
func DecodeEnvelope(c Codec, data []byte) (Envelope, error) {
	var env Envelope
	if err := c.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// NewReply builds a reply envelope for a request.
func NewReply(c Codec, req Envelope, status, reason string) (Envelope, error) {
	payload, err := c.Marshal(Reply{Status: status, Reason: reason})
	if err != nil {
		return Envelope{}, fmt.Errorf("encode reply: %w", err)
	}
	return Envelope{
		Ref:     req.Ref,
		Topic:   req.Topic,
		Event:   EventReply,
		Payload: payload,
	}, nil
}

// ParseReply decodes the payload of a reply envelope.
func ParseReply(c Codec, env Envelope) (Reply, error) {
	var r Reply
	if len(env.Payload) == 0 {
		return r, fmt.Errorf("reply %d: empty payload", env.Ref)
	}
	if err := c.Unmarshal(env.Payload, &r); err != nil {
		return r, fmt.Errorf("reply %d: %w", env.Ref, err)
	}
	return r, nil
}
