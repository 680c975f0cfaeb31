package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrTimeout          = errors.New("operation timeout")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrRejected         = errors.New("request rejected")
	ErrNotJoined        = errors.New("channel not joined")
	ErrConnectionLost   = errors.New("connection lost")
	ErrRevoked          = errors.New("channel revoked by server")
	ErrReservedEvent    = errors.New("reserved event type")
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Transport is the socket collaborator the channel registry multiplexes over.
// One Transport carries every logical channel of the process.
type Transport interface {
	// Connect starts the connection. Connectivity is reported on Signals.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and stops reconnecting.
	Disconnect() error

	// Signals reports connectivity changes.
	Signals() <-chan Signal

	// Messages delivers inbound channel events and per-channel errors,
	// in the order they were received.
	Messages() <-chan Message

	// JoinChannel asks the server to join a channel and waits for the reply.
	JoinChannel(ctx context.Context, name string) error

	// LeaveChannel releases a channel.
	LeaveChannel(ctx context.Context, name string) error

	// SendOnChannel pushes an event to a joined channel.
	SendOnChannel(ctx context.Context, name, eventType string, payload []byte) error
}

// Signal is a transport connectivity change.
type Signal int

const (
	SignalConnecting Signal = iota
	SignalOpen
	SignalClosed
	SignalError
)

func (s Signal) String() string {
	switch s {
	case SignalConnecting:
		return "connecting"
	case SignalOpen:
		return "open"
	case SignalClosed:
		return "closed"
	case SignalError:
		return "error"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Message is an inbound item for one channel. When Err is set the channel
// was lost (socket drop, server revoke) and Type/Payload are empty.
type Message struct {
	Channel    string
	Type       string
	Payload    []byte
	Err        error
	ReceivedAt time.Time // Local timestamp when the frame was read
}

// ReplyError is a negative reply to a join or leave request.
type ReplyError struct {
	Channel string
	Event   string
	Reason  string
}

func (e *ReplyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s %s: rejected", e.Event, e.Channel)
	}
	return fmt.Sprintf("%s %s: rejected: %s", e.Event, e.Channel, e.Reason)
}

func (e *ReplyError) Unwrap() error { return ErrRejected }

// ChannelError reports a server-side error or revoke for a channel.
type ChannelError struct {
	Channel string
	Reason  string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s revoked: %s", e.Channel, e.Reason)
}

func (e *ChannelError) Unwrap() error { return ErrRevoked }
