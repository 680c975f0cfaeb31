package realtime

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Errors
var (
	// Programming errors, returned by Subscribe.
	ErrInvalidChannelName = errors.New("invalid channel name")
	ErrInvalidSubscriber  = errors.New("invalid subscriber id")
	ErrMissingConfig      = errors.New("subscriber config requires OnEvent")
	ErrRegistryClosed     = errors.New("registry closed")

	// Channel errors.
	ErrJoinRejected         = errors.New("join rejected")
	ErrChannelNotReady      = errors.New("channel not ready")
	ErrSubscriberCallback   = errors.New("subscriber callback failed")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrRetriesExhausted     = errors.New("join retries exhausted")
)

// MaxChannelNameLength bounds channel names.
const MaxChannelNameLength = 200

// CallbackError is a recovered subscriber callback panic.
type CallbackError struct {
	Channel    string
	Subscriber string
	Value      any
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("subscriber %s on %s: callback panicked: %v", e.Subscriber, e.Channel, e.Value)
}

func (e *CallbackError) Unwrap() error { return ErrSubscriberCallback }

// ValidateChannelName checks that name is usable as a channel name:
// non-empty, valid UTF-8, at most MaxChannelNameLength bytes and free of
// whitespace and control characters.
func ValidateChannelName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidChannelName)
	}
	if len(name) > MaxChannelNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidChannelName, MaxChannelNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidChannelName)
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains whitespace or control characters", ErrInvalidChannelName, name)
		}
	}
	return nil
}

func validateSubscriber(id string, cfg SubscriberConfig) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSubscriber)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrInvalidSubscriber, id)
		}
	}
	if cfg.OnEvent == nil {
		return ErrMissingConfig
	}
	return nil
}
