package realtime

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the process-wide health of the shared transport.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("connection_state(%d)", int(s))
	}
}

// ChannelState is the lifecycle state of a ChannelHandle.
type ChannelState int

const (
	ChannelIdle ChannelState = iota
	ChannelJoining
	ChannelJoined
	ChannelErrored
	ChannelLeaving
)

func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelJoining:
		return "joining"
	case ChannelJoined:
		return "joined"
	case ChannelErrored:
		return "errored"
	case ChannelLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("channel_state(%d)", int(s))
	}
}

// Event is one inbound event delivered to a subscriber. Payload is shared
// between all subscribers of the channel and must not be modified.
type Event struct {
	Channel    string
	Type       string
	Payload    []byte
	Seq        uint64    // Per-channel delivery sequence, starting at 1
	ReceivedAt time.Time // When the transport read the frame
}

// SubscriberConfig holds a subscriber's callbacks.
type SubscriberConfig struct {
	// OnEvent is invoked for every inbound event that passes Filters.
	// Required.
	OnEvent func(Event)

	// OnError is invoked when the channel gives up joining
	// (ErrRetriesExhausted). Optional.
	OnError func(error)

	// Filters is an optional event-type allowlist. Empty means all events.
	Filters []string

	// OnClose runs once after the subscriber is removed and its last
	// callback has returned. Optional.
	OnClose func()
}

// NewSubscriberID returns a fresh random subscriber identity.
func NewSubscriberID() string {
	return uuid.NewString()
}

// Config configures a Registry.
type Config struct {
	// Retry backoff: delay = min(MaxDelay, BaseDelay * 2^min(n, BackoffCeiling))
	// with uniform ±Jitter.
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	BackoffCeiling int
	Jitter         float64

	// MaxAttempts > 0 stops retrying a channel after that many consecutive
	// failed joins, until the next reconnect. 0 retries forever.
	MaxAttempts int

	JoinTimeout  time.Duration
	LeaveTimeout time.Duration

	// Per-subscriber inbox sizing. InboxLimit 0 means unbounded.
	InboxCapacity int
	InboxLimit    int

	// Concurrent leaves during Shutdown.
	ShutdownConcurrency int
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		BackoffCeiling:      10,
		Jitter:              0.2,
		MaxAttempts:         0,
		JoinTimeout:         10 * time.Second,
		LeaveTimeout:        5 * time.Second,
		InboxCapacity:       16,
		InboxLimit:          1024,
		ShutdownConcurrency: 8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = d.BackoffCeiling
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = d.LeaveTimeout
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = d.InboxCapacity
	}
	if c.InboxLimit < 0 {
		c.InboxLimit = 0
	}
	if c.ShutdownConcurrency <= 0 {
		c.ShutdownConcurrency = d.ShutdownConcurrency
	}
	return c
}

// Stats is a snapshot of the registry.
type Stats struct {
	Connection     string         `json:"connection"`
	Channels       int            `json:"channels"`
	Leaving        int            `json:"leaving"`
	Subscribers    int            `json:"subscribers"`
	ByState        map[string]int `json:"by_state"`
	PendingRetries int            `json:"pending_retries"`
	Details        []ChannelInfo  `json:"details"`
}

// ChannelInfo describes one live channel.
type ChannelInfo struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Subscribers int    `json:"subscribers"`
	RetryCount  int    `json:"retry_count"`
	Seq         uint64 `json:"seq"`
	Deferred    bool   `json:"deferred,omitempty"`
	Exhausted   bool   `json:"exhausted,omitempty"`
	Dropped     int64  `json:"dropped"`
}
