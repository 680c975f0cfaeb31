package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/realtime-mux/internal/realtime"
	"github.com/rickgao/realtime-mux/internal/transport"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Transport.validate(); err != nil {
		return err
	}

	if c.Channels.InboxCapacity < 1 {
		return errors.New("channels.inbox_capacity must be >= 1")
	}
	if c.Channels.InboxLimit < 0 {
		return errors.New("channels.inbox_limit must be >= 0")
	}
	if c.Channels.ShutdownConcurrency < 1 {
		return errors.New("channels.shutdown_concurrency must be >= 1")
	}

	if c.Retry.BaseDelay <= 0 {
		return errors.New("retry.base_delay must be > 0")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay (%v) cannot be less than base_delay (%v)", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1), got %v", c.Retry.Jitter)
	}
	if c.Retry.MaxAttempts < 0 {
		return errors.New("retry.max_attempts must be >= 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	if c.Audit.Enabled {
		if err := c.Audit.Database.validate("audit.database"); err != nil {
			return err
		}
		if c.Audit.BatchSize < 1 {
			return errors.New("audit.batch_size must be >= 1")
		}
		if c.Audit.BufferSize < 1 {
			return errors.New("audit.buffer_size must be >= 1")
		}
	}

	for i, s := range c.Subscriptions {
		if err := realtime.ValidateChannelName(s.Channel); err != nil {
			return fmt.Errorf("subscriptions[%d].channel: %w", i, err)
		}
		if s.Subscribers < 1 {
			return fmt.Errorf("subscriptions[%d].subscribers must be >= 1", i)
		}
	}

	return nil
}

func (t *TransportConfig) validate() error {
	if t.URL == "" {
		return errors.New("transport.url is required")
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("transport.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("transport.url must use ws or wss, got %q", u.Scheme)
	}
	if _, err := transport.CodecByName(t.Codec); err != nil {
		return fmt.Errorf("transport.codec: %w", err)
	}
	if t.PingTimeout <= t.PingInterval {
		return fmt.Errorf("transport.ping_timeout (%v) must exceed ping_interval (%v)", t.PingTimeout, t.PingInterval)
	}
	if t.BufferSize < 1 {
		return errors.New("transport.buffer_size must be >= 1")
	}
	if t.Auth.Enabled() && t.Auth.PrivateKeyPath == "" {
		return errors.New("transport.auth.private_key_path is required when key_id is set")
	}
	if !t.Auth.Enabled() && t.Auth.PrivateKeyPath != "" {
		return errors.New("transport.auth.key_id is required when private_key_path is set")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
