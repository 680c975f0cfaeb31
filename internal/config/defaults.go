package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultCodec               = "json"
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultPingInterval        = 30 * time.Second
	DefaultPingTimeout         = 90 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultRequestTimeout      = 10 * time.Second
	DefaultTransportBuffer     = 1000
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 30 * time.Second
	DefaultJoinTimeout         = 10 * time.Second
	DefaultLeaveTimeout        = 5 * time.Second
	DefaultInboxCapacity       = 16
	DefaultInboxLimit          = 1024
	DefaultShutdownConcurrency = 8
	DefaultRetryBaseDelay      = 1 * time.Second
	DefaultRetryMaxDelay       = 30 * time.Second
	DefaultBackoffCeiling      = 10
	DefaultJitter              = 0.2
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultMetricsPort         = 9090
	DefaultMetricsPath         = "/metrics"
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 4
	DefaultMinConns            = 1
	DefaultAuditBatchSize      = 500
	DefaultAuditFlushInterval  = 1 * time.Second
	DefaultAuditBufferSize     = 10000
	DefaultSubscribers         = 1
)

func (c *Config) applyDefaults() {
	// Transport defaults
	t := &c.Transport
	if t.Codec == "" {
		t.Codec = DefaultCodec
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if t.PingInterval == 0 {
		t.PingInterval = DefaultPingInterval
	}
	if t.PingTimeout == 0 {
		t.PingTimeout = DefaultPingTimeout
	}
	if t.WriteTimeout == 0 {
		t.WriteTimeout = DefaultWriteTimeout
	}
	if t.RequestTimeout == 0 {
		t.RequestTimeout = DefaultRequestTimeout
	}
	if t.BufferSize == 0 {
		t.BufferSize = DefaultTransportBuffer
	}
	if t.ReconnectBaseDelay == 0 {
		t.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if t.ReconnectMaxDelay == 0 {
		t.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Channel defaults
	if c.Channels.JoinTimeout == 0 {
		c.Channels.JoinTimeout = DefaultJoinTimeout
	}
	if c.Channels.LeaveTimeout == 0 {
		c.Channels.LeaveTimeout = DefaultLeaveTimeout
	}
	if c.Channels.InboxCapacity == 0 {
		c.Channels.InboxCapacity = DefaultInboxCapacity
	}
	if c.Channels.InboxLimit == 0 {
		c.Channels.InboxLimit = DefaultInboxLimit
	}
	if c.Channels.ShutdownConcurrency == 0 {
		c.Channels.ShutdownConcurrency = DefaultShutdownConcurrency
	}

	// Retry defaults
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.Retry.BackoffCeiling == 0 {
		c.Retry.BackoffCeiling = DefaultBackoffCeiling
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = DefaultJitter
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Audit defaults
	applyDBDefaults(&c.Audit.Database)
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = DefaultAuditBatchSize
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = DefaultAuditFlushInterval
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = DefaultAuditBufferSize
	}

	for i := range c.Subscriptions {
		if c.Subscriptions[i].Subscribers == 0 {
			c.Subscriptions[i].Subscribers = DefaultSubscribers
		}
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
