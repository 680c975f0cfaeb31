package config

import "time"

// Config is the root configuration for a realtimed instance.
type Config struct {
	Instance      InstanceConfig       `yaml:"instance"`
	Transport     TransportConfig      `yaml:"transport"`
	Channels      ChannelsConfig       `yaml:"channels"`
	Retry         RetryConfig          `yaml:"retry"`
	Logging       LoggingConfig        `yaml:"logging"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Audit         AuditConfig          `yaml:"audit"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id" env:"ID"`
}

// TransportConfig holds the WebSocket transport settings.
type TransportConfig struct {
	URL              string            `yaml:"url"               env:"URL"`
	Codec            string            `yaml:"codec"             env:"CODEC"` // json or cbor
	Headers          map[string]string `yaml:"headers"           env:"HEADERS"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	PingInterval     time.Duration     `yaml:"ping_interval"     env:"PING_INTERVAL"`
	PingTimeout      time.Duration     `yaml:"ping_timeout"      env:"PING_TIMEOUT"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	RequestTimeout   time.Duration     `yaml:"request_timeout"   env:"REQUEST_TIMEOUT"`
	BufferSize       int               `yaml:"buffer_size"       env:"BUFFER_SIZE"`

	// Socket redial backoff, separate from channel retries.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay" env:"RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"  env:"RECONNECT_MAX_DELAY"`

	Auth AuthConfig `yaml:"auth" envPrefix:"AUTH_"`
}

// AuthConfig enables signed handshakes. Leave KeyID empty to dial unsigned.
type AuthConfig struct {
	KeyID          string `yaml:"key_id"           env:"KEY_ID"`
	PrivateKeyPath string `yaml:"private_key_path" env:"PRIVATE_KEY_PATH"`
	HeaderPrefix   string `yaml:"header_prefix"    env:"HEADER_PREFIX"`
}

// Enabled reports whether handshakes should be signed.
func (a AuthConfig) Enabled() bool {
	return a.KeyID != ""
}

// ChannelsConfig holds per-channel and per-subscriber settings.
type ChannelsConfig struct {
	JoinTimeout         time.Duration `yaml:"join_timeout"         env:"JOIN_TIMEOUT"`
	LeaveTimeout        time.Duration `yaml:"leave_timeout"        env:"LEAVE_TIMEOUT"`
	InboxCapacity       int           `yaml:"inbox_capacity"       env:"INBOX_CAPACITY"`
	InboxLimit          int           `yaml:"inbox_limit"          env:"INBOX_LIMIT"`
	ShutdownConcurrency int           `yaml:"shutdown_concurrency" env:"SHUTDOWN_CONCURRENCY"`
}

// RetryConfig holds the channel rejoin backoff.
type RetryConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay"      env:"BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"max_delay"       env:"MAX_DELAY"`
	BackoffCeiling int           `yaml:"backoff_ceiling" env:"BACKOFF_CEILING"`
	Jitter         float64       `yaml:"jitter"          env:"JITTER"`
	MaxAttempts    int           `yaml:"max_attempts"    env:"MAX_ATTEMPTS"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`  // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text or json
}

// MetricsConfig holds the HTTP listener for metrics, health and debug routes.
type MetricsConfig struct {
	Port int    `yaml:"port" env:"PORT"`
	Path string `yaml:"path" env:"PATH"`
}

// AuditConfig holds the optional Postgres lifecycle audit sink.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"        env:"ENABLED"`
	Database      DBConfig      `yaml:"database"       envPrefix:"DB_"`
	BatchSize     int           `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int           `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"      env:"HOST"`
	Port     int    `yaml:"port"      env:"PORT"`
	Name     string `yaml:"name"      env:"NAME"`
	User     string `yaml:"user"      env:"USER"`
	Password string `yaml:"password"  env:"PASSWORD"`
	SSLMode  string `yaml:"ssl_mode"  env:"SSL_MODE"`
	MaxConns int    `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns int    `yaml:"min_conns" env:"MIN_CONNS"`
}

// SubscriptionConfig declares channels realtimed subscribes to at startup.
type SubscriptionConfig struct {
	Channel     string   `yaml:"channel"`
	Filters     []string `yaml:"filters"`
	Subscribers int      `yaml:"subscribers"` // identities sharing the channel
}
