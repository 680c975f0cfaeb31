package config

import (
	"net/http"

	"github.com/rickgao/realtime-mux/internal/realtime"
	"github.com/rickgao/realtime-mux/internal/transport"
)

// ToRegistryConfig maps the channels and retry sections onto the registry.
func (c *Config) ToRegistryConfig() realtime.Config {
	return realtime.Config{
		BaseDelay:           c.Retry.BaseDelay,
		MaxDelay:            c.Retry.MaxDelay,
		BackoffCeiling:      c.Retry.BackoffCeiling,
		Jitter:              c.Retry.Jitter,
		MaxAttempts:         c.Retry.MaxAttempts,
		JoinTimeout:         c.Channels.JoinTimeout,
		LeaveTimeout:        c.Channels.LeaveTimeout,
		InboxCapacity:       c.Channels.InboxCapacity,
		InboxLimit:          c.Channels.InboxLimit,
		ShutdownConcurrency: c.Channels.ShutdownConcurrency,
	}
}

// ToTransportConfig maps the transport section onto the WebSocket transport.
func (c *Config) ToTransportConfig() (transport.Config, error) {
	codec, err := transport.CodecByName(c.Transport.Codec)
	if err != nil {
		return transport.Config{}, err
	}

	var header http.Header
	if len(c.Transport.Headers) > 0 {
		header = make(http.Header, len(c.Transport.Headers))
		for k, v := range c.Transport.Headers {
			header.Set(k, v)
		}
	}

	return transport.Config{
		URL:                c.Transport.URL,
		Header:             header,
		Codec:              codec,
		HandshakeTimeout:   c.Transport.HandshakeTimeout,
		PingInterval:       c.Transport.PingInterval,
		PingTimeout:        c.Transport.PingTimeout,
		WriteTimeout:       c.Transport.WriteTimeout,
		RequestTimeout:     c.Transport.RequestTimeout,
		BufferSize:         c.Transport.BufferSize,
		ReconnectBaseDelay: c.Transport.ReconnectBaseDelay,
		ReconnectMaxDelay:  c.Transport.ReconnectMaxDelay,
	}, nil
}
