// streamtest subscribes to one or more realtime channels and prints every
// event to the console.
// Usage: go run ./cmd/streamtest --url ws://localhost:4000/socket --channel chat:1
//
// Signed handshakes are enabled with --key-id and --key-path.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rickgao/realtime-mux/internal/auth"
	"github.com/rickgao/realtime-mux/internal/realtime"
	"github.com/rickgao/realtime-mux/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		url        string
		codecName  string
		channels   []string
		filters    []string
		keyID      string
		keyPath    string
		verbose    bool
		statsEvery time.Duration
	)
	flags := pflag.NewFlagSet("streamtest", pflag.ContinueOnError)
	flags.StringVar(&url, "url", "ws://localhost:4000/socket", "websocket URL")
	flags.StringVar(&codecName, "codec", "json", "frame codec: json or cbor")
	flags.StringSliceVarP(&channels, "channel", "C", []string{"chat:1"}, "channels to subscribe")
	flags.StringSliceVarP(&filters, "filter", "f", nil, "only print these event types")
	flags.StringVar(&keyID, "key-id", "", "handshake signing key ID")
	flags.StringVar(&keyPath, "key-path", "", "handshake signing private key (PEM)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "print full payloads")
	flags.DurationVar(&statsEvery, "stats", 10*time.Second, "stats interval (0 disables)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	codec, err := transport.CodecByName(codecName)
	if err != nil {
		return err
	}
	tcfg := transport.DefaultConfig()
	tcfg.URL = url
	tcfg.Codec = codec
	if keyID != "" {
		signer, err := auth.LoadSigner(keyID, keyPath, "")
		if err != nil {
			return err
		}
		if tcfg.HeaderFunc, err = signer.HandshakeFunc(url); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := realtime.NewRegistry(realtime.DefaultConfig(), transport.NewWebSocket(tcfg, logger), logger)
	registry.OnConnectionStateChange(func(old, new realtime.ConnectionState) {
		logger.Info("connection", "from", old, "to", new)
	})
	if err := registry.Start(context.Background()); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	var received atomic.Int64
	p := &printer{out: os.Stdout, verbose: verbose}
	for _, name := range channels {
		err := registry.Subscribe(name, realtime.NewSubscriberID(), realtime.SubscriberConfig{
			Filters: filters,
			OnEvent: func(e realtime.Event) {
				received.Add(1)
				p.print(e)
			},
			OnError: func(err error) {
				logger.Warn("channel error", "channel", name, "error", err)
			},
		})
		if err != nil {
			logger.Error("subscribe failed", "channel", name, "error", err)
		}
	}

	if statsEvery > 0 {
		go func() {
			ticker := time.NewTicker(statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					st := registry.Stats()
					logger.Info("stats",
						"connection", st.Connection,
						"channels", st.Channels,
						"by_state", st.ByState,
						"pending_retries", st.PendingRetries,
						"received", received.Load(),
					)
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return registry.Shutdown(shutdownCtx)
}

type printer struct {
	out     *os.File
	verbose bool
}

func (p *printer) print(e realtime.Event) {
	ts := e.ReceivedAt.Format("15:04:05.000")
	if !p.verbose {
		fmt.Fprintf(p.out, "%s %-20s %-16s seq=%d bytes=%d\n", ts, e.Channel, e.Type, e.Seq, len(e.Payload))
		return
	}

	var buf bytes.Buffer
	if json.Indent(&buf, e.Payload, "  ", "  ") != nil {
		buf.Reset()
		fmt.Fprintf(&buf, "%q", e.Payload)
	}
	fmt.Fprintf(p.out, "%s %s %s seq=%d\n  %s\n", ts, e.Channel, e.Type, e.Seq, buf.String())
}
