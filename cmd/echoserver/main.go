// echoserver runs an in-process channel server for local development. It
// accepts joins for every topic, echoes client events back to the channel
// and can publish a heartbeat event on a fixed set of topics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"

	"github.com/rickgao/realtime-mux/internal/transport"
	"github.com/rickgao/realtime-mux/internal/transport/wstest"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr      string
		path      string
		codecName string
		tick      time.Duration
		topics    []string
		reject    []string
		debug     bool
	)
	flags := pflag.NewFlagSet("echoserver", pflag.ContinueOnError)
	flags.StringVar(&addr, "addr", ":4000", "listen address")
	flags.StringVar(&path, "path", "/socket", "websocket path")
	flags.StringVar(&codecName, "codec", "json", "frame codec: json or cbor")
	flags.DurationVar(&tick, "tick", 0, "publish a tick event on --topic every interval (0 disables)")
	flags.StringSliceVar(&topics, "topic", []string{"chat:1"}, "topics that receive tick events")
	flags.StringSliceVar(&reject, "reject", nil, "topics whose joins are refused")
	flags.BoolVar(&debug, "debug", false, "debug logging")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	codec, err := transport.CodecByName(codecName)
	if err != nil {
		return err
	}

	srv := wstest.NewServer(codec, logger)
	srv.SetEcho(true)
	for _, topic := range reject {
		srv.Reject(topic, "forbidden")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(path, srv)
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprintf(w, "connections %d\n", srv.Connections())
		for _, topic := range topics {
			fmt.Fprintf(w, "members{topic=%q} %d\n", topic, srv.Members(topic))
		}
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if tick > 0 {
		go publish(ctx, srv, topics, tick, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("echo server listening", "addr", addr, "path", path, "codec", codec.Name())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.DropConnections()
	return httpServer.Shutdown(shutdownCtx)
}

// publish broadcasts a numbered tick event on every topic.
func publish(ctx context.Context, srv *wstest.Server, topics []string, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n++
			payload := fmt.Sprintf(`{"n":%d,"at":%q}`, n, now.UTC().Format(time.RFC3339Nano))
			for _, topic := range topics {
				sent := srv.Broadcast(topic, "tick", []byte(payload))
				logger.Debug("tick published", "topic", topic, "n", n, "members", sent)
			}
		}
	}
}
