// realtimed keeps a set of realtime channels subscribed over one WebSocket
// connection and exposes their state over HTTP.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/realtime-mux/internal/audit"
	"github.com/rickgao/realtime-mux/internal/auth"
	"github.com/rickgao/realtime-mux/internal/config"
	"github.com/rickgao/realtime-mux/internal/database"
	"github.com/rickgao/realtime-mux/internal/logging"
	"github.com/rickgao/realtime-mux/internal/metrics"
	"github.com/rickgao/realtime-mux/internal/realtime"
	"github.com/rickgao/realtime-mux/internal/transport"
	"github.com/rickgao/realtime-mux/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flags := pflag.NewFlagSet("realtimed", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "configs/realtimed.yaml", "path to config file (empty: RTMUX_* environment only)")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println("realtimed", version.String())
		return nil
	}

	// Load configuration
	var (
		cfg *config.Config
		err error
	)
	if configPath == "" {
		cfg, err = config.FromEnv()
	} else {
		cfg, err = config.LoadAndValidate(configPath)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging
	logger, err := logging.New(cfg.Logging, cfg.Instance.ID, os.Stdout)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	slog.SetDefault(logger)

	logger.Info("starting realtimed",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"url", cfg.Transport.URL,
		"codec", cfg.Transport.Codec,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Metrics
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(promReg)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}
	observers := []realtime.Observer{collector}

	// Optional audit sink
	var (
		pool        *pgxpool.Pool
		auditWriter *audit.Writer
	)
	if cfg.Audit.Enabled {
		db := cfg.Audit.Database
		logger.Info("connecting to audit database", "host", db.Host, "port", db.Port, "database", db.Name)

		pool, err = database.Connect(ctx, db, "realtimed-"+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect audit database: %w", err)
		}
		defer pool.Close()

		if err := audit.EnsureSchema(ctx, pool); err != nil {
			return err
		}

		auditWriter = audit.NewWriter(audit.Config{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
			BufferSize:    cfg.Audit.BufferSize,
		}, pool, logger)
		if err := auditWriter.Start(ctx); err != nil {
			return fmt.Errorf("start audit writer: %w", err)
		}
		observers = append(observers, auditWriter)
	}

	// Transport and registry
	tcfg, err := cfg.ToTransportConfig()
	if err != nil {
		return err
	}
	if a := cfg.Transport.Auth; a.Enabled() {
		signer, err := auth.LoadSigner(a.KeyID, a.PrivateKeyPath, a.HeaderPrefix)
		if err != nil {
			return fmt.Errorf("load handshake signer: %w", err)
		}
		if tcfg.HeaderFunc, err = signer.HandshakeFunc(tcfg.URL); err != nil {
			return err
		}
		logger.Info("signed handshakes enabled", "key_id", a.KeyID)
	}
	ws := transport.NewWebSocket(tcfg, logger)
	registry := realtime.NewRegistry(cfg.ToRegistryConfig(), ws, logger,
		realtime.WithObserver(realtime.Observers(observers...)),
	)

	// The transport outlives ctx so Shutdown can still send leaves.
	if err := registry.Start(context.Background()); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	subscribed := subscribe(registry, cfg.Subscriptions, logger)

	// HTTP server
	var health pinger
	if pool != nil {
		health = pool
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newRouter(registry, health, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}), cfg.Metrics.Path, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("realtimed running",
		"instance_id", cfg.Instance.ID,
		"subscribers", subscribed,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := registry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("registry shutdown incomplete", "error", err)
		}
		if auditWriter != nil {
			auditWriter.Stop(shutdownCtx)
		}
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("realtimed stopped")
	return err
}

// subscribe registers the configured subscriptions, each subscriber with a
// fresh identity. It returns the number registered.
func subscribe(reg *realtime.Registry, subs []config.SubscriptionConfig, logger *slog.Logger) int {
	n := 0
	for _, sc := range subs {
		for i := 0; i < sc.Subscribers; i++ {
			id := realtime.NewSubscriberID()
			sublog := logger.With("channel", sc.Channel, "subscriber", id)

			err := reg.Subscribe(sc.Channel, id, realtime.SubscriberConfig{
				Filters: sc.Filters,
				OnEvent: func(e realtime.Event) {
					sublog.Debug("event received", "event", e.Type, "seq", e.Seq, "bytes", len(e.Payload))
				},
				OnError: func(err error) {
					sublog.Warn("subscription error", "error", err)
				},
			})
			if err != nil {
				sublog.Error("subscribe failed", "error", err)
				continue
			}
			n++
		}
	}
	return n
}
