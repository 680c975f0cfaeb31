package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/realtime-mux/internal/realtime"
	"github.com/rickgao/realtime-mux/internal/version"
)

// statusSource is the part of the registry the HTTP routes read.
type statusSource interface {
	ConnectionState() realtime.ConnectionState
	Stats() realtime.Stats
}

// pinger checks a dependency, e.g. the audit database pool.
type pinger interface {
	Ping(ctx context.Context) error
}

// newRouter creates the HTTP handler for health, metrics and debug routes.
// db may be nil when the audit sink is disabled.
func newRouter(reg statusSource, db pinger, metrics http.Handler, metricsPath string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Version    version.Info   `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		// Check connection
		state := reg.ConnectionState()
		health.Components["connection"] = state.String()
		if state != realtime.Connected {
			health.Status = "degraded"
		}

		// Check channels
		stats := reg.Stats()
		health.Components["channels"] = map[string]any{
			"total":           stats.Channels,
			"by_state":        stats.ByState,
			"pending_retries": stats.PendingRetries,
		}

		// Check audit database
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["audit_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["audit_db"] = "connected"
			}
		}

		writeJSON(w, health, health.Status == "unhealthy", logger)
	})

	r.Get("/debug/channels", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, reg.Stats(), false, logger)
	})

	// Channel names may contain slashes.
	r.Get("/debug/channels/*", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "*")
		for _, info := range reg.Stats().Details {
			if info.Name == name {
				writeJSON(w, info, false, logger)
				return
			}
		}
		http.Error(w, "channel not found", http.StatusNotFound)
	})

	if metrics != nil {
		r.Handle(metricsPath, metrics)
	}
	return r
}

func writeJSON(w http.ResponseWriter, v any, unavailable bool, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if unavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("write response failed", "error", err)
	}
}
