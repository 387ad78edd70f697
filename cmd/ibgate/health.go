package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rickgao/ibgate/internal/connection"
	"github.com/rickgao/ibgate/internal/instrument"
)

// session is the part of the client the health endpoint reads.
type session interface {
	Status() connection.Status
	IsConnected() bool
}

type pinger interface {
	Ping(ctx context.Context) error
}

// newHealthHandler serves /health, /debug/instruments and metrics. db may be nil.
func newHealthHandler(sess session, registry instrument.Registry, db pinger, metricsHandler http.Handler, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Check gateway session
		status := sess.Status()
		health.Components["gateway"] = map[string]any{
			"status":    status.String(),
			"connected": sess.IsConnected(),
		}
		if !sess.IsConnected() {
			health.Status = "unhealthy"
		}

		// Check database
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				if health.Status == "healthy" {
					health.Status = "degraded"
				}
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		// Registry size
		health.Components["registry"] = map[string]any{
			"instruments": registry.Len(),
		}

		// Set response
		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/instruments", func(w http.ResponseWriter, r *http.Request) {
		all := registry.Instruments()

		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n >= 0 {
				limit = n
			}
		}
		shown := all
		if len(shown) > limit {
			shown = shown[:limit]
		}

		type entry struct {
			TickerID   int64  `json:"ticker_id"`
			Key        string `json:"key"`
			Downloaded bool   `json:"downloaded"`
			Pending    bool   `json:"pending"`
			Error      string `json:"error,omitempty"`
		}
		out := make([]entry, 0, len(shown))
		for _, inst := range shown {
			e := entry{
				TickerID:   int64(inst.TickerID),
				Key:        inst.Key,
				Downloaded: inst.Downloaded,
				Pending:    inst.Pending,
			}
			if inst.Err != nil {
				e.Error = inst.Err.Error()
			}
			out = append(out, e)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"count":       len(all),
			"showing":     len(out),
			"instruments": out,
		})
	})

	if metricsHandler != nil {
		mux.Handle(metricsPath, metricsHandler)
	}

	return mux
}
