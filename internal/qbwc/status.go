package qbwc

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const probeTimeout = 5 * time.Second

// Prober checks the downstream webhook is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// HealthHandler reports live sessions and webhook reachability. An unreachable
// webhook is reported but does not fail the check, deliveries retry on their own.
func HealthHandler(handler *Handler, prober Prober, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		checks := map[string]any{
			"sessions": handler.SessionCount(ctx),
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		if err := prober.Probe(probeCtx); err != nil {
			msg := err.Error()
			if len(msg) > 50 {
				msg = msg[:50]
			}
			checks["webhook"] = "unreachable: " + msg
		} else {
			checks["webhook"] = "reachable"
		}

		writeJSON(ctx, w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"version":   version,
			"checks":    checks,
		})
	}
}

// RootHandler describes the service.
func RootHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSON(r.Context(), w, http.StatusNotFound, map[string]string{"error": "Not found"})
			return
		}

		writeJSON(r.Context(), w, http.StatusOK, map[string]any{
			"service": "QuickBooks Web Connector bridge",
			"version": version,
			"endpoints": map[string]string{
				"/qbwc":   "QBWC protocol endpoint",
				"/health": "Health check endpoint",
			},
		})
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to write JSON response")
	}
}
