// Package health serves liveness and readiness checks.
package health

import (
	"net/http"

	json "github.com/goccy/go-json"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessReporter is satisfied by the location store.
type ReadinessReporter interface {
	Loaded() bool
	Stale() bool
}

// Readiness is ready once location data is available, fetched or warmed from
// a snapshot. Stale data still counts as ready.
func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status string `json:"status"`
			Stale  bool   `json:"stale,omitempty"`
		}
		out := resp{Status: "not_ready"}
		ready := rr.Loaded()
		if ready {
			out.Status = "ready"
			out.Stale = rr.Stale()
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
