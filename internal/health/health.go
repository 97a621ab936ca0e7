// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /health — liveness probe; always returns 200 OK with service metadata.
//   - /ready  — readiness probe; returns 200 only when at least one synthesis
//     adapter reports healthy.
//
// Responses are JSON objects with a top-level "status" field.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// checkTimeout is the maximum time a readiness probe may take before the
// context is cancelled.
const checkTimeout = 5 * time.Second

// ServiceName is the value of the "service" field in health responses.
const ServiceName = "openvoiceproxy"

// HealthLister reports per-provider adapter health.
type HealthLister interface {
	ListHealth(ctx context.Context) map[string]tts.Health
}

// healthResult is the JSON response body for /health.
type healthResult struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
}

// readyResult is the JSON response body for /ready.
type readyResult struct {
	Status  string                `json:"status"`
	Engines map[string]tts.Health `json:"engines"`
}

// Handler serves the /health and /ready endpoints. It is safe for concurrent
// use.
type Handler struct {
	engines HealthLister
	started time.Time
	nowFunc func() time.Time
}

// New creates a [Handler] probing adapter health through engines.
func New(engines HealthLister) *Handler {
	return &Handler{
		engines: engines,
		started: time.Now(),
		nowFunc: time.Now,
	}
}

// Health is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	now := h.nowFunc()
	writeJSON(w, http.StatusOK, healthResult{
		Status:    "ok",
		Service:   ServiceName,
		Timestamp: now.UTC().Format(time.RFC3339),
		Uptime:    now.Sub(h.started).Round(time.Second).String(),
	})
}

// Ready is a readiness probe that returns 200 when at least one adapter
// reports healthy, 503 otherwise. The probe runs under a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	engines := h.engines.ListHealth(ctx)
	anyOK := false
	for _, eh := range engines {
		if eh.OK {
			anyOK = true
			break
		}
	}

	res := readyResult{Status: "ok", Engines: engines}
	status := http.StatusOK
	if !anyOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
