package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// staticHealth is a HealthLister returning a fixed map.
type staticHealth map[string]tts.Health

func (s staticHealth) ListHealth(ctx context.Context) map[string]tts.Health {
	return s
}

func TestHealth_AlwaysOK(t *testing.T) {
	h := New(staticHealth{})
	h.started = time.Now().Add(-90 * time.Second)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
	if body["service"] != ServiceName {
		t.Errorf("service field = %q", body["service"])
	}
	if body["timestamp"] == "" || body["uptime"] == "" {
		t.Errorf("missing timestamp/uptime: %v", body)
	}
}

func TestReady_OneHealthyAdapterSuffices(t *testing.T) {
	h := New(staticHealth{
		"espeak": {OK: false, Error: "binary missing"},
		"mock":   {OK: true, VoiceCount: 3},
	})

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body readyResult
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if len(body.Engines) != 2 {
		t.Errorf("engines = %d, want 2", len(body.Engines))
	}
}

func TestReady_AllUnhealthy(t *testing.T) {
	h := New(staticHealth{
		"espeak": {OK: false, Error: "binary missing"},
		"azure":  {OK: false, Error: "bad credentials"},
	})

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body readyResult
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
}

func TestReady_NoAdapters(t *testing.T) {
	h := New(staticHealth{})

	req := httptest.NewRequest("GET", "/ready", nil)
	rec := httptest.NewRecorder()
	h.Ready(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
