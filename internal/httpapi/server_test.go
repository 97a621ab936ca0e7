package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/openvoiceproxy/openvoiceproxy/internal/config"
	"github.com/openvoiceproxy/openvoiceproxy/internal/credstore"
	"github.com/openvoiceproxy/openvoiceproxy/internal/engine"
	"github.com/openvoiceproxy/openvoiceproxy/internal/keystore"
	"github.com/openvoiceproxy/openvoiceproxy/internal/observe"
	"github.com/openvoiceproxy/openvoiceproxy/internal/ratelimit"
	"github.com/openvoiceproxy/openvoiceproxy/internal/usage"
	"github.com/openvoiceproxy/openvoiceproxy/internal/voice"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts/mock"
)

const testAdminKey = "master-admin-secret"

type harness struct {
	srv   *Server
	ts    *httptest.Server
	keys  keystore.Store
	usage *usage.Tracker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Keys.AdminKey = testAdminKey
	cfg.Embedded.DefaultEngine = "mock"
	cfg.Embedded.DefaultVoice = "silence"
	cfg.Embedded.DefaultSampleRate = 16000
	cfg.Embedded.MaxTextLength = 500
	cfg.Synthesis.MaxTextLength = 5000

	keys, err := keystore.OpenFile(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(keys.Close)

	creds, err := credstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}

	registry := engine.New(creds)
	registry.Register("mock", func(map[string]string) (tts.Provider, error) {
		return mock.New(), nil
	})

	srv := New(cfg, Deps{
		Keys:     keys,
		Creds:    creds,
		Limiter:  ratelimit.New(),
		Usage:    usage.New(usage.WithExcludedKeys(keystore.BootstrapID)),
		Registry: registry,
		Resolver: voice.NewResolver(registry, nil),
		Metrics:  observe.DefaultMetrics(),
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{srv: srv, ts: ts, keys: keys, usage: srv.usage}
}

func (h *harness) do(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// mintKey creates a regular caller key directly through the store.
func (h *harness) mintKey(t *testing.T, limit keystore.RateLimit) string {
	t.Helper()
	_, plaintext, err := h.keys.Create(t.Context(), keystore.CreateParams{
		Name:      "test caller",
		Active:    true,
		RateLimit: limit,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return plaintext
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ---- auth ----

func TestMissingKeyRejected(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/v1/voices", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body errorBody
	decodeBody(t, resp, &body)
	if body.Error == "" || body.Timestamp == "" {
		t.Fatalf("error body incomplete: %+v", body)
	}
}

func TestUnknownKeyRejected(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/v1/voices", "tts_"+strings.Repeat("0", 64), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminSurfaceRequiresAdminKey(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodGet, "/admin/api/keys", caller, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestKeyInQueryParameter(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp, err := http.Get(h.ts.URL + "/v1/voices?api_key=" + caller)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// ---- admin key lifecycle ----

func TestBootstrapAdminListsEmptyKeys(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodGet, "/admin/api/keys", testAdminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Keys []keystore.Key `json:"keys"`
	}
	decodeBody(t, resp, &body)
	if body.Keys == nil || len(body.Keys) != 0 {
		t.Fatalf("keys = %#v, want present empty array", body.Keys)
	}
}

func TestCreateKeyReturnsPlaintextOnce(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/admin/api/keys", testAdminKey,
		map[string]any{"name": "device fleet"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body struct {
		Key       keystore.Key `json:"key"`
		Plaintext string       `json:"plaintext"`
	}
	decodeBody(t, resp, &body)

	if !regexp.MustCompile(`^tts_[0-9a-f]{64}$`).MatchString(body.Plaintext) {
		t.Fatalf("plaintext %q does not match expected shape", body.Plaintext)
	}
	if body.Key.Hash != "" {
		t.Fatal("hash leaked in creation response")
	}

	// The listed record never exposes the plaintext again.
	resp = h.do(t, http.MethodGet, "/admin/api/keys", testAdminKey, nil)
	var listed struct {
		Keys []keystore.Key `json:"keys"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(listed.Keys))
	}
	if listed.Keys[0].Hash != "" {
		t.Fatal("hash leaked in listing")
	}
}

func TestKeyUpdateAndDelete(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/admin/api/keys", testAdminKey,
		map[string]any{"name": "temp"})
	var created struct {
		Key keystore.Key `json:"key"`
	}
	decodeBody(t, resp, &created)

	resp = h.do(t, http.MethodPatch, "/admin/api/keys/"+created.Key.ID, testAdminKey,
		map[string]any{"active": false})
	var updated keystore.Key
	decodeBody(t, resp, &updated)
	if updated.Active {
		t.Fatal("key still active after patch")
	}

	resp = h.do(t, http.MethodDelete, "/admin/api/keys/"+created.Key.ID, testAdminKey, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	resp = h.do(t, http.MethodGet, "/admin/api/keys/"+created.Key.ID, testAdminKey, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", resp.StatusCode)
	}
}

// ---- rate limiting ----

func TestRateLimitExceeded(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 2, WindowMS: 60_000})

	for i := 0; i < 2; i++ {
		resp := h.do(t, http.MethodGet, "/v1/voices", caller, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, resp.StatusCode)
		}
	}

	resp := h.do(t, http.MethodGet, "/v1/voices", caller, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
	var body errorBody
	decodeBody(t, resp, &body)
	if body.Error != "Rate Limit Exceeded" {
		t.Fatalf("error = %q, want %q", body.Error, "Rate Limit Exceeded")
	}
}

// ---- /v1 surface ----

func TestListVoicesElevenLabsShape(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodGet, "/v1/voices", caller, nil)
	var body struct {
		Voices []map[string]json.RawMessage `json:"voices"`
	}
	decodeBody(t, resp, &body)
	if len(body.Voices) == 0 {
		t.Fatal("no voices listed")
	}

	v := body.Voices[0]
	for _, field := range []string{
		"voice_id", "name", "samples", "category", "fine_tuning", "labels",
		"description", "preview_url", "available_for_tiers", "settings",
		"sharing", "high_quality_base_model_ids",
	} {
		if _, ok := v[field]; !ok {
			t.Errorf("voice missing field %q", field)
		}
	}
	if string(v["samples"]) != "null" {
		t.Errorf("samples = %s, want null", v["samples"])
	}
	if string(v["category"]) != `"premade"` {
		t.Errorf("category = %s, want premade", v["category"])
	}
}

func TestTextToSpeechHappyPath(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodPost, "/v1/text-to-speech/mock-silence", caller,
		map[string]any{"text": "hello there"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("Content-Type = %q, want audio/mpeg", ct)
	}
}

func TestTextToSpeechUnknownVoice(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodPost, "/v1/text-to-speech/nosuchvoice", caller,
		map[string]any{"text": "hello"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var body errorBody
	decodeBody(t, resp, &body)
	if body.Error != "Voice not found" {
		t.Fatalf("error = %q, want %q", body.Error, "Voice not found")
	}
}

func TestTextToSpeechValidation(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	tests := []struct {
		name string
		body any
	}{
		{"empty text", map[string]any{"text": ""}},
		{"oversized text", map[string]any{"text": strings.Repeat("a", 5001)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, "/v1/text-to-speech/mock-silence", caller, tc.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestTextToSpeechPCMOutput(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodPost, "/v1/text-to-speech/mock-silence?output_format=pcm_24000", caller,
		map[string]any{"text": "hello"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/pcm" {
		t.Fatalf("Content-Type = %q, want audio/pcm", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if buf.Len() == 0 || buf.Len()%2 != 0 {
		t.Fatalf("body length = %d, want non-empty even byte count", buf.Len())
	}
}

func TestTimestampedResponseShape(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodPost, "/v1/text-to-speech/mock-silence/stream/with-timestamps", caller,
		map[string]any{"text": "Hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var frame map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if len(frame) != 3 {
		t.Fatalf("frame has %d keys, want exactly 3: %v", len(frame), frame)
	}
	for _, key := range []string{"audio_base64", "alignment", "normalized_alignment"} {
		if _, ok := frame[key]; !ok {
			t.Fatalf("frame missing key %q", key)
		}
	}

	var audioB64 string
	if err := json.Unmarshal(frame["audio_base64"], &audioB64); err != nil {
		t.Fatalf("audio_base64: %v", err)
	}
	audio, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil || len(audio) == 0 {
		t.Fatalf("audio_base64 decode: err=%v len=%d", err, len(audio))
	}

	// The mock adapter has no timings and synthesized alignment is off.
	if string(frame["alignment"]) != "null" || string(frame["normalized_alignment"]) != "null" {
		t.Fatalf("alignment = %s / %s, want null / null",
			frame["alignment"], frame["normalized_alignment"])
	}
}

func TestTimestampedLargeAudioSingleDocument(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	// Long text drives the mock audio well past one transfer chunk, so the
	// whole body must still parse as exactly one JSON object.
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 5)
	resp := h.do(t, http.MethodPost, "/v1/text-to-speech/mock-silence/stream/with-timestamps", caller,
		map[string]any{"text": text})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) <= tts.DefaultChunkSize {
		t.Fatalf("body is %d bytes, need more than one %d-byte chunk to exercise framing",
			len(body), tts.DefaultChunkSize)
	}

	var frame map[string]json.RawMessage
	if err := json.Unmarshal(body, &frame); err != nil {
		t.Fatalf("body is not a single JSON document: %v", err)
	}
	if len(frame) != 3 {
		t.Fatalf("frame has %d keys, want exactly 3", len(frame))
	}

	var audioB64 string
	if err := json.Unmarshal(frame["audio_base64"], &audioB64); err != nil {
		t.Fatalf("audio_base64: %v", err)
	}
	audio, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		t.Fatalf("audio_base64 decode: %v", err)
	}
	if len(audio) <= tts.DefaultChunkSize {
		t.Fatalf("decoded audio is %d bytes, want more than %d", len(audio), tts.DefaultChunkSize)
	}
}

// ---- embedded surface ----

func TestSpeakDefaultsAndHeaders(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodPost, "/api/speak", caller, map[string]any{"text": "hello"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := resp.Header.Get("X-Sample-Rate"); got != "16000" {
		t.Errorf("X-Sample-Rate = %q, want 16000", got)
	}
	if got := resp.Header.Get("X-Channels"); got != "1" {
		t.Errorf("X-Channels = %q, want 1", got)
	}
	if got := resp.Header.Get("X-Bits-Per-Sample"); got != "16" {
		t.Errorf("X-Bits-Per-Sample = %q, want 16", got)
	}
	if resp.Header.Get("X-Processing-Time-Ms") == "" {
		t.Error("missing X-Processing-Time-Ms")
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if buf.Len() == 0 || buf.Len()%2 != 0 {
		t.Fatalf("pcm16 body length = %d, want non-empty even byte count", buf.Len())
	}
}

func TestSpeakRejectsOversizedText(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodPost, "/api/speak", caller,
		map[string]any{"text": strings.Repeat("a", 501)})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEmbeddedVoicesAndEngines(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodGet, "/api/voices", caller, nil)
	var voices struct {
		Voices []embeddedVoice `json:"voices"`
		Count  int             `json:"count"`
	}
	decodeBody(t, resp, &voices)
	if voices.Count != len(voices.Voices) || voices.Count == 0 {
		t.Fatalf("count = %d, voices = %d", voices.Count, len(voices.Voices))
	}
	if voices.Voices[0].ID != "mock-silence" {
		t.Fatalf("voice id = %q, want mock-silence", voices.Voices[0].ID)
	}

	resp = h.do(t, http.MethodGet, "/api/engines", caller, nil)
	var engines struct {
		Engines []engineStatus `json:"engines"`
		Default string         `json:"default"`
	}
	decodeBody(t, resp, &engines)
	if engines.Default != "mock" {
		t.Fatalf("default = %q, want mock", engines.Default)
	}
	if len(engines.Engines) != 1 || !engines.Engines[0].Available {
		t.Fatalf("engines = %+v, want one available mock", engines.Engines)
	}
}

// ---- usage ----

func TestUsageRecordedPerRequest(t *testing.T) {
	h := newHarness(t)
	caller := h.mintKey(t, keystore.RateLimit{Requests: 100, WindowMS: 60_000})

	resp := h.do(t, http.MethodPost, "/v1/text-to-speech/mock-silence", caller,
		map[string]any{"text": "count me"})
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/admin/api/usage", testAdminKey, nil)
	var stats usage.Stats
	decodeBody(t, resp, &stats)
	if stats.TotalRequests != 1 {
		t.Fatalf("totalRequests = %d, want 1", stats.TotalRequests)
	}
	if stats.ByProvider["mock"] != 1 {
		t.Fatalf("byProvider[mock] = %d, want 1", stats.ByProvider["mock"])
	}
	if stats.Characters != int64(len("count me")) {
		t.Fatalf("characters = %d, want %d", stats.Characters, len("count me"))
	}
}

func TestBootstrapAdminExcludedFromUsage(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/text-to-speech/mock-silence", testAdminKey,
		map[string]any{"text": "admin run"})
	resp.Body.Close()

	resp = h.do(t, http.MethodGet, "/admin/api/usage", testAdminKey, nil)
	var stats usage.Stats
	decodeBody(t, resp, &stats)
	if stats.TotalRequests != 0 {
		t.Fatalf("totalRequests = %d, want 0 for excluded bootstrap admin", stats.TotalRequests)
	}
}

// ---- operational ----

func TestHealthAndMetricsOpen(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/health", "/ready", "/metrics", "/metrics/prometheus"} {
		resp := h.do(t, http.MethodGet, path, "", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}
