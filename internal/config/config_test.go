package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults should validate, got: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("default port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Embedded.MaxTextLength != 500 {
		t.Errorf("embedded max text = %d, want 500", cfg.Embedded.MaxTextLength)
	}
	if cfg.Synthesis.MaxTextLength != 5000 {
		t.Errorf("synthesis max text = %d, want 5000", cfg.Synthesis.MaxTextLength)
	}
	if !cfg.Synthesis.SilentMP3Fallback {
		t.Error("silent MP3 fallback should default on")
	}
	if cfg.Synthesis.SynthesizedAlignment {
		t.Error("synthesized alignment should default off")
	}
}

func TestLoadFromReader_OverridesDefaults(t *testing.T) {
	yml := `
server:
  port: 8080
  log_level: debug
rate_limit:
  requests: 5
  window: 30s
embedded:
  max_text_length: 200
  default_engine: mock
  default_voice: silence
  default_sample_rate: 16000
`
	cfg, err := LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.RateLimit.Requests != 5 || cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("rate limit = %d/%v, want 5/30s", cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	if cfg.Embedded.DefaultEngine != "mock" {
		t.Errorf("default engine = %q, want mock", cfg.Embedded.DefaultEngine)
	}
	// Untouched sections keep their defaults.
	if cfg.Synthesis.MaxTextLength != 5000 {
		t.Errorf("synthesis max text = %d, want default 5000", cfg.Synthesis.MaxTextLength)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  prot: 9\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Server.LogLevel = "loud"
	cfg.RateLimit.Requests = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server.port", "server.log_level", "rate_limit.requests"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing mention of %s", err, want)
		}
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ADMIN_API_KEY", "abc123")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "5000")
	t.Setenv("BLOCKED_IPS", "10.0.0.1, 10.0.0.2")
	t.Setenv("AZURE_SPEECH_KEY", "secret")
	t.Setenv("AZURE_SPEECH_REGION", "westeurope")

	cfg := Default()
	FromEnv(cfg)

	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Keys.AdminKey != "abc123" {
		t.Errorf("admin key = %q, want abc123", cfg.Keys.AdminKey)
	}
	if cfg.RateLimit.Window != 5*time.Second {
		t.Errorf("window = %v, want 5s", cfg.RateLimit.Window)
	}
	if len(cfg.Server.BlockedIPs) != 2 || cfg.Server.BlockedIPs[1] != "10.0.0.2" {
		t.Errorf("blocked IPs = %v", cfg.Server.BlockedIPs)
	}
	azure := cfg.Credentials["azure"]
	if azure["apiKey"] != "secret" || azure["region"] != "westeurope" {
		t.Errorf("azure credentials = %v", azure)
	}
}

func TestFromEnv_DataDirAliases(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/a")
	cfg := Default()
	FromEnv(cfg)
	if cfg.Server.DataDir != "/tmp/a" {
		t.Fatalf("data dir = %q, want /tmp/a", cfg.Server.DataDir)
	}

	// The project-prefixed variable wins over the generic one.
	t.Setenv("OPENVOICEPROXY_DATA_DIR", "/tmp/b")
	cfg = Default()
	FromEnv(cfg)
	if cfg.Server.DataDir != "/tmp/b" {
		t.Fatalf("data dir = %q, want /tmp/b", cfg.Server.DataDir)
	}
}
