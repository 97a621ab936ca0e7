// Package config provides the configuration schema and loader for the
// openvoiceproxy gateway.
//
// Configuration is layered: an optional YAML file establishes the base values
// and environment variables override individual fields. Every knob has a
// sensible default so the gateway starts with no configuration at all
// (file-backed key store, mock synthesis engine, port 3000).
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the gateway.
// It is typically produced by [Load], which merges the optional YAML file with
// environment variable overrides.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Keys      KeysConfig      `yaml:"keys"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Embedded  EmbeddedConfig  `yaml:"embedded"`
	Synthesis SynthesisConfig `yaml:"synthesis"`

	// Credentials holds system-wide provider credentials seeded from the
	// environment (e.g. AZURE_SPEECH_KEY). Keys are provider identifiers,
	// values are named secret fields. These seed the credential store at
	// startup; values already present on disk win.
	Credentials map[string]map[string]string `yaml:"credentials"`
}

// ServerConfig holds network, logging and request-admission settings.
type ServerConfig struct {
	// Host is the bind address ("" binds all interfaces).
	Host string `yaml:"host"`

	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DataDir is the persistence root for the file-backed stores
	// (api-keys.json, system-credentials.json, usage-logs.json).
	DataDir string `yaml:"data_dir"`

	// MaxRequestSize is the request body ceiling in bytes.
	MaxRequestSize int64 `yaml:"max_request_size"`

	// CORSOrigin is the allowed cross-origin value ("*" by default).
	CORSOrigin string `yaml:"cors_origin"`

	// TrustProxy honours X-Forwarded-For when resolving client IPs.
	TrustProxy bool `yaml:"trust_proxy"`

	// AllowedIPs, when non-empty, restricts callers to the listed addresses.
	AllowedIPs []string `yaml:"allowed_ips"`

	// BlockedIPs lists addresses that always receive 403.
	BlockedIPs []string `yaml:"blocked_ips"`
}

// KeysConfig selects and parameterises the API-key repository.
type KeysConfig struct {
	// AdminKey is the master bootstrap admin identity supplied out-of-band.
	// It is accepted for any admin route and never persisted.
	AdminKey string `yaml:"admin_key"`

	// DatabaseURL selects the relational backend when set and reachable at
	// startup; otherwise the file backend under DataDir is used.
	DatabaseURL string `yaml:"database_url"`
}

// RateLimitConfig holds the default admission policy stamped onto new keys.
type RateLimitConfig struct {
	// Requests is the number of requests admitted per window.
	Requests int `yaml:"requests"`

	// Window is the sliding-window duration.
	Window time.Duration `yaml:"window"`
}

// EmbeddedConfig holds defaults for the compact device API (/api/...).
type EmbeddedConfig struct {
	// MaxTextLength caps text on the embedded path (devices have little RAM).
	MaxTextLength int `yaml:"max_text_length"`

	// DefaultEngine is used when a device request omits the engine.
	DefaultEngine string `yaml:"default_engine"`

	// DefaultVoice is used when a device request omits the voice.
	DefaultVoice string `yaml:"default_voice"`

	// DefaultSampleRate is used when a device request omits the sample rate.
	DefaultSampleRate int `yaml:"default_sample_rate"`
}

// SynthesisConfig tunes the synthesis request path.
type SynthesisConfig struct {
	// MaxTextLength caps text on the ElevenLabs-shaped paths.
	MaxTextLength int `yaml:"max_text_length"`

	// ProviderTimeout is the ceiling for a single provider call.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	// SilentMP3Fallback, when true, answers a mid-synthesis provider failure
	// on the plain TTS path with a tiny silent MP3 instead of a 5xx. Kept for
	// continuity with clients that cannot survive a failed fetch.
	SilentMP3Fallback bool `yaml:"silent_mp3_fallback"`

	// SynthesizedAlignment, when true, derives character timings from the
	// duration model on the with-timestamps path instead of returning null
	// alignment fields.
	SynthesizedAlignment bool `yaml:"synthesized_alignment"`

	// Voices pins arbitrary facade voice ids to provider-native voices,
	// bypassing the <provider>-<native-id> naming convention.
	Voices []StaticVoice `yaml:"voices"`
}

// StaticVoice is one configured facade voice with an arbitrary identifier.
type StaticVoice struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"`
	NativeID string `yaml:"native_id"`
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
	Gender   string `yaml:"gender"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "",
			Port:           3000,
			LogLevel:       LogInfo,
			DataDir:        "./data",
			MaxRequestSize: 1 << 20, // 1 MiB
			CORSOrigin:     "*",
		},
		RateLimit: RateLimitConfig{
			Requests: 100,
			Window:   time.Minute,
		},
		Embedded: EmbeddedConfig{
			MaxTextLength:     500,
			DefaultEngine:     "espeak",
			DefaultVoice:      "en",
			DefaultSampleRate: 22050,
		},
		Synthesis: SynthesisConfig{
			MaxTextLength:     5000,
			ProviderTimeout:   30 * time.Second,
			SilentMP3Fallback: true,
		},
		Credentials: map[string]map[string]string{},
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, fmt.Errorf("server.data_dir must not be empty"))
	}
	if cfg.RateLimit.Requests < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.requests must be at least 1, got %d", cfg.RateLimit.Requests))
	}
	if cfg.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive, got %v", cfg.RateLimit.Window))
	}
	if cfg.Embedded.MaxTextLength < 1 {
		errs = append(errs, fmt.Errorf("embedded.max_text_length must be at least 1, got %d", cfg.Embedded.MaxTextLength))
	}
	if cfg.Synthesis.MaxTextLength < 1 {
		errs = append(errs, fmt.Errorf("synthesis.max_text_length must be at least 1, got %d", cfg.Synthesis.MaxTextLength))
	}
	if cfg.Synthesis.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("synthesis.provider_timeout must be positive, got %v", cfg.Synthesis.ProviderTimeout))
	}

	return joinErrors(errs)
}

// ListenAddr returns the host:port pair the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := "config validation failed:"
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
