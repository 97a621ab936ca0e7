package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration. When path is non-empty the YAML
// file at path is read first; environment variables then override individual
// fields. The result is validated before being returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	FromEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// FromEnv overrides cfg fields from the process environment. Unset variables
// leave the corresponding field untouched.
func FromEnv(cfg *Config) {
	envString("HOST", &cfg.Server.Host)
	envInt("PORT", &cfg.Server.Port)
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	envString("DATA_DIR", &cfg.Server.DataDir)
	envString("OPENVOICEPROXY_DATA_DIR", &cfg.Server.DataDir)
	envInt64("MAX_REQUEST_SIZE", &cfg.Server.MaxRequestSize)
	envString("CORS_ORIGIN", &cfg.Server.CORSOrigin)
	envBool("TRUST_PROXY", &cfg.Server.TrustProxy)
	envList("ALLOWED_IPS", &cfg.Server.AllowedIPs)
	envList("BLOCKED_IPS", &cfg.Server.BlockedIPs)

	envString("ADMIN_API_KEY", &cfg.Keys.AdminKey)
	envString("DATABASE_URL", &cfg.Keys.DatabaseURL)

	envInt("RATE_LIMIT_REQUESTS", &cfg.RateLimit.Requests)
	envMillis("RATE_LIMIT_WINDOW_MS", &cfg.RateLimit.Window)

	envInt("ESP32_MAX_TEXT_LENGTH", &cfg.Embedded.MaxTextLength)
	envString("ESP32_DEFAULT_ENGINE", &cfg.Embedded.DefaultEngine)
	envString("ESP32_DEFAULT_VOICE", &cfg.Embedded.DefaultVoice)
	envInt("ESP32_DEFAULT_SAMPLE_RATE", &cfg.Embedded.DefaultSampleRate)

	envInt("MAX_TEXT_LENGTH", &cfg.Synthesis.MaxTextLength)
	envMillis("PROVIDER_TIMEOUT_MS", &cfg.Synthesis.ProviderTimeout)
	envBool("SILENT_MP3_FALLBACK", &cfg.Synthesis.SilentMP3Fallback)
	envBool("SYNTH_ALIGNMENT", &cfg.Synthesis.SynthesizedAlignment)

	seedCredentialsFromEnv(cfg)
}

// credentialEnvVars maps provider identifiers to the environment variables
// that seed their system credentials. The inner map key is the named secret
// field inside the credential document.
var credentialEnvVars = map[string]map[string]string{
	"azure": {
		"apiKey": "AZURE_SPEECH_KEY",
		"region": "AZURE_SPEECH_REGION",
	},
	"google": {
		"apiKey": "GOOGLE_TTS_API_KEY",
	},
	"openai": {
		"apiKey": "OPENAI_API_KEY",
	},
	"elevenlabs": {
		"apiKey": "ELEVENLABS_API_KEY",
	},
	"piper": {
		"binPath":   "PIPER_BIN",
		"modelPath": "PIPER_MODEL",
	},
	"espeak": {
		"binPath": "ESPEAK_BIN",
	},
}

func seedCredentialsFromEnv(cfg *Config) {
	if cfg.Credentials == nil {
		cfg.Credentials = map[string]map[string]string{}
	}
	for provider, fields := range credentialEnvVars {
		for field, envVar := range fields {
			v, ok := os.LookupEnv(envVar)
			if !ok || v == "" {
				continue
			}
			if cfg.Credentials[provider] == nil {
				cfg.Credentials[provider] = map[string]string{}
			}
			cfg.Credentials[provider][field] = v
		}
	}
}

// ---- env helpers ----

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envMillis(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

func envList(name string, dst *[]string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
