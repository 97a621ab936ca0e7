// Command openvoiceproxy is the TTS gateway server: an ElevenLabs-shaped
// REST API, a compact embedded-device API and a WebSocket streaming session,
// all dispatching to pluggable synthesis providers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openvoiceproxy/openvoiceproxy/internal/config"
	"github.com/openvoiceproxy/openvoiceproxy/internal/credstore"
	"github.com/openvoiceproxy/openvoiceproxy/internal/engine"
	"github.com/openvoiceproxy/openvoiceproxy/internal/httpapi"
	"github.com/openvoiceproxy/openvoiceproxy/internal/keystore"
	"github.com/openvoiceproxy/openvoiceproxy/internal/observe"
	"github.com/openvoiceproxy/openvoiceproxy/internal/ratelimit"
	"github.com/openvoiceproxy/openvoiceproxy/internal/stream"
	"github.com/openvoiceproxy/openvoiceproxy/internal/usage"
	"github.com/openvoiceproxy/openvoiceproxy/internal/voice"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts/azure"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts/elevenlabs"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts/espeak"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts/google"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts/mock"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts/openai"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts/piper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "openvoiceproxy: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("openvoiceproxy starting",
		"listen_addr", cfg.ListenAddr(),
		"data_dir", cfg.Server.DataDir,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "openvoiceproxy",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Persistence ───────────────────────────────────────────────────────────
	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		slog.Error("failed to create data directory", "dir", cfg.Server.DataDir, "err", err)
		return 1
	}

	keys, err := keystore.New(ctx, cfg.Keys.DatabaseURL, cfg.Server.DataDir)
	if err != nil {
		slog.Error("failed to open key store", "err", err)
		return 1
	}
	defer keys.Close()

	creds, err := credstore.Open(cfg.Server.DataDir)
	if err != nil {
		slog.Error("failed to open credential store", "err", err)
		return 1
	}
	if len(cfg.Credentials) > 0 {
		if err := creds.Seed(cfg.Credentials); err != nil {
			slog.Error("failed to seed credentials", "err", err)
			return 1
		}
	}

	tracker, err := usage.Open(cfg.Server.DataDir, usage.WithExcludedKeys(keystore.BootstrapID))
	if err != nil {
		slog.Error("failed to open usage log", "err", err)
		return 1
	}
	go tracker.Run(ctx)

	// ── Synthesis engines ─────────────────────────────────────────────────────
	registry := engine.New(creds)
	registerAdapters(registry, cfg)
	defer registry.Shutdown()

	statics := make([]voice.Static, 0, len(cfg.Synthesis.Voices))
	for _, v := range cfg.Synthesis.Voices {
		statics = append(statics, voice.Static{
			ID:       v.ID,
			Provider: v.Provider,
			NativeID: v.NativeID,
			Name:     v.Name,
			Language: v.Language,
			Gender:   v.Gender,
		})
	}
	resolver := voice.NewResolver(registry, statics)

	// ── HTTP server ───────────────────────────────────────────────────────────
	limiter := ratelimit.New()
	go limiter.Run(ctx)

	srv := httpapi.New(cfg, httpapi.Deps{
		Keys:     keys,
		Creds:    creds,
		Limiter:  limiter,
		Usage:    tracker,
		Registry: registry,
		Resolver: resolver,
		Metrics:  observe.DefaultMetrics(),
	})
	srv.SetSessionHandler(stream.NewHandler(stream.Deps{
		Auth:     srv.Authenticate,
		Resolver: resolver,
		Registry: registry,
		Limiter:  limiter,
		Usage:    tracker,
		Keys:     keys,
		Metrics:  observe.DefaultMetrics(),
	}, stream.Config{
		MaxTextLength:     cfg.Embedded.MaxTextLength,
		DefaultEngine:     cfg.Embedded.DefaultEngine,
		DefaultVoice:      cfg.Embedded.DefaultVoice,
		DefaultSampleRate: cfg.Embedded.DefaultSampleRate,
		ProviderTimeout:   cfg.Synthesis.ProviderTimeout,
		DefaultLimit: keystore.RateLimit{
			Requests: cfg.RateLimit.Requests,
			WindowMS: cfg.RateLimit.Window.Milliseconds(),
		},
	}))

	printStartupSummary(cfg, registry, creds)

	if err := srv.ListenAndServe(ctx, cfg.ListenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, draining")
	if err := tracker.Flush(); err != nil {
		slog.Warn("usage flush error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// registerAdapters wires every built-in synthesis provider factory into the
// registry. Adapters construct lazily from system or per-key credentials; a
// provider with no usable credentials simply fails construction and is
// reported unavailable.
func registerAdapters(registry *engine.Registry, cfg *config.Config) {
	timeout := cfg.Synthesis.ProviderTimeout

	registry.Register("espeak", func(creds map[string]string) (tts.Provider, error) {
		var opts []espeak.Option
		if bin := creds["binPath"]; bin != "" {
			opts = append(opts, espeak.WithBinary(bin))
		}
		return espeak.New(opts...), nil
	})

	registry.Register("piper", func(creds map[string]string) (tts.Provider, error) {
		var opts []piper.Option
		if bin := creds["binPath"]; bin != "" {
			opts = append(opts, piper.WithBinary(bin))
		}
		return piper.New(creds["modelPath"], opts...)
	})

	registry.Register("azure", func(creds map[string]string) (tts.Provider, error) {
		return azure.New(creds["apiKey"], creds["region"], azure.WithTimeout(timeout))
	})

	registry.Register("google", func(creds map[string]string) (tts.Provider, error) {
		return google.New(creds["apiKey"], google.WithTimeout(timeout))
	})

	registry.Register("openai", func(creds map[string]string) (tts.Provider, error) {
		return openai.New(creds["apiKey"], openai.WithTimeout(timeout))
	})

	registry.Register("elevenlabs", func(creds map[string]string) (tts.Provider, error) {
		return elevenlabs.New(creds["apiKey"], elevenlabs.WithTimeout(timeout))
	})

	registry.Register("mock", func(map[string]string) (tts.Provider, error) {
		return mock.New(), nil
	})
}

// ── Logging ───────────────────────────────────────────────────────────────────

// newLogger creates a slog text logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// printStartupSummary logs the surfaces and providers this process exposes.
func printStartupSummary(cfg *config.Config, registry *engine.Registry, creds *credstore.Store) {
	slog.Info("gateway ready",
		"providers", registry.Providers(),
		"credentialed", creds.Providers(),
		"default_engine", cfg.Embedded.DefaultEngine,
		"rate_limit", fmt.Sprintf("%d/%s", cfg.RateLimit.Requests, cfg.RateLimit.Window),
		"admin_key_set", cfg.Keys.AdminKey != "",
		"database", cfg.Keys.DatabaseURL != "",
	)
}
