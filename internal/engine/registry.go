// Package engine maintains the registry of live TTS adapter instances.
//
// Adapters are created lazily and cached by (provider, credential
// fingerprint), so one adapter serves every request made with the same
// secrets while keys carrying custom credentials get their own instance.
// Construction is single-flight per fingerprint, and a failed construction
// is remembered for a short cool-down before another attempt is made.
//
// All methods are safe for concurrent use.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// DefaultCoolDown is how long a failed construction is remembered before the
// registry retries the factory.
const DefaultCoolDown = 30 * time.Second

// Factory constructs one adapter instance from a credential map. The map
// holds provider-specific fields (api keys, regions, binary paths).
type Factory func(creds map[string]string) (tts.Provider, error)

// CredentialSource supplies the system credentials used when a request does
// not carry its own.
type CredentialSource interface {
	Raw(provider string) (map[string]string, error)
}

// failure is one remembered construction failure.
type failure struct {
	err error
	at  time.Time
}

// Registry is the process-wide map of live adapters.
type Registry struct {
	factories map[string]Factory
	creds     CredentialSource
	coolDown  time.Duration
	nowFunc   func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	adapters map[string]tts.Provider
	failures map[string]failure
}

// Option is a functional option for Registry.
type Option func(*Registry)

// WithCoolDown overrides the construction failure cool-down.
func WithCoolDown(d time.Duration) Option {
	return func(r *Registry) {
		r.coolDown = d
	}
}

// withNowFunc overrides the clock. Used by tests.
func withNowFunc(now func() time.Time) Option {
	return func(r *Registry) {
		r.nowFunc = now
	}
}

// New creates an empty Registry drawing system credentials from creds.
func New(creds CredentialSource, opts ...Option) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		creds:     creds,
		coolDown:  DefaultCoolDown,
		nowFunc:   time.Now,
		adapters:  make(map[string]tts.Provider),
		failures:  make(map[string]failure),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs the factory for a provider name. Registering the same
// name twice replaces the factory but keeps cached adapters.
func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// Providers returns the registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the cached adapter for (provider, creds), constructing it on
// first use. A nil creds map selects the system credentials. Concurrent
// first-use calls for the same fingerprint share one construction, and a
// failed construction is returned from cache until the cool-down elapses.
func (r *Registry) Get(ctx context.Context, provider string, creds map[string]string) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown provider %q", provider)
	}

	if creds == nil {
		system, err := r.creds.Raw(provider)
		if err == nil {
			creds = system
		}
	}
	key := provider + "\x00" + Fingerprint(creds)

	r.mu.RLock()
	adapter, cached := r.adapters[key]
	fail, failed := r.failures[key]
	r.mu.RUnlock()
	if cached {
		return adapter, nil
	}
	if failed && r.nowFunc().Sub(fail.at) < r.coolDown {
		return nil, fail.err
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		// Re-check under the group: a racing call may have finished.
		r.mu.RLock()
		adapter, cached := r.adapters[key]
		r.mu.RUnlock()
		if cached {
			return adapter, nil
		}

		built, err := factory(creds)
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			err = fmt.Errorf("engine: construct %s: %w", provider, err)
			r.failures[key] = failure{err: err, at: r.nowFunc()}
			slog.Warn("adapter construction failed",
				"provider", provider,
				"error", err)
			return nil, err
		}
		delete(r.failures, key)
		r.adapters[key] = built
		slog.Info("adapter constructed", "provider", provider)
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(tts.Provider), nil
}

// ListHealth probes every registered provider with system credentials and
// returns the per-provider health map. Providers whose construction is in
// cool-down report the cached construction error.
func (r *Registry) ListHealth(ctx context.Context) map[string]tts.Health {
	out := make(map[string]tts.Health)
	for _, provider := range r.Providers() {
		adapter, err := r.Get(ctx, provider, nil)
		if err != nil {
			out[provider] = tts.Health{OK: false, Error: err.Error()}
			continue
		}
		out[provider] = adapter.HealthCheck(ctx)
	}
	return out
}

// Shutdown drains the registry, closing every adapter that holds resources.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, adapter := range r.adapters {
		if closer, ok := adapter.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				slog.Warn("adapter close failed", "key", key, "error", err)
			}
		}
		delete(r.adapters, key)
	}
	r.failures = make(map[string]failure)
}

// Fingerprint derives a stable identity for a credential map: the SHA-256
// of the sorted field names and values. Distinct secrets always map to
// distinct adapter instances.
func Fingerprint(creds map[string]string) string {
	if len(creds) == 0 {
		return "system-empty"
	}
	fields := make([]string, 0, len(creds))
	for k := range creds {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	h := sha256.New()
	for _, k := range fields {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(creds[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
