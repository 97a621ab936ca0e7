// Package voice resolves facade voice identifiers to provider adapters.
//
// A facade id canonically has the form <provider>-<native-voice-id>; a small
// configured set of static voices may use arbitrary identifiers. Resolution
// also enforces the caller key's per-provider policy: disabled providers and
// allowlist misses are rejected before any adapter is touched.
package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openvoiceproxy/openvoiceproxy/internal/engine"
	"github.com/openvoiceproxy/openvoiceproxy/internal/keystore"
	"github.com/openvoiceproxy/openvoiceproxy/pkg/provider/tts"
)

// Typed resolution failures. Handlers map these onto HTTP statuses.
var (
	ErrNotFound    = errors.New("voice: not found")
	ErrForbidden   = errors.New("voice: forbidden")
	ErrUnavailable = errors.New("voice: provider unavailable")
)

// Static is one pre-configured facade voice with an arbitrary identifier.
type Static struct {
	ID       string
	Provider string
	NativeID string
	Name     string
	Language string
	Gender   string
}

// Binding is a fully resolved voice: the adapter to invoke plus the
// provider-native voice id to pass it.
type Binding struct {
	FacadeID string
	Provider string
	NativeID string
	Adapter  tts.Provider
}

// Resolver maps facade voice ids onto registry-backed bindings.
type Resolver struct {
	registry *engine.Registry
	static   map[string]Static
}

// NewResolver builds a Resolver over the registry with the given static
// voice set.
func NewResolver(registry *engine.Registry, statics []Static) *Resolver {
	static := make(map[string]Static, len(statics))
	for _, s := range statics {
		static[s.ID] = s
	}
	return &Resolver{registry: registry, static: static}
}

// Resolve runs the resolution algorithm for one request:
//
//  1. A static mapping wins outright.
//  2. Otherwise the id splits on the first dash into provider and native id.
//  3. The key's engine policy may disable the provider.
//  4. The key's allowlist, when present, must contain the facade id.
//  5. The adapter comes from the registry, using the key's custom
//     credentials when its policy selects them.
func (r *Resolver) Resolve(ctx context.Context, facadeID string, key keystore.Key) (*Binding, error) {
	provider, nativeID, static := "", "", false
	if s, ok := r.static[facadeID]; ok {
		provider, nativeID, static = s.Provider, s.NativeID, true
	} else {
		var found bool
		provider, nativeID, found = strings.Cut(facadeID, "-")
		if !found || provider == "" || nativeID == "" {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, facadeID)
		}
	}

	if !static {
		if policy, ok := key.Engines[provider]; ok && !policy.Enabled {
			return nil, fmt.Errorf("%w: provider %s disabled for key", ErrForbidden, provider)
		}
		if len(key.AllowedVoices) > 0 && !contains(key.AllowedVoices, facadeID) {
			return nil, fmt.Errorf("%w: voice %q not in allowlist", ErrForbidden, facadeID)
		}
	}

	var creds map[string]string
	if policy, ok := key.Engines[provider]; ok && policy.UseCustomCredentials {
		creds = policy.CustomCredentials
	}

	adapter, err := r.registry.Get(ctx, provider, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Binding{
		FacadeID: facadeID,
		Provider: provider,
		NativeID: nativeID,
		Adapter:  adapter,
	}, nil
}

// Facade is one externally visible voice descriptor.
type Facade struct {
	ID        string
	Name      string
	Provider  string
	Languages []string
	Locale    string
	Gender    string
}

// Catalogue lists the facade voices visible to a key: every voice of every
// provider the key may use (filtered to one provider when engineFilter is
// non-empty), plus the static voices. Providers that fail to list are
// skipped so one broken backend does not blank the catalogue.
func (r *Resolver) Catalogue(ctx context.Context, key keystore.Key, engineFilter string) []Facade {
	var out []Facade
	for _, provider := range r.registry.Providers() {
		if engineFilter != "" && provider != engineFilter {
			continue
		}
		if policy, ok := key.Engines[provider]; ok && !policy.Enabled {
			continue
		}
		adapter, err := r.registry.Get(ctx, provider, nil)
		if err != nil {
			continue
		}
		voices, err := adapter.ListVoices(ctx)
		if err != nil {
			continue
		}
		for _, v := range voices {
			facadeID := provider + "-" + v.ID
			if len(key.AllowedVoices) > 0 && !contains(key.AllowedVoices, facadeID) {
				continue
			}
			out = append(out, Facade{
				ID:        facadeID,
				Name:      v.Name,
				Provider:  provider,
				Languages: v.Languages,
				Locale:    v.Locale,
				Gender:    v.Gender,
			})
		}
	}
	if engineFilter == "" {
		for _, s := range r.static {
			if len(key.AllowedVoices) > 0 && !contains(key.AllowedVoices, s.ID) {
				continue
			}
			facade := Facade{ID: s.ID, Name: s.Name, Provider: s.Provider, Gender: s.Gender}
			if s.Language != "" {
				facade.Languages = []string{s.Language}
			}
			out = append(out, facade)
		}
	}
	return out
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
