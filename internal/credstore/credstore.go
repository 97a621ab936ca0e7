// Package credstore persists system-wide provider credentials as a single
// JSON document on disk.
//
// Reads through [Store.Masked] never expose secret values — every present
// field is replaced by a fixed-width sentinel. Raw values are available only
// via [Store.Raw], which the request pipeline uses to hand credentials to a
// provider adapter. Writes are atomic (write-to-temp then rename) so a crash
// never leaves a torn document behind.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
)

// Masked is the sentinel returned in place of every stored secret value.
const Masked = "********"

// FileName is the on-disk name of the credential document inside the data
// directory.
const FileName = "system-credentials.json"

// ErrNotFound is returned by [Store.Raw] when no credentials are stored for
// the requested provider.
var ErrNotFound = errors.New("credstore: no credentials for provider")

// Store holds the provider → fields credential document. All exported methods
// are safe for concurrent use; readers do not block each other.
type Store struct {
	path string

	mu    sync.RWMutex
	creds map[string]map[string]string
}

// Open loads (or initialises) the credential document under dataDir. A
// missing file yields an empty store; a malformed file is an error so that a
// corrupted secrets document is never silently discarded.
func Open(dataDir string) (*Store, error) {
	s := &Store{
		path:  filepath.Join(dataDir, FileName),
		creds: map[string]map[string]string{},
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(raw, &s.creds); err != nil {
		return nil, fmt.Errorf("credstore: parse %s: %w", s.path, err)
	}
	return s, nil
}

// Seed merges fields for providers that have no stored credentials yet.
// Values already present on disk win over seeds. Used at startup to import
// credentials supplied via environment variables.
func (s *Store) Seed(seed map[string]map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for provider, fields := range seed {
		if len(fields) == 0 {
			continue
		}
		if _, ok := s.creds[provider]; ok {
			continue
		}
		s.creds[provider] = maps.Clone(fields)
		changed = true
	}
	if !changed {
		return nil
	}
	return s.flushLocked()
}

// Set replaces the stored fields for provider and persists the document.
// An empty fields map removes the provider entry.
func (s *Store) Set(provider string, fields map[string]string) error {
	if provider == "" {
		return errors.New("credstore: provider must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(fields) == 0 {
		delete(s.creds, provider)
	} else {
		s.creds[provider] = maps.Clone(fields)
	}
	return s.flushLocked()
}

// Raw returns a copy of the stored secret fields for provider.
// Returns [ErrNotFound] when nothing is stored.
func (s *Store) Raw(provider string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.creds[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, provider)
	}
	return maps.Clone(fields), nil
}

// Masked returns the whole document with every value replaced by the [Masked]
// sentinel. Field presence is preserved so an admin UI can show which secrets
// are configured without ever seeing them.
func (s *Store) Masked() map[string]map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]string, len(s.creds))
	for provider, fields := range s.creds {
		masked := make(map[string]string, len(fields))
		for name, v := range fields {
			if v == "" {
				masked[name] = ""
			} else {
				masked[name] = Masked
			}
		}
		out[provider] = masked
	}
	return out
}

// Providers returns the provider identifiers that have stored credentials.
func (s *Store) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.creds))
	for p := range s.creds {
		out = append(out, p)
	}
	return out
}

// flushLocked writes the document atomically. Callers must hold mu.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: marshal: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("credstore: write %s: %w", s.path, err)
	}
	return nil
}
