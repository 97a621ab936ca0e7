package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// KeysFileName is the on-disk name of the key document inside the data
// directory.
const KeysFileName = "api-keys.json"

// keysDocument is the JSON layout of the file backend.
type keysDocument struct {
	Keys []Key `json:"keys"`
}

// FileStore is the single-file [Store] backend. All records live in memory;
// every mutation is flushed atomically (write-to-temp then rename) under one
// writer mutex, so the file on disk is never torn.
type FileStore struct {
	path string

	mu      sync.RWMutex
	byID    map[string]*Key
	byHash  map[string]string // hash → id
	nowFunc func() time.Time
}

// Compile-time interface assertion.
var _ Store = (*FileStore)(nil)

// OpenFile loads (or initialises) the key document under dataDir.
func OpenFile(dataDir string) (*FileStore, error) {
	s := &FileStore{
		path:    filepath.Join(dataDir, KeysFileName),
		byID:    map[string]*Key{},
		byHash:  map[string]string{},
		nowFunc: time.Now,
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", s.path, err)
	}

	var doc keysDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", s.path, err)
	}
	for i := range doc.Keys {
		k := doc.Keys[i]
		s.byID[k.ID] = &k
		s.byHash[k.Hash] = k.ID
	}
	return s, nil
}

// Create mints a new key, persists it, and returns the record plus plaintext.
func (s *FileStore) Create(_ context.Context, params CreateParams) (Key, string, error) {
	plaintext := Generate()
	now := s.nowFunc().UTC()

	key := Key{
		ID:        uuid.NewString(),
		Name:      params.Name,
		IsAdmin:   params.IsAdmin,
		Active:    params.Active,
		CreatedAt: now,
		RateLimit: params.RateLimit,
		ExpiresAt: params.ExpiresAt,
		Hash:      HashKey(plaintext),
		Suffix:    Suffix(plaintext),
	}
	if len(params.AllowedVoices) > 0 {
		key.AllowedVoices = slices.Clone(params.AllowedVoices)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[key.ID] = &key
	s.byHash[key.Hash] = key.ID
	if err := s.flushLocked(); err != nil {
		delete(s.byID, key.ID)
		delete(s.byHash, key.Hash)
		return Key{}, "", err
	}
	return key, plaintext, nil
}

// LookupByPlaintext resolves a presented key by its hash index.
func (s *FileStore) LookupByPlaintext(_ context.Context, plaintext string) (Key, error) {
	hash := HashKey(plaintext)

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return Key{}, ErrNotFound
	}
	key := *s.byID[id]
	if err := key.Usable(s.nowFunc()); err != nil {
		return Key{}, err
	}
	return key, nil
}

// Get returns the record with the given id.
func (s *FileStore) Get(_ context.Context, id string) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byID[id]
	if !ok {
		return Key{}, ErrNotFound
	}
	return *k, nil
}

// List returns redacted projections sorted by creation time.
func (s *FileStore) List(_ context.Context) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Key, 0, len(s.byID))
	for _, k := range s.byID {
		out = append(out, k.Redacted())
	}
	slices.SortFunc(out, func(a, b Key) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// Update applies patch to the record with the given id.
func (s *FileStore) Update(_ context.Context, id string, patch Patch) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.byID[id]
	if !ok {
		return Key{}, ErrNotFound
	}

	prev := *k
	applyPatch(k, patch)
	if err := s.flushLocked(); err != nil {
		*k = prev
		return Key{}, err
	}
	return *k, nil
}

// Delete removes the record with the given id.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	delete(s.byHash, k.Hash)
	if err := s.flushLocked(); err != nil {
		s.byID[id] = k
		s.byHash[k.Hash] = id
		return err
	}
	return nil
}

// GetEngineConfig returns the per-provider policies and voice allowlist.
func (s *FileStore) GetEngineConfig(_ context.Context, id string) (map[string]ProviderPolicy, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byID[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return maps.Clone(k.Engines), slices.Clone(k.AllowedVoices), nil
}

// SetEngineConfig replaces the per-provider policies and optionally the
// allowlist.
func (s *FileStore) SetEngineConfig(_ context.Context, id string, engines map[string]ProviderPolicy, allowedVoices []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	prev := *k
	k.Engines = maps.Clone(engines)
	if allowedVoices != nil {
		k.AllowedVoices = slices.Clone(allowedVoices)
	}
	if err := s.flushLocked(); err != nil {
		*k = prev
		return err
	}
	return nil
}

// Touch updates last-used and the request counter. The write is flushed so a
// restart does not lose accounting, still under the single writer mutex.
func (s *FileStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	k.LastUsedAt = s.nowFunc().UTC()
	k.RequestCount++
	return s.flushLocked()
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() {}

// applyPatch mutates k in place. Hash and suffix are not reachable from
// [Patch] by construction.
func applyPatch(k *Key, patch Patch) {
	if patch.Name != nil {
		k.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Active != nil {
		k.Active = *patch.Active
	}
	if patch.IsAdmin != nil {
		k.IsAdmin = *patch.IsAdmin
	}
	if patch.RateLimit != nil {
		k.RateLimit = *patch.RateLimit
	}
	if patch.ClearExpiresAt {
		k.ExpiresAt = nil
	} else if patch.ExpiresAt != nil {
		t := *patch.ExpiresAt
		k.ExpiresAt = &t
	}
}

// flushLocked writes the document atomically. Callers must hold mu.
func (s *FileStore) flushLocked() error {
	doc := keysDocument{Keys: make([]Key, 0, len(s.byID))}
	for _, k := range s.byID {
		doc.Keys = append(doc.Keys, *k)
	}
	slices.SortFunc(doc.Keys, func(a, b Key) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	return nil
}
