// Package keystore stores and authenticates gateway API keys.
//
// Key material is never persisted in plaintext. At creation the plaintext
// (form tts_<64-hex>) is returned to the caller exactly once; the store keeps
// only its SHA-256 digest, used as an O(1) lookup index, plus the last eight
// characters so humans can tell keys apart in listings. The digest is an
// indexing hash, not a password hash — keys carry 256 bits of entropy, so no
// salt or work factor is needed.
//
// Two backends implement the same [Store] contract: a single JSON file with a
// serialised writer (the default) and PostgreSQL when a DATABASE_URL is
// configured and reachable at startup. See [New].
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// KeyPrefix is the plaintext prefix of every issued key.
const KeyPrefix = "tts_"

// SuffixLen is the number of trailing plaintext characters retained for
// human identification.
const SuffixLen = 8

// BootstrapID is the synthetic identifier of the master bootstrap admin key
// supplied via ADMIN_API_KEY. The identity is never persisted and the usage
// tracker filters this id on its write path.
const BootstrapID = "bootstrap-admin"

// Store errors. Backends return these (possibly wrapped) so callers can map
// them onto HTTP statuses.
var (
	ErrNotFound  = errors.New("keystore: key not found")
	ErrInactive  = errors.New("keystore: key is inactive")
	ErrExpired   = errors.New("keystore: key is expired")
	ErrImmutable = errors.New("keystore: field cannot be updated")
)

// RateLimit is the admission policy attached to a key.
type RateLimit struct {
	Requests int   `json:"requests"`
	WindowMS int64 `json:"windowMs"`
}

// Window returns the policy window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// ProviderPolicy is the per-key configuration for one synthesis provider.
type ProviderPolicy struct {
	// Enabled gates whether the key may route requests to this provider.
	Enabled bool `json:"enabled"`

	// UseCustomCredentials selects the key's own credentials over the
	// system-wide ones when constructing the provider adapter.
	UseCustomCredentials bool `json:"useCustomCredentials"`

	// CustomCredentials holds the key-scoped secret fields, if any.
	CustomCredentials map[string]string `json:"customCredentials,omitempty"`
}

// Key is one caller credential record.
type Key struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	IsAdmin      bool       `json:"isAdmin"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   time.Time  `json:"lastUsedAt,omitzero"`
	RequestCount int64      `json:"requestCount"`
	RateLimit    RateLimit  `json:"rateLimit"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`

	// Engines maps provider identifiers to per-key policies. A missing entry
	// means the provider is usable with system credentials.
	Engines map[string]ProviderPolicy `json:"engines,omitempty"`

	// AllowedVoices, when non-empty, restricts the key to the listed facade
	// voice ids.
	AllowedVoices []string `json:"allowedVoices,omitempty"`

	// Hash is the hex SHA-256 of the plaintext key. Cleared in listings.
	Hash string `json:"hash,omitempty"`

	// Suffix is the last eight characters of the plaintext.
	Suffix string `json:"suffix"`
}

// Redacted returns a copy of k safe for listing responses: the hash is
// cleared and custom credential values are dropped.
func (k Key) Redacted() Key {
	out := k
	out.Hash = ""
	if len(k.Engines) > 0 {
		engines := make(map[string]ProviderPolicy, len(k.Engines))
		for name, p := range k.Engines {
			p.CustomCredentials = nil
			engines[name] = p
		}
		out.Engines = engines
	}
	return out
}

// Usable reports whether the key authenticates at instant now.
func (k Key) Usable(now time.Time) error {
	if !k.Active {
		return ErrInactive
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// CreateParams are the caller-supplied attributes of a new key.
type CreateParams struct {
	Name          string
	IsAdmin       bool
	Active        bool
	RateLimit     RateLimit
	ExpiresAt     *time.Time
	AllowedVoices []string
}

// Patch is a partial update applied by [Store.Update]. Nil fields are left
// unchanged. There is deliberately no way to patch the hash or suffix.
type Patch struct {
	Name      *string
	Active    *bool
	IsAdmin   *bool
	RateLimit *RateLimit
	ExpiresAt *time.Time

	// ClearExpiresAt removes an existing expiry.
	ClearExpiresAt bool
}

// Store is the API-key repository contract shared by both backends.
// Implementations are safe for concurrent use.
type Store interface {
	// Create mints a new key and returns the stored record together with the
	// plaintext. The plaintext is not retained; this is the only moment it
	// exists server-side.
	Create(ctx context.Context, params CreateParams) (Key, string, error)

	// LookupByPlaintext resolves a presented key. Returns ErrNotFound for an
	// unknown key, ErrInactive or ErrExpired for a known but unusable one.
	LookupByPlaintext(ctx context.Context, plaintext string) (Key, error)

	// Get returns the record with the given id, including its engine config.
	Get(ctx context.Context, id string) (Key, error)

	// List returns redacted projections of every key.
	List(ctx context.Context) ([]Key, error)

	// Update applies patch to the record with the given id.
	Update(ctx context.Context, id string, patch Patch) (Key, error)

	// Delete removes the record with the given id.
	Delete(ctx context.Context, id string) error

	// GetEngineConfig returns the per-provider policies and voice allowlist.
	GetEngineConfig(ctx context.Context, id string) (map[string]ProviderPolicy, []string, error)

	// SetEngineConfig replaces the per-provider policies and, when
	// allowedVoices is non-nil, the voice allowlist.
	SetEngineConfig(ctx context.Context, id string, engines map[string]ProviderPolicy, allowedVoices []string) error

	// Touch updates the last-used instant and increments the request counter
	// atomically.
	Touch(ctx context.Context, id string) error

	// Close releases backend resources.
	Close()
}

// Generate mints a fresh plaintext key: the tts_ prefix followed by 32 bytes
// of cryptographic randomness in hex.
func Generate() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms; treat it as fatal.
		panic("keystore: crypto/rand: " + err.Error())
	}
	return KeyPrefix + hex.EncodeToString(buf[:])
}

// HashKey returns the hex SHA-256 digest of the UTF-8 plaintext.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Suffix returns the trailing characters of plaintext retained for display.
func Suffix(plaintext string) string {
	if len(plaintext) <= SuffixLen {
		return plaintext
	}
	return plaintext[len(plaintext)-SuffixLen:]
}

// Bootstrap returns the synthetic admin record for the master key supplied
// via the environment. It is read-only and never persisted.
func Bootstrap() Key {
	return Key{
		ID:      BootstrapID,
		Name:    "Bootstrap Admin",
		IsAdmin: true,
		Active:  true,
		RateLimit: RateLimit{
			Requests: 1000,
			WindowMS: time.Minute.Milliseconds(),
		},
	}
}
