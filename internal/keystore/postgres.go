package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the relational [Store] backend built on a pgx pool.
type PostgresStore struct {
	pool    *pgxpool.Pool
	nowFunc func() time.Time
}

// Compile-time interface assertion.
var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to the database at databaseURL, verifies reachability
// and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("keystore: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("keystore: ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, nowFunc: time.Now}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_used_at TIMESTAMPTZ,
			request_count BIGINT NOT NULL DEFAULT 0,
			rate_limit_requests INT NOT NULL,
			rate_limit_window_ms BIGINT NOT NULL,
			expires_at TIMESTAMPTZ,
			engines JSONB,
			allowed_voices JSONB,
			key_hash TEXT NOT NULL UNIQUE,
			key_suffix TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys (key_hash);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("keystore: init schema: %w", err)
		}
	}
	return nil
}

const keyColumns = `id, name, is_admin, active, created_at, last_used_at,
	request_count, rate_limit_requests, rate_limit_window_ms, expires_at,
	engines, allowed_voices, key_hash, key_suffix`

func scanKey(row pgx.Row) (Key, error) {
	var (
		k           Key
		lastUsed    *time.Time
		enginesJSON []byte
		voicesJSON  []byte
	)
	err := row.Scan(&k.ID, &k.Name, &k.IsAdmin, &k.Active, &k.CreatedAt,
		&lastUsed, &k.RequestCount, &k.RateLimit.Requests, &k.RateLimit.WindowMS,
		&k.ExpiresAt, &enginesJSON, &voicesJSON, &k.Hash, &k.Suffix)
	if errors.Is(err, pgx.ErrNoRows) {
		return Key{}, ErrNotFound
	}
	if err != nil {
		return Key{}, fmt.Errorf("keystore: scan: %w", err)
	}
	if lastUsed != nil {
		k.LastUsedAt = *lastUsed
	}
	if len(enginesJSON) > 0 {
		if err := json.Unmarshal(enginesJSON, &k.Engines); err != nil {
			return Key{}, fmt.Errorf("keystore: decode engines: %w", err)
		}
	}
	if len(voicesJSON) > 0 {
		if err := json.Unmarshal(voicesJSON, &k.AllowedVoices); err != nil {
			return Key{}, fmt.Errorf("keystore: decode allowed voices: %w", err)
		}
	}
	return k, nil
}

// Create mints a new key, persists it, and returns the record plus plaintext.
func (s *PostgresStore) Create(ctx context.Context, params CreateParams) (Key, string, error) {
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
	key.AllowedVoices = params.AllowedVoices

	voicesJSON, err := marshalOrNil(key.AllowedVoices)
	if err != nil {
		return Key{}, "", err
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO api_keys
		(id, name, is_admin, active, created_at, request_count,
		 rate_limit_requests, rate_limit_window_ms, expires_at,
		 allowed_voices, key_hash, key_suffix)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,$8,$9,$10,$11)`,
		key.ID, key.Name, key.IsAdmin, key.Active, key.CreatedAt,
		key.RateLimit.Requests, key.RateLimit.WindowMS, key.ExpiresAt,
		voicesJSON, key.Hash, key.Suffix)
	if err != nil {
		return Key{}, "", fmt.Errorf("keystore: insert: %w", err)
	}
	return key, plaintext, nil
}

// LookupByPlaintext resolves a presented key by its indexed hash.
func (s *PostgresStore) LookupByPlaintext(ctx context.Context, plaintext string) (Key, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, HashKey(plaintext))
	key, err := scanKey(row)
	if err != nil {
		return Key{}, err
	}
	if err := key.Usable(s.nowFunc()); err != nil {
		return Key{}, err
	}
	return key, nil
}

// Get returns the record with the given id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Key, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanKey(row)
}

// List returns redacted projections sorted by creation time.
func (s *PostgresStore) List(ctx context.Context) ([]Key, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keyColumns+` FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("keystore: list: %w", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key.Redacted())
	}
	if out == nil {
		out = []Key{}
	}
	return out, rows.Err()
}

// Update applies patch to the record with the given id.
func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch) (Key, error) {
	key, err := s.Get(ctx, id)
	if err != nil {
		return Key{}, err
	}
	applyPatch(&key, patch)

	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET
		name = $2, active = $3, is_admin = $4,
		rate_limit_requests = $5, rate_limit_window_ms = $6, expires_at = $7
		WHERE id = $1`,
		id, key.Name, key.Active, key.IsAdmin,
		key.RateLimit.Requests, key.RateLimit.WindowMS, key.ExpiresAt)
	if err != nil {
		return Key{}, fmt.Errorf("keystore: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Key{}, ErrNotFound
	}
	return key, nil
}

// Delete removes the record with the given id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("keystore: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEngineConfig returns the per-provider policies and voice allowlist.
func (s *PostgresStore) GetEngineConfig(ctx context.Context, id string) (map[string]ProviderPolicy, []string, error) {
	key, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return key.Engines, key.AllowedVoices, nil
}

// SetEngineConfig replaces the per-provider policies and optionally the
// allowlist.
func (s *PostgresStore) SetEngineConfig(ctx context.Context, id string, engines map[string]ProviderPolicy, allowedVoices []string) error {
	enginesJSON, err := marshalOrNil(engines)
	if err != nil {
		return err
	}

	query := `UPDATE api_keys SET engines = $2 WHERE id = $1`
	args := []any{id, enginesJSON}
	if allowedVoices != nil {
		voicesJSON, err := marshalOrNil(allowedVoices)
		if err != nil {
			return err
		}
		query = `UPDATE api_keys SET engines = $2, allowed_voices = $3 WHERE id = $1`
		args = append(args, voicesJSON)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("keystore: set engine config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch updates last-used and the request counter in one statement.
func (s *PostgresStore) Touch(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET
		last_used_at = now(), request_count = request_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("keystore: touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func marshalOrNil(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]ProviderPolicy:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("keystore: marshal: %w", err)
	}
	return data, nil
}
