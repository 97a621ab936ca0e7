// Package usage records per-request accounting events in an append-only
// bounded ring and answers aggregation queries over it.
//
// Records are immutable once appended. The ring holds the most recent
// DefaultCapacity events in memory; an optional JSON snapshot under the data
// directory survives restarts, trimmed to RetentionDays on load. Reads are
// eventually consistent with concurrent writers, which is sufficient for an
// admin dashboard.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// DefaultCapacity is the in-memory ring bound.
const DefaultCapacity = 10_000

// RetentionDays is how far back persisted records are kept on load.
const RetentionDays = 30

// FileName is the on-disk name of the usage snapshot inside the data
// directory.
const FileName = "usage-logs.json"

// flushInterval is how often [Tracker.Run] snapshots the ring to disk.
const flushInterval = time.Minute

// Record is one immutable usage event.
type Record struct {
	KeyID      string    `json:"keyId"`
	Provider   string    `json:"provider,omitempty"`
	Path       string    `json:"path"`
	Characters int       `json:"characters,omitempty"`
	ElapsedMS  int64     `json:"elapsedMs"`
	Status     int       `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// success reports whether the record counts as a successful request.
func (r Record) success() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Stats is the aggregation result returned by [Tracker.Stats].
type Stats struct {
	TotalRequests int64            `json:"totalRequests"`
	Successful    int64            `json:"successful"`
	Failed        int64            `json:"failed"`
	Characters    int64            `json:"characters"`
	ByKey         map[string]int64 `json:"byKey"`
	ByProvider    map[string]int64 `json:"byProvider"`
	ByPath        map[string]int64 `json:"byPath"`
	ByStatus      map[string]int64 `json:"byStatus"`
	ByDay         map[string]int64 `json:"byDay"`
}

// Tracker is the bounded usage ring. All exported methods are safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records []Record
	cap     int
	path    string // empty disables persistence
	exclude map[string]struct{}
	nowFunc func() time.Time
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithCapacity overrides the ring bound.
func WithCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.cap = n
		}
	}
}

// WithExcludedKeys marks key ids whose events are never recorded. Used for
// the bootstrap admin identity, which must leave no persistent trace.
func WithExcludedKeys(ids ...string) Option {
	return func(t *Tracker) {
		for _, id := range ids {
			t.exclude[id] = struct{}{}
		}
	}
}

// New creates an in-memory tracker with no persistence.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		cap:     DefaultCapacity,
		exclude: map[string]struct{}{},
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Open creates a tracker persisted under dataDir, loading any prior snapshot
// and dropping records older than RetentionDays.
func Open(dataDir string, opts ...Option) (*Tracker, error) {
	t := New(opts...)
	t.path = filepath.Join(dataDir, FileName)

	raw, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("usage: read %s: %w", t.path, err)
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("usage: parse %s: %w", t.path, err)
	}

	cutoff := t.nowFunc().AddDate(0, 0, -RetentionDays)
	for _, r := range records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		t.records = append(t.records, r)
	}
	t.trimLocked()
	return t, nil
}

// Add appends one event, evicting from the head when the ring is full.
// Events for excluded key ids are dropped.
func (t *Tracker) Add(rec Record) {
	if _, skip := t.exclude[rec.KeyID]; skip {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.nowFunc().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
	t.trimLocked()
}

// trimLocked evicts the oldest records above the cap. Callers must hold mu.
func (t *Tracker) trimLocked() {
	if over := len(t.records) - t.cap; over > 0 {
		t.records = append(t.records[:0:0], t.records[over:]...)
	}
}

// Len returns the number of retained records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Stats aggregates retained records with timestamps at or after since.
// A zero since aggregates everything.
func (t *Tracker) Stats(since time.Time) Stats {
	stats := Stats{
		ByKey:      map[string]int64{},
		ByProvider: map[string]int64{},
		ByPath:     map[string]int64{},
		ByStatus:   map[string]int64{},
		ByDay:      map[string]int64{},
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.records {
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		stats.TotalRequests++
		stats.Characters += int64(r.Characters)
		if r.success() {
			stats.Successful++
		} else {
			stats.Failed++
		}
		stats.ByKey[r.KeyID]++
		if r.Provider != "" {
			stats.ByProvider[r.Provider]++
		}
		stats.ByPath[r.Path]++
		stats.ByStatus[fmt.Sprintf("%d", r.Status)]++
		stats.ByDay[r.Timestamp.UTC().Format("2006-01-02")]++
	}
	return stats
}

// Flush snapshots the ring to disk atomically. A tracker without persistence
// returns nil immediately.
func (t *Tracker) Flush() error {
	if t.path == "" {
		return nil
	}

	t.mu.Lock()
	data, err := json.Marshal(t.records)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("usage: marshal: %w", err)
	}
	if err := renameio.WriteFile(t.path, data, 0o600); err != nil {
		return fmt.Errorf("usage: write %s: %w", t.path, err)
	}
	return nil
}

// Run blocks, snapshotting periodically until ctx is cancelled, then performs
// a final flush. Typically started as a goroutine from main.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = t.Flush()
			return
		case <-ticker.C:
			_ = t.Flush()
		}
	}
}
