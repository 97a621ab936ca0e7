// Package ratelimit implements per-key sliding-window admission control.
//
// Each key tracks a (count, window-start) pair. A background pruner drops
// entries whose window has fully elapsed so the table stays bounded by the
// number of recently active keys. The table lock is held only for the few
// instructions of a check, never across I/O.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pruneInterval is how often the background task sweeps stale entries.
const pruneInterval = 60 * time.Second

// Result is the reply for one admission check. It always carries the
// remaining budget and the instant the window resets, so callers can
// advertise both on allowed and denied responses.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter is the per-key sliding-window admission table.
// All exported methods are safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	nowFunc func() time.Time
}

type entry struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// New creates an empty Limiter. Call [Limiter.Run] to start the pruner.
func New() *Limiter {
	return &Limiter{
		entries: map[string]*entry{},
		nowFunc: time.Now,
	}
}

// Check admits or denies one request for key id under the given policy.
//
// A fresh or elapsed window resets to count=1 and admits. Within a live
// window the request is denied once count reaches limit; otherwise the count
// is incremented and the request admitted.
func (l *Limiter) Check(id string, limit int, window time.Duration) Result {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok || now.Sub(e.windowStart) >= window {
		l.entries[id] = &entry{count: 1, windowStart: now, window: window}
		return Result{Allowed: true, Remaining: limit - 1, ResetAt: now.Add(window)}
	}

	resetAt := e.windowStart.Add(window)
	if e.count >= limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	e.count++
	return Result{Allowed: true, Remaining: limit - e.count, ResetAt: resetAt}
}

// Reset drops the entry for id, if any. Used when a key is deleted.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, id)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run blocks, pruning stale entries every minute until ctx is cancelled.
// Typically started as a goroutine from main.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

// prune removes entries idle beyond their own window. A stale entry would be
// reset by the next Check anyway, so dropping it never changes admission.
func (l *Limiter) prune() {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.entries {
		if now.Sub(e.windowStart) >= e.window {
			delete(l.entries, id)
		}
	}
}
