// Package dedup provides the in-memory ingestion gate that collapses duplicate
// deliveries of the same logical message within a time window.
package dedup

import (
	"sync"
	"time"
)

// DefaultWindow is the span during which a repeated key is suppressed.
const DefaultWindow = 10 * time.Minute

// Deduplicator records the last time each key was accepted.
// Entries expire lazily on lookup; a sweep on the insert path bounds memory.
type Deduplicator struct {
	mu         sync.Mutex
	windowMs   int64
	sweepMs    int64
	lastSweep  int64
	entries    map[string]int64
	onEviction func(n int)
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithSweepInterval sets how often expired entries are removed. Defaults to the window.
func WithSweepInterval(d time.Duration) Option {
	return func(dd *Deduplicator) {
		if d > 0 {
			dd.sweepMs = d.Milliseconds()
		}
	}
}

// WithEvictionHook is called with the number of entries removed by each sweep.
func WithEvictionHook(fn func(n int)) Option {
	return func(dd *Deduplicator) {
		dd.onEviction = fn
	}
}

// New creates a Deduplicator. A non-positive window falls back to DefaultWindow.
func New(window time.Duration, opts ...Option) *Deduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &Deduplicator{
		windowMs: window.Milliseconds(),
		entries:  make(map[string]int64),
	}
	d.sweepMs = d.windowMs
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ShouldProcess returns true and records key the first time it is seen within the
// window, false while a fresh record exists. Once the window elapses the key is
// treated as new again and its timestamp refreshed.
func (d *Deduplicator) ShouldProcess(key string, nowMs int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if seenAt, ok := d.entries[key]; ok && nowMs-seenAt < d.windowMs {
		return false
	}

	d.maybeSweep(nowMs)
	d.entries[key] = nowMs
	return true
}

// Len returns the number of tracked keys, fresh or not yet swept.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Window returns the configured dedup window.
func (d *Deduplicator) Window() time.Duration {
	return time.Duration(d.windowMs) * time.Millisecond
}

// maybeSweep drops entries older than the window. Callers hold d.mu.
func (d *Deduplicator) maybeSweep(nowMs int64) {
	if nowMs-d.lastSweep < d.sweepMs {
		return
	}
	removed := 0
	for k, seenAt := range d.entries {
		if nowMs-seenAt >= d.windowMs {
			delete(d.entries, k)
			removed++
		}
	}
	d.lastSweep = nowMs
	if removed > 0 && d.onEviction != nil {
		d.onEviction(removed)
	}
}
