// Package cache provides a generic keyed, time-boxed cache for
// server-derived read models. Each entry tracks its own fetch state and
// freshness window; concurrent fetches for the same key are coalesced
// into a single underlying call.
package cache

import (
	"context"
	"sync"
	"time"
)

// State describes the lifecycle of a single cache entry.
type State int

const (
	Idle State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Entry is a point-in-time snapshot of one cached value. A Failed entry
// may still carry the last good value (stale-but-available).
type Entry[V any] struct {
	Value     V
	HasValue  bool
	FetchedAt time.Time
	State     State
	Err       error
}

// Fetcher retrieves the authoritative value for a key. It is only ever
// invoked by EnsureFresh, at most once per in-flight window per key.
type Fetcher[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Options controls a single EnsureFresh call.
type Options struct {
	// Force bypasses the freshness window. It does not bypass an
	// already in-flight fetch; callers join that fetch instead.
	Force bool
}

// Keyed is a per-key cache with a shared TTL. The zero value is not
// usable; construct with NewKeyed.
type Keyed[K comparable, V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	entries  map[K]*record[V]
	inFlight map[K]*flight[V]
}

type record[V any] struct {
	value     V
	hasValue  bool
	fetchedAt time.Time
	state     State
	err       error
	stale     bool // set by Invalidate; cleared by the next successful fetch
}

type flight[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// NewKeyed creates a cache whose entries are considered fresh for ttl
// after a successful fetch.
func NewKeyed[K comparable, V any](ttl time.Duration) *Keyed[K, V] {
	return &Keyed[K, V]{
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[K]*record[V]),
		inFlight: make(map[K]*flight[V]),
	}
}

// SetClock overrides the time source. Test hook only.
func (c *Keyed[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the current state of the entry for key. It never triggers
// a fetch; a key with no prior entry reports Idle.
func (c *Keyed[K, V]) Get(key K) Entry[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entries[key]
	if !ok {
		return Entry[V]{State: Idle}
	}
	return Entry[V]{
		Value:     rec.value,
		HasValue:  rec.hasValue,
		FetchedAt: rec.fetchedAt,
		State:     rec.state,
		Err:       rec.err,
	}
}

// EnsureFresh returns a fresh value for key.
//
// If the entry is fresh and Force is unset, the cached value is returned
// with no I/O. If a fetch for key is already in flight, the caller joins
// it and observes that fetch's result. Otherwise fetch is invoked; on
// success the value is stored with a new timestamp, on failure the entry
// is marked Failed but the last good value is retained.
func (c *Keyed[K, V]) EnsureFresh(ctx context.Context, key K, fetch Fetcher[K, V], opts Options) (V, error) {
	c.mu.Lock()

	if f, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.value, f.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	rec, ok := c.entries[key]
	if !opts.Force && ok && c.freshLocked(rec) {
		v := rec.value
		c.mu.Unlock()
		return v, nil
	}

	if !ok {
		rec = &record[V]{}
		c.entries[key] = rec
	}
	rec.state = Loading
	f := &flight[V]{done: make(chan struct{})}
	c.inFlight[key] = f
	c.mu.Unlock()

	v, err := fetch(ctx, key)

	c.mu.Lock()
	if cur, ok := c.inFlight[key]; ok && cur == f {
		delete(c.inFlight, key)
	}
	// Only write back if the record we started with is still live; an
	// Evict/EvictAll during the fetch must not be resurrected.
	if cur, ok := c.entries[key]; ok && cur == rec {
		if err != nil {
			rec.state = Failed
			rec.err = err
		} else {
			rec.value = v
			rec.hasValue = true
			rec.fetchedAt = c.now()
			rec.state = Ready
			rec.err = nil
			rec.stale = false
		}
	}
	c.mu.Unlock()

	f.value, f.err = v, err
	close(f.done)
	return v, err
}

// Invalidate marks the entry stale so the next EnsureFresh bypasses the
// freshness window. The last known value is kept. A fetch already in
// flight wins: its result supersedes the invalidation.
func (c *Keyed[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.entries[key]; ok {
		rec.stale = true
	}
}

// Evict removes the entry for key entirely.
func (c *Keyed[K, V]) Evict(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// EvictAll removes every entry. Used on logout and account deletion.
func (c *Keyed[K, V]) EvictAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*record[V])
}

func (c *Keyed[K, V]) freshLocked(rec *record[V]) bool {
	return rec.state == Ready && !rec.stale && c.now().Sub(rec.fetchedAt) < c.ttl
}
