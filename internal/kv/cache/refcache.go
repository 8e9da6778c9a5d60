// Package cache implements the generic reference-counted, single-loader
// resource cache that backs the page store (internal/kv/pagestore) and the
// data-item manager (internal/kv/dataitem).
//
// What: admission of a bounded number of resources, keyed by any comparable
// key type (page numbers for the page store, uids for the data items),
// with refcount-gated eviction and single-loader coordination per key.
// How: one mutex guards entries/refs/loading/count jointly, the way the
// teacher's PageBufferPool guards its LRU list and map together — never
// split across multiple locks. Loaders racing on the same key poll a
// short, fixed interval rather than blocking on a per-key condition
// variable: loads are bounded by a disk read and contention is rare.
// Why: a page (or data item) must never be evicted while a caller holds
// it; refcounting is the simplest invariant that guarantees this across
// arbitrarily many concurrent holders.
package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shadowdb/shadowkv/internal/shadowerr"
)

// loaderPollInterval is the spin-retry interval for a caller that finds
// another goroutine already loading the same key. Deliberately coarse;
// see the package doc comment.
const loaderPollInterval = time.Millisecond

// Loader produces the resident value for a key that is not yet cached.
type Loader[K comparable, V any] func(key K) (V, error)

// Evictor releases a resource when its refcount drops to zero.
type Evictor[K comparable, V any] func(key K, value V)

// RefCache is a generic, bounded, reference-counted cache with a
// single-loader gate per key.
type RefCache[K comparable, V any] struct {
	mu sync.Mutex

	entries map[K]V
	refs    map[K]int
	loading map[K]bool
	count   int
	max     int

	load   Loader[K, V]
	evict  Evictor[K, V]
	closed bool

	log zerolog.Logger
}

// Option configures a RefCache at construction.
type Option[K comparable, V any] func(*RefCache[K, V])

// WithLogger attaches a structured logger; the zero value is zerolog.Nop().
func WithLogger[K comparable, V any](l zerolog.Logger) Option[K, V] {
	return func(c *RefCache[K, V]) { c.log = l }
}

// New builds a RefCache with the given capacity, loader and evictor.
// max must be at least 1; spec.md leaves the minimum generic-cache size
// unconstrained, but pagestore.Open enforces the stronger MemTooSmall
// floor (10) on top of this for the page cache specifically.
func New[K comparable, V any](max int, load Loader[K, V], evict Evictor[K, V], opts ...Option[K, V]) *RefCache[K, V] {
	c := &RefCache[K, V]{
		entries: make(map[K]V, max),
		refs:    make(map[K]int, max),
		loading: make(map[K]bool),
		max:     max,
		load:    load,
		evict:   evict,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns the resource for key, loading it if necessary. The
// caller must call Release exactly once for each successful Acquire.
func (c *RefCache[K, V]) Acquire(key K) (V, error) {
	for {
		c.mu.Lock()
		if v, ok := c.entries[key]; ok {
			c.refs[key]++
			c.mu.Unlock()
			return v, nil
		}
		if c.loading[key] {
			// Another goroutine is loading this key. Release the mutex and
			// poll; see the package doc comment for why this is acceptable.
			c.mu.Unlock()
			time.Sleep(loaderPollInterval)
			continue
		}
		if c.count >= c.max {
			c.mu.Unlock()
			var zero V
			return zero, shadowerr.ErrCacheFull
		}
		// Reserve the slot and become the loader for this key.
		c.count++
		c.loading[key] = true
		c.mu.Unlock()

		v, err := c.load(key)

		c.mu.Lock()
		delete(c.loading, key)
		if err != nil {
			// Roll back the reservation.
			c.count--
			c.mu.Unlock()
			var zero V
			return zero, err
		}
		c.entries[key] = v
		c.refs[key] = 1
		c.mu.Unlock()
		c.log.Debug().Interface("key", key).Msg("cache: loaded")
		return v, nil
	}
}

// Release decrements the refcount for key. At refcount zero the resource
// is evicted and the slot freed.
func (c *RefCache[K, V]) Release(key K) {
	c.mu.Lock()
	n, ok := c.refs[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	n--
	if n > 0 {
		c.refs[key] = n
		c.mu.Unlock()
		return
	}
	v := c.entries[key]
	delete(c.refs, key)
	delete(c.entries, key)
	c.count--
	c.mu.Unlock()
	c.evict(key, v)
	c.log.Debug().Interface("key", key).Msg("cache: evicted")
}

// Len reports the number of resident-or-loading entries.
func (c *RefCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Close evicts every resident entry, ignoring refcounts. Callers must
// ensure no other goroutine holds an outstanding Acquire when calling
// Close.
func (c *RefCache[K, V]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[K]V)
	c.refs = make(map[K]int)
	c.count = 0
	c.mu.Unlock()

	for k, v := range entries {
		c.evict(k, v)
	}
}
