// Package reqcache implements the request cache of spec.md §4.1: every
// outbound protocol step registers a (kind, 32-bit id) tagged entry here so
// that the matching inbound response — echoing the same id — can be
// correlated to it. Each kind carries its own timeout; expired entries are
// evicted lazily off a min-heap of expiry timestamps (per spec.md §9's
// design note) rather than swept by a free-running goroutine, so eviction
// never races the single-threaded engine that owns the cache.
package reqcache

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cvsouth/hsoverlay/metrics"
)

// Kind names the pending-request variants of spec.md §3. Each value names
// the outbound step the entry was registered for (a request opcode, or a
// relay leg at the introduction point), not the response that pops it.
type Kind string

const (
	KindDHTRequest  Kind = "dht-request"
	KindKeyRequest  Kind = "key-request"
	KindKeyRelay    Kind = "key-relay"
	KindE2ERequest  Kind = "e2e-request"
	KindE2ERelay    Kind = "e2e-relay"
	KindLinkRequest Kind = "link-request"
	KindIPRequest   Kind = "establish-intro"
	KindRPRequest   Kind = "establish-rendezvous"
)

// DefaultTimeout returns the recommended per-kind timeout from spec.md §4.1:
// IP/RP establish 20s; key/e2e/link/DHT 60s.
func DefaultTimeout(k Kind) time.Duration {
	switch k {
	case KindIPRequest, KindRPRequest:
		return 20 * time.Second
	default:
		return 60 * time.Second
	}
}

type entryKey struct {
	kind Kind
	id   uint32
}

type item struct {
	key    entryKey
	value  any
	expiry time.Time
	index  int // heap index
}

// expiryHeap orders items by ascending expiry; container/heap.Pop gives the
// earliest-expiring item.
type expiryHeap []*item

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h expiryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *expiryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Cache is the engine-owned request correlation table.
type Cache struct {
	mu      sync.Mutex
	entries map[entryKey]*item
	order   expiryHeap
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty Cache. now defaults to time.Now; tests may override
// it via WithClock to make expiry deterministic.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		entries: make(map[entryKey]*item),
		logger:  logger,
		now:     time.Now,
	}
	heap.Init(&c.order)
	return c
}

// WithClock overrides the cache's notion of "now", for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func randomID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("reqcache: generate id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Add registers a new pending entry under kind, generating a non-guessable
// 32-bit id, and returns that id. It sweeps expired entries first.
func (c *Cache) Add(kind Kind, value any) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	for attempts := 0; attempts < 8; attempts++ {
		id, err := randomID()
		if err != nil {
			return 0, err
		}
		key := entryKey{kind: kind, id: id}
		if _, exists := c.entries[key]; exists {
			continue
		}
		it := &item{key: key, value: value, expiry: c.now().Add(DefaultTimeout(kind))}
		c.entries[key] = it
		heap.Push(&c.order, it)
		return id, nil
	}
	return 0, fmt.Errorf("reqcache: could not allocate unique id for kind %q", kind)
}

// Get returns the entry for (kind, id) without removing it, or false if
// absent or expired.
func (c *Cache) Get(kind Kind, id uint32) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	it, ok := c.entries[entryKey{kind: kind, id: id}]
	if !ok {
		return nil, false
	}
	return it.value, true
}

// Pop removes and returns the entry for (kind, id), or false if absent or
// expired. Per spec.md invariant 1, at most one Pop ever succeeds for a
// given (kind, id): a second call after a successful Pop always misses.
func (c *Cache) Pop(kind Kind, id uint32) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	key := entryKey{kind: kind, id: id}
	it, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.removeLocked(it)
	return it.value, true
}

// RemoveByPredicate pops every entry (of any kind) for which match returns
// true — used by circuit teardown (spec.md §4.2: "every pending request
// whose circuit disappears must eventually expire cleanly", accelerated
// here instead of left to the timeout).
func (c *Cache) RemoveByPredicate(match func(kind Kind, value any) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	var toRemove []*item
	for _, it := range c.entries {
		if match(it.key.kind, it.value) {
			toRemove = append(toRemove, it)
		}
	}
	for _, it := range toRemove {
		c.removeLocked(it)
	}
	return len(toRemove)
}

func (c *Cache) removeLocked(it *item) {
	delete(c.entries, it.key)
	if it.index >= 0 && it.index < len(c.order) {
		heap.Remove(&c.order, it.index)
	}
}

// sweepLocked evicts everything whose expiry has passed. Eviction logs but
// never surfaces to a caller (spec.md §4.1).
func (c *Cache) sweepLocked() {
	now := c.now()
	for c.order.Len() > 0 {
		next := c.order[0]
		if next.expiry.After(now) {
			return
		}
		heap.Pop(&c.order)
		delete(c.entries, next.key)
		c.logger.Info("request cache entry expired", "kind", next.key.kind, "id", next.key.id)
		metrics.RequestCacheExpired(context.Background())
	}
}

// Len reports the number of live (possibly not-yet-swept) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
