package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"tileflow/internal/core"
	"tileflow/internal/metrics"
)

// Options configures a ResultCache.
type Options struct {
	// MemoryEntries bounds the in-memory front. Zero disables it.
	MemoryEntries int
	Metrics       *metrics.MetricsEmitter
	// Now defaults to time.Now.
	Now func() time.Time
}

// ResultCache maps TileRefs to tile payloads on top of a Store.
//
// Operations on the same ref are serialized; different refs proceed in
// parallel. Payloads are copied on the way in and out.
type ResultCache struct {
	store   Store
	locks   *xsync.MapOf[core.TileRef, *sync.Mutex]
	hot     *lru.Cache[core.TileRef, *CacheEntry]
	metrics *metrics.MetricsEmitter
	now     func() time.Time

	evictMu sync.Mutex
}

// New wraps store in a ResultCache.
func New(store Store, opts Options) (*ResultCache, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	c := &ResultCache{
		store:   store,
		locks:   xsync.NewMapOf[core.TileRef, *sync.Mutex](),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if opts.MemoryEntries > 0 {
		hot, err := lru.New[core.TileRef, *CacheEntry](opts.MemoryEntries)
		if err != nil {
			return nil, fmt.Errorf("creating memory front: %w", err)
		}
		c.hot = hot
	}
	return c, nil
}

// NewMemory is a cache with no persistence, for tests and single-process runs.
func NewMemory() *ResultCache {
	c, _ := New(NewMemoryStore(), Options{})
	return c
}

// lock acquires the mutex for ref. Eviction drops a ref's mutex from the map
// while holding it, so a caller that waited on a dropped mutex starts over.
func (c *ResultCache) lock(ref core.TileRef) func() {
	for {
		mu, _ := c.locks.LoadOrCompute(ref, func() *sync.Mutex { return &sync.Mutex{} })
		mu.Lock()
		if cur, ok := c.locks.Load(ref); ok && cur == mu {
			return mu.Unlock
		}
		mu.Unlock()
	}
}

// load returns the entry for ref with the ref lock held by the caller.
func (c *ResultCache) load(ref core.TileRef) (*CacheEntry, error) {
	if c.hot != nil {
		if e, ok := c.hot.Get(ref); ok {
			return e, nil
		}
	}
	e, err := c.store.Load(ref)
	if err != nil || e == nil {
		return nil, err
	}
	if c.hot != nil {
		c.hot.Add(ref, e)
	}
	return e, nil
}

// Get returns the payload stored under ref. A miss is (nil, false, nil).
func (c *ResultCache) Get(ref core.TileRef) ([]byte, bool, error) {
	unlock := c.lock(ref)
	defer unlock()

	e, err := c.load(ref)
	if err != nil {
		return nil, false, err
	}
	c.metrics.EmitCacheLookup(e != nil)
	if e == nil {
		return nil, false, nil
	}
	out := make([]byte, len(e.Payload))
	copy(out, e.Payload)
	return out, true, nil
}

// Put stores payload under ref.
//
// Storing the same bytes again is a no-op. Storing different bytes fails with
// a *CorruptionError and leaves the existing entry untouched.
func (c *ResultCache) Put(ref core.TileRef, payload []byte) error {
	unlock := c.lock(ref)
	defer unlock()

	existing, err := c.load(ref)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Matches(payload) {
			return nil
		}
		return &CorruptionError{
			Ref: ref,
			Msg: fmt.Sprintf("stored %d bytes (xxh64 %016x), offered %d bytes", existing.Size, existing.Checksum, len(payload)),
		}
	}

	e := newEntry(ref, payload, c.now())
	if err := c.store.Save(e); err != nil {
		return fmt.Errorf("storing %s: %w", ref, err)
	}
	if c.hot != nil {
		c.hot.Add(ref, e)
	}
	return nil
}

// Size returns the total payload bytes held by the store.
func (c *ResultCache) Size() (int64, error) {
	entries, err := c.store.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total, nil
}

// EvictOldest removes entries, oldest WrittenAt first (ties by ref), until the
// total payload size is at most maxBytes. It returns the number evicted.
func (c *ResultCache) EvictOldest(maxBytes int64) (int, error) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	entries, err := c.store.List()
	if err != nil {
		return 0, fmt.Errorf("listing cache entries: %w", err)
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].WrittenAt.Equal(entries[j].WrittenAt) {
			return entries[i].WrittenAt.Before(entries[j].WrittenAt)
		}
		return entries[i].Ref.Less(entries[j].Ref)
	})

	evicted := 0
	for _, e := range entries {
		if total <= maxBytes {
			break
		}
		unlock := c.lock(e.Ref)
		err := c.store.Delete(e.Ref)
		if err == nil {
			if c.hot != nil {
				c.hot.Remove(e.Ref)
			}
			c.locks.Delete(e.Ref)
		}
		unlock()
		if err != nil {
			c.metrics.EmitEviction(evicted, total)
			return evicted, err
		}
		total -= e.Size
		evicted++
	}
	c.metrics.EmitEviction(evicted, total)
	return evicted, nil
}

// Close releases the underlying store.
func (c *ResultCache) Close() error {
	return c.store.Close()
}
