package cacheinfra

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-insight-cache/cache"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// Interface assertion to ensure EntryCache implements cache.EntryCache
var _ cache.EntryCache = (*EntryCache)(nil)

// entry is one CacheEntry. value, expiresAt and createdAt are written once
// before the entry is published; hitCount and lastAccessed are atomics so that
// readers holding only the read lock can update them.
type entry struct {
	value        any
	expiresAt    time.Time
	createdAt    time.Time
	hitCount     atomic.Uint64
	lastAccessed atomic.Int64
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// pendingFetch is the in-flight marker shared by every caller waiting on one key.
type pendingFetch struct {
	done  chan struct{}
	value any
	err   error
}

// Option customizes an EntryCache.
type Option func(*EntryCache)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *EntryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRecorder reports cache events to r.
func WithRecorder(r Recorder) Option {
	return func(c *EntryCache) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithLogger sets the logger used by the background sweeper.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *EntryCache) {
		c.logger = logger
	}
}

// EntryCache is the tiered in-process cache.
//
// The main map and the hot tier share one RWMutex: lookups take the read lock,
// insert/evict/promote/delete take the write lock. The hot tier holds the same
// *entry as the main map, so expiry is always decided by the main entry.
type EntryCache struct {
	cfg      cache.Config
	batch    int
	now      func() time.Time
	recorder Recorder
	logger   zerolog.Logger

	mu    sync.RWMutex
	items map[string]*entry
	hot   map[string]*entry

	pending *xsync.MapOf[string, *pendingFetch]

	sweeping atomic.Bool

	hits        atomic.Uint64
	misses      atomic.Uint64
	coalesced   atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewEntryCache validates cfg and builds an EntryCache. When cfg.SweepInterval
// is positive a background sweeper is started; Close stops it.
func NewEntryCache(cfg cache.Config, opts ...Option) (*EntryCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Field: "cache", Message: err.Error()}
	}

	c := &EntryCache{
		cfg:      cfg,
		batch:    cfg.EvictionBatch(),
		now:      time.Now,
		recorder: NoopRecorder{},
		logger:   zerolog.Nop(),
		items:    make(map[string]*entry, cfg.Capacity),
		hot:      make(map[string]*entry, cfg.HotCapacity),
		pending:  xsync.NewMapOf[string, *pendingFetch](),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	} else {
		close(c.stopped)
	}

	return c, nil
}

// Get returns the value for key if it is live.
func (c *EntryCache) Get(key string) (any, bool) {
	value, origin, ok := c.lookup(key)
	if !ok {
		c.misses.Add(1)
		c.recorder.Miss()
		return nil, false
	}
	c.hits.Add(1)
	c.recorder.Hit(origin.String())
	return value, true
}

// lookup implements Get without touching the hit/miss counters.
func (c *EntryCache) lookup(key string) (any, cache.Origin, bool) {
	now := c.now()

	c.mu.RLock()
	e, inHot := c.hot[key]
	if !inHot {
		e = c.items[key]
	}
	c.mu.RUnlock()

	if e == nil {
		return nil, cache.OriginFetched, false
	}

	if e.expired(now) {
		c.dropExpired(key, e)
		return nil, cache.OriginFetched, false
	}

	hits := e.hitCount.Add(1)
	e.lastAccessed.Store(now.UnixNano())

	if inHot {
		return e.value, cache.OriginHot, true
	}

	if c.cfg.HotCapacity > 0 && hits >= c.cfg.PromotionThreshold {
		c.promote(key, e)
	}
	return e.value, cache.OriginMain, true
}

// promote copies key into the hot tier if it is still the live entry and there is room.
func (c *EntryCache) promote(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items[key] != e {
		return
	}
	if _, ok := c.hot[key]; ok {
		return
	}
	if len(c.hot) >= c.cfg.HotCapacity {
		return
	}
	c.hot[key] = e
}

// dropExpired removes key from both tiers if e is still the stored entry.
func (c *EntryCache) dropExpired(key string, e *entry) {
	c.mu.Lock()
	removed := false
	if c.items[key] == e {
		delete(c.items, key)
		removed = true
	}
	if c.hot[key] == e {
		delete(c.hot, key)
	}
	c.mu.Unlock()

	if removed {
		c.expirations.Add(1)
		c.recorder.Expired(1)
	}
}

// Set inserts or overwrites key with expiresAt = now + ttl.
func (c *EntryCache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.now()

	e := &entry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	e.lastAccessed.Store(now.UnixNano())

	c.mu.Lock()
	evicted := 0
	if _, exists := c.items[key]; !exists && len(c.items) >= c.cfg.Capacity {
		evicted = c.evictLocked()
	}
	c.items[key] = e
	if _, wasHot := c.hot[key]; wasHot {
		c.hot[key] = e
	}
	size := len(c.items)
	c.mu.Unlock()

	if evicted > 0 {
		c.evictions.Add(uint64(evicted))
		c.recorder.Evicted(evicted)
	}
	c.recorder.Size(size)
}

// evictLocked drops the c.batch least recently accessed entries. Callers hold mu.
func (c *EntryCache) evictLocked() int {
	type candidate struct {
		key      string
		accessed int64
	}

	candidates := make([]candidate, 0, len(c.items))
	for k, e := range c.items {
		candidates = append(candidates, candidate{key: k, accessed: e.lastAccessed.Load()})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].accessed == candidates[j].accessed {
			return candidates[i].key < candidates[j].key
		}
		return candidates[i].accessed < candidates[j].accessed
	})

	n := c.batch
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, cand := range candidates[:n] {
		delete(c.items, cand.key)
		delete(c.hot, cand.key)
	}
	return n
}

// Delete implements cache.CacheService.Delete.
func (c *EntryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	delete(c.hot, key)
	c.mu.Unlock()
	return nil
}

// DeleteByPrefix implements cache.CacheService.DeleteByPrefix.
func (c *EntryCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	c.DeleteByPattern(cache.PrefixMatcher(prefix))
	return nil
}

// DeleteByPattern removes every key accepted by match from both tiers.
func (c *EntryCache) DeleteByPattern(match cache.KeyMatcher) int {
	if match == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.items {
		if match(key) {
			delete(c.items, key)
			delete(c.hot, key)
			removed++
		}
	}
	return removed
}

// GetOrFetch implements cache.CacheService using the configured default TTL.
func (c *EntryCache) GetOrFetch(ctx context.Context, key string, fetchFn func(context.Context) (any, error)) (any, error) {
	value, _, err := c.Load(ctx, key, c.cfg.DefaultTTL, fetchFn)
	return value, err
}

// Load returns the cached value for key or runs fetchFn exactly once for all
// concurrent callers asking for the same missing key. Successful results are
// stored with ttl; errors are handed to every waiter and never stored.
func (c *EntryCache) Load(ctx context.Context, key string, ttl time.Duration, fetchFn func(context.Context) (any, error)) (any, cache.Origin, error) {
	if fetchFn == nil {
		return nil, cache.OriginFetched, &ConfigError{Field: "fetchFn", Message: "cannot be nil"}
	}

	if value, origin, ok := c.lookup(key); ok {
		c.hits.Add(1)
		c.recorder.Hit(origin.String())
		return value, origin, nil
	}

	call, loaded := c.pending.LoadOrCompute(key, func() *pendingFetch {
		return &pendingFetch{done: make(chan struct{})}
	})
	if loaded {
		c.coalesced.Add(1)
		c.recorder.Coalesced()
		select {
		case <-call.done:
			return call.value, cache.OriginCoalesced, call.err
		case <-ctx.Done():
			return nil, cache.OriginCoalesced, ctx.Err()
		}
	}

	// A fetch for key may have completed between the lookup above and the
	// registration of this call.
	if value, origin, ok := c.lookup(key); ok {
		c.finish(key, call, value, nil)
		c.hits.Add(1)
		c.recorder.Hit(origin.String())
		return value, origin, nil
	}

	c.misses.Add(1)
	c.recorder.Miss()

	value, err := c.runFetch(ctx, key, ttl, call, fetchFn)
	return value, cache.OriginFetched, err
}

func (c *EntryCache) runFetch(ctx context.Context, key string, ttl time.Duration, call *pendingFetch, fetchFn func(context.Context) (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("cacheinfra: fetch for %q panicked: %v", key, r)
		}
		c.finish(key, call, value, err)
	}()

	value, err = fetchFn(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(key, value, ttl)
	return value, nil
}

// finish publishes the result to waiters and clears the pending marker.
func (c *EntryCache) finish(key string, call *pendingFetch, value any, err error) {
	call.value, call.err = value, err
	c.pending.Delete(key)
	close(call.done)
}

// Sweep removes every expired entry. Concurrent calls while a sweep is running return 0.
func (c *EntryCache) Sweep() int {
	if !c.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer c.sweeping.Store(false)

	now := c.now()

	c.mu.Lock()
	removed := 0
	for key, e := range c.items {
		if e.expired(now) {
			delete(c.items, key)
			delete(c.hot, key)
			removed++
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if removed > 0 {
		c.expirations.Add(uint64(removed))
		c.recorder.Expired(removed)
	}
	c.recorder.Size(size)
	return removed
}

// RunSweeper sweeps on every tick until ctx is canceled.
func (c *EntryCache) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("swept expired cache entries")
			}
		}
	}
}

func (c *EntryCache) sweepLoop(interval time.Duration) {
	defer close(c.stopped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	_ = c.RunSweeper(ctx, interval)
}

// Stats returns the current counters.
func (c *EntryCache) Stats() cache.Stats {
	c.mu.RLock()
	entries, hot := len(c.items), len(c.hot)
	c.mu.RUnlock()

	return cache.Stats{
		Entries:     entries,
		HotEntries:  hot,
		Pending:     c.pending.Size(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Coalesced:   c.coalesced.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}

// Keys returns the live keys, sorted. Intended for diagnostics.
func (c *EntryCache) Keys() []string {
	now := c.now()

	c.mu.RLock()
	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// IsHot reports whether key is currently in the hot tier.
func (c *EntryCache) IsHot(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.hot[key]
	return ok
}

// Close stops the background sweeper. It is safe to call more than once.
func (c *EntryCache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.stopped
	return nil
}

// String implements fmt.Stringer.
func (c *EntryCache) String() string {
	s := c.Stats()
	return fmt.Sprintf("entry-cache{entries=%d hot=%d pending=%d}", s.Entries, s.HotEntries, s.Pending)
}
