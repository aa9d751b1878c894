package cache

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidResultType is returned by the generic helpers when a cached value
// cannot be asserted to the requested type.
var ErrInvalidResultType = errors.New("cache: cached value has unexpected type")

// KeySerializer builds a cache key from a method name + arbitrary args.
// It is responsible for producing stable keys across calls.
type KeySerializer interface {
	SerializeKey(method string, args ...any) string
}

// FetchFn is the function signature the caches expect when fetching from the source of truth.
type FetchFn[T any] func(ctx context.Context) (T, error)

// KeyMatcher selects a family of keys for pattern invalidation.
type KeyMatcher func(key string) bool

// Origin tells a caller where a value returned by a read-through call came from.
type Origin int

const (
	// OriginFetched means the caller ran the fetch function itself.
	OriginFetched Origin = iota
	// OriginHot means the value was served from the hot tier.
	OriginHot
	// OriginMain means the value was served from the main map.
	OriginMain
	// OriginCoalesced means the caller joined a fetch started by another caller.
	OriginCoalesced
)

// String returns the label used in logs and metrics.
func (o Origin) String() string {
	switch o {
	case OriginHot:
		return "hot"
	case OriginMain:
		return "main"
	case OriginCoalesced:
		return "coalesced"
	default:
		return "fetched"
	}
}

// Cached reports whether the value was served without running a fetch.
func (o Origin) Cached() bool {
	return o != OriginFetched
}

// CacheService exposes the read-through caching operations we need when decorating repositories.
// Both the in-process entry cache and the sturdyc backed service implement it.
type CacheService interface {
	GetOrFetch(ctx context.Context, key string, fetchFn func(context.Context) (any, error)) (any, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Stats is a point-in-time view of the entry cache counters.
type Stats struct {
	Entries     int    `json:"entries"`
	HotEntries  int    `json:"hot_entries"`
	Pending     int    `json:"pending"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Coalesced   uint64 `json:"coalesced"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

// EntryCache is the tiered in-process cache with hot-key promotion,
// batch LRU eviction and duplicate-fetch suppression.
type EntryCache interface {
	CacheService

	// Get returns a live value, promoting the key to the hot tier once it is read often enough.
	Get(key string) (any, bool)
	// Set stores value until now+ttl, evicting a batch of least recently accessed entries at capacity.
	Set(key string, value any, ttl time.Duration)
	// DeleteByPattern removes every key accepted by match and returns how many were removed.
	DeleteByPattern(match KeyMatcher) int
	// Load is the coalescing read-through entry point; it also reports where the value came from.
	Load(ctx context.Context, key string, ttl time.Duration, fetchFn func(context.Context) (any, error)) (any, Origin, error)
	// Sweep removes expired entries and returns how many were dropped.
	Sweep() int
	// Stats returns the current counters.
	Stats() Stats
	// Close stops background work owned by the cache.
	Close() error
}

// GetOrFetch is a type-safe wrapper function that provides generic support for CacheService.
func GetOrFetch[T any](ctx context.Context, service CacheService, key string, fetchFn FetchFn[T]) (T, error) {
	result, err := service.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetchFn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return assertResult[T](result)
}

// Load is the typed form of EntryCache.Load.
func Load[T any](ctx context.Context, c EntryCache, key string, ttl time.Duration, fetchFn FetchFn[T]) (T, Origin, error) {
	result, origin, err := c.Load(ctx, key, ttl, func(ctx context.Context) (any, error) {
		return fetchFn(ctx)
	})
	if err != nil {
		var zero T
		return zero, origin, err
	}
	value, err := assertResult[T](result)
	return value, origin, err
}

func assertResult[T any](result any) (T, error) {
	var zero T
	if result == nil {
		return zero, nil
	}
	value, ok := result.(T)
	if !ok {
		return zero, ErrInvalidResultType
	}
	return value, nil
}
