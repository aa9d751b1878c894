// Package cache provides the caching contracts and key serialization shared by
// the insight cache components.
//
// # Overview
//
// This package exports the interfaces every cache backend in the module
// implements, plus helpers for building stable keys:
//
//   - CacheService: a read-through contract used by repository decorators
//   - EntryCache: the tiered in-process cache (hot tier, batch LRU eviction,
//     request coalescing) that fronts the metered upstream API
//   - KeySerializer: builds stable cache keys from a kind and its arguments
//
// Implementations live in internal/cacheinfra and are constructed through
// pkg/di.
//
// # Basic Usage
//
//	serializer := cache.NewDefaultKeySerializer()
//	key := cache.IdentityKey(serializer, "profile", "instagram", "natgeo")
//
//	profile, origin, err := cache.Load(ctx, entries, key, 30*time.Minute,
//		func(ctx context.Context) (Profile, error) {
//			return provider.FetchProfile(ctx, "instagram", "natgeo")
//		})
//
// The Origin returned by Load tells the caller whether the value was served from
// the hot tier, the main map, a coalesced in-flight fetch, or whether the caller
// ran the fetch itself. The statistics layer uses it to decide between a hit and
// a billed miss.
//
// # Key Serialization Strategy
//
// The default serializer joins segments with KeySeparator. String segments are
// trimmed and lower-cased so the same identity typed with different casing maps
// to one cache slot. Maps are serialized with sorted keys and times in UTC, so
// keys are deterministic across runs.
//
// # Invalidation
//
// EntryCache.DeleteByPattern accepts a KeyMatcher. IdentityMatcher matches every
// key for one platform/identity pair regardless of kind, which is how a forced
// refresh drops profile, posts and analysis entries together.
//
// # Error Handling
//
// Fetch errors are never cached. The generic helpers return ErrInvalidResultType
// if a cached value cannot be asserted to the requested type instead of panicking.
package cache
