// Package repositorycache provides a caching decorator for the snapshot repository.
//
// # Overview
//
// The snapshot store asks its repository for the latest row of a
// (platform, identity, kind) triple on every dashboard request that misses
// the in-process entry cache. CachedRepository wraps a snapshot.Repository and
// memoizes those reads through a cache.CacheService, usually the sturdyc
// backed service from internal/cacheinfra.
//
// # Basic Usage
//
//	base := bunstore.NewSnapshotRepository(db)
//	memo := cacheinfra.NewSturdycService(cfg)
//
//	repo := repositorycache.New(base, memo, cache.NewDefaultKeySerializer(),
//		repositorycache.WithLogger(logger))
//	store := snapshot.NewStore(repo, policy)
//
// # Cached vs Pass-through Operations
//
// Cached:
//   - LatestSnapshot
//   - ListSnapshots (keyed by every Query field)
//
// Pass-through:
//   - UpsertQueueEntry, ListQueueEntries, MarkCollected
//
// Write-through with invalidation:
//   - InsertSnapshot
//   - InsertSnapshotIfAbsent (only when a row was written)
//
// # Keys and Invalidation
//
// Keys have the shape
//
//	snapshot::<platform>::<identity>::<op>::<args...>
//
// with platform and identity case-folded by the key serializer. A successful
// write drops every key under snapshot::<platform>::<identity>:: through
// DeleteByPrefix, so reads for other identities stay warm. A failed
// invalidation is logged and the write still succeeds.
//
// The memo only observes writes made through this process. Deployments that
// share a database between writers should keep the memo TTL short.
//
// # Error Handling
//
// Errors from the base repository, including snapshot.ErrNoSnapshot, are
// returned unchanged and never memoized.
//
// # Copies
//
// Memoized rows are shared between callers, so every read returns a deep copy
// made with Snapshot.Clone.
package repositorycache
