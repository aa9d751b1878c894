package repositorycache

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/goliatone/go-insight-cache/cache"
	"github.com/goliatone/go-insight-cache/snapshot"
)

// Interface assertion to ensure CachedRepository implements snapshot.Repository
var _ snapshot.Repository = (*CachedRepository)(nil)

// Option configures a CachedRepository.
type Option func(*CachedRepository)

// WithLogger sets the logger used to report invalidation failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *CachedRepository) {
		c.logger = logger.With().Str("component", "repositorycache").Logger()
	}
}

// WithNamespace replaces the key namespace derived from the model type.
func WithNamespace(ns string) Option {
	return func(c *CachedRepository) {
		if ns != "" {
			c.namespace = toSnake(ns)
		}
	}
}

// CachedRepository decorates a snapshot repository, memoizing the read
// operations the snapshot store issues on every request.
type CachedRepository struct {
	base          snapshot.Repository
	cache         cache.CacheService
	keySerializer cache.KeySerializer
	namespace     string
	logger        zerolog.Logger
}

// New wraps base. Keys are namespaced by the snake_cased model type name.
func New(base snapshot.Repository, cacheService cache.CacheService, keySerializer cache.KeySerializer, opts ...Option) *CachedRepository {
	if keySerializer == nil {
		keySerializer = cache.NewDefaultKeySerializer()
	}
	c := &CachedRepository{
		base:          base,
		cache:         cacheService,
		keySerializer: keySerializer,
		namespace:     toSnake(reflect.TypeOf(snapshot.Snapshot{}).Name()),
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LatestSnapshot returns the newest row for the triple, memoized. Callers
// receive their own copy.
func (c *CachedRepository) LatestSnapshot(ctx context.Context, platform, identityKey string, kind snapshot.Kind) (*snapshot.Snapshot, error) {
	key := c.identityKey(platform, identityKey, "latest", string(kind))
	snap, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (*snapshot.Snapshot, error) {
		return c.base.LatestSnapshot(ctx, platform, identityKey, kind)
	})
	if err != nil {
		return nil, err
	}
	return snap.Clone(), nil
}

// ListSnapshots returns rows matching q, memoized per query.
func (c *CachedRepository) ListSnapshots(ctx context.Context, q snapshot.Query) ([]snapshot.Snapshot, error) {
	key := c.identityKey(q.Platform, q.IdentityKey, "list", string(q.Kind), q.Variant,
		q.Since, q.Until, q.DailyOnly, q.Descending, q.Limit)
	rows, err := cache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) ([]snapshot.Snapshot, error) {
		return c.base.ListSnapshots(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	out := make([]snapshot.Snapshot, len(rows))
	for i := range rows {
		out[i] = *rows[i].Clone()
	}
	return out, nil
}

// InsertSnapshot writes through and drops every memoized read of the identity.
func (c *CachedRepository) InsertSnapshot(ctx context.Context, s *snapshot.Snapshot) error {
	if err := c.base.InsertSnapshot(ctx, s); err != nil {
		return err
	}
	c.invalidateIdentity(ctx, s.Platform, s.IdentityKey)
	return nil
}

// InsertSnapshotIfAbsent writes through, invalidating only when a row was written.
func (c *CachedRepository) InsertSnapshotIfAbsent(ctx context.Context, s *snapshot.Snapshot) (bool, error) {
	inserted, err := c.base.InsertSnapshotIfAbsent(ctx, s)
	if err == nil && inserted {
		c.invalidateIdentity(ctx, s.Platform, s.IdentityKey)
	}
	return inserted, err
}

// Queue operations pass through; the collector reads them once per run.

func (c *CachedRepository) UpsertQueueEntry(ctx context.Context, e *snapshot.CollectionQueueEntry) error {
	return c.base.UpsertQueueEntry(ctx, e)
}

func (c *CachedRepository) ListQueueEntries(ctx context.Context) ([]snapshot.CollectionQueueEntry, error) {
	return c.base.ListQueueEntries(ctx)
}

func (c *CachedRepository) MarkCollected(ctx context.Context, platform, identityKey string, at time.Time) error {
	return c.base.MarkCollected(ctx, platform, identityKey, at)
}

// identityKey builds namespace::platform::identity::op[::args...].
func (c *CachedRepository) identityKey(platform, identityKey, op string, args ...any) string {
	parts := append([]any{platform, identityKey, op}, args...)
	return c.keySerializer.SerializeKey(c.namespace, parts...)
}

func (c *CachedRepository) identityPrefix(platform, identityKey string) string {
	return c.keySerializer.SerializeKey(c.namespace, platform, identityKey) + cache.KeySeparator
}

// invalidateIdentity removes every cached read of platform/identityKey.
// Failures are logged; the write already succeeded.
func (c *CachedRepository) invalidateIdentity(ctx context.Context, platform, identityKey string) {
	prefix := c.identityPrefix(platform, identityKey)
	if err := c.cache.DeleteByPrefix(ctx, prefix); err != nil {
		c.logger.Warn().Err(err).Str("prefix", prefix).Msg("cache invalidation failed")
	}
}
