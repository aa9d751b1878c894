// Package insights serves profile, posts and analysis data for the dashboard,
// consulting the in-process cache, then current snapshots, then the metered
// upstream provider, and recording a statistics event for every request.
package insights

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-insight-cache/cache"
	"github.com/goliatone/go-insight-cache/snapshot"
	"github.com/goliatone/go-insight-cache/stats"
)

// Via reports which tier answered a request.
type Via string

const (
	ViaMemory    Via = "memory"
	ViaCoalesced Via = "coalesced"
	ViaSnapshot  Via = "snapshot"
	ViaUpstream  Via = "upstream"
)

// Billed reports whether the request paid for an upstream call.
func (v Via) Billed() bool {
	return v == ViaUpstream
}

// Result wraps a payload with where it came from.
type Result[T snapshot.Payload] struct {
	Value     T         `json:"value"`
	Via       Via       `json:"via"`
	FetchedAt time.Time `json:"fetched_at"`
}

type stored[T snapshot.Payload] struct {
	value     T
	fetchedAt time.Time
}

// StatsRecorder records one cache decision per request.
type StatsRecorder interface {
	RecordHit(ctx context.Context, platform string, call stats.CallType) error
	RecordMiss(ctx context.Context, platform string, call stats.CallType) error
}

// TTLs are the in-process cache lifetimes per kind.
type TTLs struct {
	Profile  time.Duration `koanf:"profile" json:"profile"`
	Posts    time.Duration `koanf:"posts" json:"posts"`
	Analysis time.Duration `koanf:"analysis" json:"analysis"`
}

// DefaultTTLs keeps hot data in memory well inside the snapshot freshness windows.
func DefaultTTLs() TTLs {
	return TTLs{
		Profile:  30 * time.Minute,
		Posts:    15 * time.Minute,
		Analysis: 6 * time.Hour,
	}
}

func (t TTLs) forKind(kind snapshot.Kind) time.Duration {
	switch kind {
	case snapshot.KindProfile:
		return t.Profile
	case snapshot.KindPosts:
		return t.Posts
	case snapshot.KindAIAnalysis:
		return t.Analysis
	}
	return 0
}

// Option configures a Service.
type Option func(*Service)

// WithTTLs replaces DefaultTTLs.
func WithTTLs(ttls TTLs) Option {
	return func(s *Service) { s.ttls = ttls }
}

// WithCollectionCadence sets the cadence used when a profile is first fetched.
func WithCollectionCadence(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.cadence = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With().Str("component", "insights").Logger()
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeySerializer replaces the default key serializer.
func WithKeySerializer(ks cache.KeySerializer) Option {
	return func(s *Service) {
		if ks != nil {
			s.keys = ks
		}
	}
}

// Service is the data-producing path used by the dashboard.
type Service struct {
	entries cache.EntryCache
	store   *snapshot.Store
	fetcher snapshot.Fetcher
	stats   StatsRecorder
	keys    cache.KeySerializer
	ttls    TTLs
	cadence time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewService wires the tiers together.
func NewService(entries cache.EntryCache, store *snapshot.Store, fetcher snapshot.Fetcher, recorder StatsRecorder, opts ...Option) *Service {
	s := &Service{
		entries: entries,
		store:   store,
		fetcher: fetcher,
		stats:   recorder,
		keys:    cache.NewDefaultKeySerializer(),
		ttls:    DefaultTTLs(),
		cadence: snapshot.DefaultCadence,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Profile returns the profile of identity on platform.
func (s *Service) Profile(ctx context.Context, platform, identity string) (Result[snapshot.ProfilePayload], error) {
	return load(ctx, s, request[snapshot.ProfilePayload]{
		kind:     snapshot.KindProfile,
		call:     stats.CallProfile,
		platform: platform,
		identity: identity,
		fetch: func(ctx context.Context, platform, identity string) (snapshot.ProfilePayload, error) {
			return s.fetcher.FetchProfile(ctx, platform, identity)
		},
		persist: func(ctx context.Context, platform, identity string, v snapshot.ProfilePayload) error {
			if _, err := s.store.WriteProfile(ctx, platform, identity, v, snapshot.SourceAPI); err != nil {
				return err
			}
			return s.store.EnqueueForCollection(ctx, platform, identity, s.cadence)
		},
	})
}

// Posts returns the recent posts of identity on platform.
func (s *Service) Posts(ctx context.Context, platform, identity string) (Result[snapshot.PostsPayload], error) {
	return load(ctx, s, request[snapshot.PostsPayload]{
		kind:     snapshot.KindPosts,
		call:     stats.CallPosts,
		platform: platform,
		identity: identity,
		fetch: func(ctx context.Context, platform, identity string) (snapshot.PostsPayload, error) {
			return s.fetcher.FetchPosts(ctx, platform, identity)
		},
		persist: func(ctx context.Context, platform, identity string, v snapshot.PostsPayload) error {
			_, err := s.store.WriteSnapshot(ctx, platform, identity, v, snapshot.SourceAPI)
			return err
		},
	})
}

// Analysis returns the analysis of the given kind for identity on platform.
func (s *Service) Analysis(ctx context.Context, platform, identity, analysisKind string) (Result[snapshot.AnalysisPayload], error) {
	return load(ctx, s, request[snapshot.AnalysisPayload]{
		kind:     snapshot.KindAIAnalysis,
		call:     stats.CallAnalysis,
		platform: platform,
		identity: identity,
		variant:  analysisKind,
		extra:    []any{analysisKind},
		fetch: func(ctx context.Context, platform, identity string) (snapshot.AnalysisPayload, error) {
			return s.fetcher.FetchAnalysis(ctx, platform, identity, analysisKind)
		},
		persist: func(ctx context.Context, platform, identity string, v snapshot.AnalysisPayload) error {
			_, err := s.store.WriteSnapshot(ctx, platform, identity, v, snapshot.SourceAPI)
			return err
		},
		accept: func(v snapshot.AnalysisPayload) bool {
			return v.AnalysisKind == analysisKind
		},
	})
}

// FollowerHistory returns daily follower counts for the last days days.
func (s *Service) FollowerHistory(ctx context.Context, platform, identity string, days int) ([]snapshot.FollowerPoint, error) {
	return s.store.FollowerHistory(ctx, platform, identity, days)
}

// Invalidate drops every cached entry for identity so the next request
// consults the snapshot store again. It returns how many entries were removed.
func (s *Service) Invalidate(platform, identity string) int {
	platform, identity = snapshot.NormalizeIdentity(platform, identity)
	n := s.entries.DeleteByPattern(cache.IdentityMatcher(platform, identity))
	s.logger.Debug().Str("platform", platform).Str("identity", identity).Int("removed", n).Msg("identity invalidated")
	return n
}

type request[T snapshot.Payload] struct {
	kind     snapshot.Kind
	call     stats.CallType
	platform string
	identity string
	variant  string
	extra    []any
	fetch    func(ctx context.Context, platform, identity string) (T, error)
	persist  func(ctx context.Context, platform, identity string, v T) error
	accept   func(v T) bool
}

func load[T snapshot.Payload](ctx context.Context, s *Service, req request[T]) (Result[T], error) {
	platform, identity := snapshot.NormalizeIdentity(req.platform, req.identity)
	if platform == "" || identity == "" {
		return Result[T]{}, goerrors.New("insights: platform and identity are required", goerrors.CategoryValidation)
	}

	logger := s.logger.With().Str("platform", platform).Str("identity", identity).Str("kind", string(req.kind)).Logger()
	key := cache.IdentityKey(s.keys, string(req.kind), platform, identity, req.extra...)

	// Set only by the caller that runs the fetch.
	leaderVia := ViaUpstream

	v, origin, err := s.entries.Load(ctx, key, s.ttls.forKind(req.kind), func(ctx context.Context) (any, error) {
		if snap, ok := currentSnapshot(ctx, s, req, platform, identity, logger); ok {
			leaderVia = ViaSnapshot
			return snap, nil
		}

		value, err := req.fetch(ctx, platform, identity)
		if err != nil {
			return nil, cache.UpstreamFetchFailed(err, fmt.Sprintf("fetch %s for %s/%s", req.kind, platform, identity))
		}
		if err := req.persist(ctx, platform, identity, value); err != nil {
			logger.Warn().Err(err).Msg("snapshot not persisted, continuing without it")
		}
		return stored[T]{value: value, fetchedAt: s.now().UTC()}, nil
	})
	if err != nil {
		return Result[T]{}, err
	}

	entry, ok := v.(stored[T])
	if !ok {
		return Result[T]{}, cache.ErrInvalidResultType
	}

	res := Result[T]{Value: entry.value, FetchedAt: entry.fetchedAt}
	switch origin {
	case cache.OriginHot, cache.OriginMain:
		res.Via = ViaMemory
	case cache.OriginCoalesced:
		res.Via = ViaCoalesced
	default:
		res.Via = leaderVia
	}

	record(ctx, s, platform, req.call, res.Via, logger)
	return res, nil
}

func currentSnapshot[T snapshot.Payload](ctx context.Context, s *Service, req request[T], platform, identity string, logger zerolog.Logger) (stored[T], bool) {
	snap, err := s.store.GetCurrentVariant(ctx, platform, identity, req.kind, req.variant)
	if err != nil {
		if cache.IsStorageUnavailable(err) {
			logger.Warn().Err(err).Msg("snapshot store unavailable, fetching fresh")
		}
		return stored[T]{}, false
	}

	payload, err := snap.Decode()
	if err != nil {
		logger.Warn().Err(err).Msg("snapshot payload unreadable, fetching fresh")
		return stored[T]{}, false
	}
	value, ok := payload.(T)
	if !ok || (req.accept != nil && !req.accept(value)) {
		return stored[T]{}, false
	}
	return stored[T]{value: value, fetchedAt: snap.FetchedAt}, true
}

func record(ctx context.Context, s *Service, platform string, call stats.CallType, via Via, logger zerolog.Logger) {
	if s.stats == nil {
		return
	}

	var err error
	if via.Billed() {
		err = s.stats.RecordMiss(ctx, platform, call)
	} else {
		err = s.stats.RecordHit(ctx, platform, call)
	}
	if err != nil {
		logger.Warn().Err(err).Str("via", string(via)).Msg("stat event not recorded")
	}
}
