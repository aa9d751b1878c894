package snapshot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-insight-cache/cache"
)

// DefaultCadence is used when an identity is enqueued without a cadence.
const DefaultCadence = 24 * time.Hour

// Observer receives store events. The metrics collector implements it.
type Observer interface {
	SnapshotWritten(kind Kind, changed bool)
	CollectionFinished(report CollectionReport)
}

type noopObserver struct{}

func (noopObserver) SnapshotWritten(Kind, bool)          {}
func (noopObserver) CollectionFinished(CollectionReport) {}

// Option configures a Store.
type Option func(*Store)

// WithPolicy replaces the freshness policy.
func WithPolicy(p FreshnessPolicy) Option {
	return func(s *Store) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger.With().Str("component", "snapshot_store").Logger()
	}
}

// WithFetcher sets the upstream provider used by RunDueCollections.
func WithFetcher(f Fetcher) Option {
	return func(s *Store) {
		s.fetcher = f
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observer = o
		}
	}
}

// Store is the durable snapshot tier: freshness lookups, append-only writes
// with change detection, and the background collection queue.
type Store struct {
	repo     Repository
	fetcher  Fetcher
	policy   FreshnessPolicy
	now      func() time.Time
	logger   zerolog.Logger
	observer Observer
	runs     singleflight.Group
}

// NewStore builds a Store over repo.
func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:     repo,
		policy:   DefaultFreshnessPolicy(),
		now:      time.Now,
		logger:   zerolog.Nop(),
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the active freshness policy.
func (s *Store) Policy() FreshnessPolicy {
	return s.policy
}

func (s *Store) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// NormalizeIdentity folds platform and identity so lookups are case-insensitive.
func NormalizeIdentity(platform, identityKey string) (string, string) {
	return strings.ToLower(strings.TrimSpace(platform)), strings.ToLower(strings.TrimSpace(identityKey))
}

// WriteSnapshot encodes and hashes payload and appends a snapshot for
// (platform, identityKey, payload.Kind()). Changed is false when the hash
// equals the previous snapshot's of the same variant. Follower counts are
// flagged as a daily point only for the first write of a UTC day.
func (s *Store) WriteSnapshot(ctx context.Context, platform, identityKey string, payload Payload, source Source) (*Snapshot, error) {
	platform, identityKey = NormalizeIdentity(platform, identityKey)
	if platform == "" || identityKey == "" {
		return nil, goerrorsValidation("platform and identity are required")
	}

	data, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}

	kind := payload.Kind()
	variant := PayloadVariant(payload)
	now := s.clock()

	snap := &Snapshot{
		ID:          uuid.New(),
		Platform:    platform,
		IdentityKey: identityKey,
		Kind:        kind,
		Variant:     variant,
		Payload:     data,
		ContentHash: ContentHash(data),
		FetchedAt:   now,
		Source:      source,
		Changed:     true,
	}

	prev, err := s.latest(ctx, platform, identityKey, kind, variant)
	switch {
	case errors.Is(err, ErrNoSnapshot):
	case err != nil:
		return nil, cache.StorageUnavailable(err, "snapshot store: read previous snapshot")
	default:
		snap.Changed = prev.ContentHash != snap.ContentHash
		// Keep fetched_at strictly increasing per triple so "newest" is unambiguous.
		if !snap.FetchedAt.After(prev.FetchedAt) {
			snap.FetchedAt = prev.FetchedAt.Add(time.Microsecond)
		}
	}

	if kind == KindFollowerCount {
		snap.DailyPoint = prev == nil || !sameUTCDay(prev.FetchedAt, snap.FetchedAt)
	}

	if err := s.repo.InsertSnapshot(ctx, snap); err != nil {
		return nil, cache.StorageUnavailable(err, "snapshot store: insert snapshot")
	}

	s.observer.SnapshotWritten(kind, snap.Changed)
	s.logger.Debug().
		Str("platform", platform).
		Str("identity", identityKey).
		Str("kind", string(kind)).
		Str("variant", variant).
		Bool("changed", snap.Changed).
		Msg("snapshot written")

	return snap, nil
}

// GetCurrentSnapshot returns the newest snapshot of the triple if it is
// within the kind's freshness window, and ErrNotCurrent otherwise.
func (s *Store) GetCurrentSnapshot(ctx context.Context, platform, identityKey string, kind Kind) (*Snapshot, error) {
	return s.GetCurrentVariant(ctx, platform, identityKey, kind, "")
}

// GetCurrentVariant is GetCurrentSnapshot narrowed to one variant of kind.
// An empty variant matches the newest row of any variant.
func (s *Store) GetCurrentVariant(ctx context.Context, platform, identityKey string, kind Kind, variant string) (*Snapshot, error) {
	platform, identityKey = NormalizeIdentity(platform, identityKey)

	snap, err := s.latest(ctx, platform, identityKey, kind, variant)
	if errors.Is(err, ErrNoSnapshot) {
		return nil, ErrNotCurrent
	}
	if err != nil {
		return nil, cache.StorageUnavailable(err, "snapshot store: read latest snapshot")
	}

	if !s.policy.Fresh(kind, snap.FetchedAt, s.clock()) {
		return nil, ErrNotCurrent
	}
	return snap, nil
}

func (s *Store) latest(ctx context.Context, platform, identityKey string, kind Kind, variant string) (*Snapshot, error) {
	if variant == "" {
		return s.repo.LatestSnapshot(ctx, platform, identityKey, kind)
	}

	rows, err := s.repo.ListSnapshots(ctx, Query{
		Platform:    platform,
		IdentityKey: identityKey,
		Kind:        kind,
		Variant:     variant,
		Descending:  true,
		Limit:       1,
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoSnapshot
	}
	return &rows[0], nil
}

// History returns the snapshots of a triple fetched at or after since, oldest first.
func (s *Store) History(ctx context.Context, platform, identityKey string, kind Kind, since time.Time) ([]Snapshot, error) {
	platform, identityKey = NormalizeIdentity(platform, identityKey)

	rows, err := s.repo.ListSnapshots(ctx, Query{
		Platform:    platform,
		IdentityKey: identityKey,
		Kind:        kind,
		Since:       since.UTC(),
	})
	if err != nil {
		return nil, cache.StorageUnavailable(err, "snapshot store: list snapshots")
	}
	return rows, nil
}

// FollowerPoint is one day of follower history.
type FollowerPoint struct {
	Date      string    `json:"date"`
	Followers int64     `json:"followers"`
	FetchedAt time.Time `json:"fetched_at"`
}

// FollowerHistory returns the daily follower points for the last days UTC
// calendar days including today, oldest first.
func (s *Store) FollowerHistory(ctx context.Context, platform, identityKey string, days int) ([]FollowerPoint, error) {
	if days <= 0 {
		days = 30
	}
	platform, identityKey = NormalizeIdentity(platform, identityKey)

	today := s.clock().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	rows, err := s.repo.ListSnapshots(ctx, Query{
		Platform:    platform,
		IdentityKey: identityKey,
		Kind:        KindFollowerCount,
		Since:       since,
		DailyOnly:   true,
	})
	if err != nil {
		return nil, cache.StorageUnavailable(err, "snapshot store: list follower history")
	}

	points := make([]FollowerPoint, 0, len(rows))
	for i := range rows {
		p, err := rows[i].Decode()
		if err != nil {
			return nil, err
		}
		fc, ok := p.(FollowerCountPayload)
		if !ok {
			return nil, fmt.Errorf("snapshot: unexpected payload %T for follower history", p)
		}
		points = append(points, FollowerPoint{
			Date:      rows[i].FetchedAt.UTC().Format(time.DateOnly),
			Followers: fc.Followers,
			FetchedAt: rows[i].FetchedAt,
		})
	}
	return points, nil
}

// RestoreReport summarizes a Restore call.
type RestoreReport struct {
	Inserted int     `json:"inserted"`
	Skipped  int     `json:"skipped"`
	Errors   []error `json:"-"`
}

// Restore re-inserts previously exported snapshots. Rows whose id or natural
// key (platform, identity_key, kind, variant, fetched_at) already exists are
// skipped, so a retried restore never duplicates history.
func (s *Store) Restore(ctx context.Context, snapshots []Snapshot) (RestoreReport, error) {
	var report RestoreReport

	for i := range snapshots {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		snap := snapshots[i].Clone()
		snap.Platform, snap.IdentityKey = NormalizeIdentity(snap.Platform, snap.IdentityKey)
		if !snap.Kind.Valid() || snap.Platform == "" || snap.IdentityKey == "" || snap.FetchedAt.IsZero() {
			report.Errors = append(report.Errors, fmt.Errorf("snapshot %d: incomplete natural key", i))
			continue
		}
		if snap.ID == uuid.Nil {
			snap.ID = uuid.New()
		}
		if snap.ContentHash == "" {
			snap.ContentHash = ContentHash(snap.Payload)
		}
		if snap.Variant == "" {
			if p, err := snap.Decode(); err == nil {
				snap.Variant = PayloadVariant(p)
			}
		}
		if snap.Source == "" {
			snap.Source = SourceManual
		}
		snap.FetchedAt = snap.FetchedAt.UTC().Truncate(time.Microsecond)

		inserted, err := s.repo.InsertSnapshotIfAbsent(ctx, snap)
		if err != nil {
			report.Errors = append(report.Errors, cache.StorageUnavailable(err, "snapshot store: restore snapshot"))
			continue
		}
		if inserted {
			report.Inserted++
		} else {
			report.Skipped++
		}
	}

	return report, nil
}

// EnqueueForCollection registers an identity for background refresh. Calling
// it again only updates the cadence.
func (s *Store) EnqueueForCollection(ctx context.Context, platform, identityKey string, cadence time.Duration) error {
	platform, identityKey = NormalizeIdentity(platform, identityKey)
	if platform == "" || identityKey == "" {
		return goerrorsValidation("platform and identity are required")
	}
	if cadence <= 0 {
		cadence = DefaultCadence
	}

	now := s.clock()
	err := s.repo.UpsertQueueEntry(ctx, &CollectionQueueEntry{
		Platform:    platform,
		IdentityKey: identityKey,
		Cadence:     cadence,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return cache.StorageUnavailable(err, "snapshot store: enqueue collection")
	}
	return nil
}

// QueueEntries returns the collection queue.
func (s *Store) QueueEntries(ctx context.Context) ([]CollectionQueueEntry, error) {
	entries, err := s.repo.ListQueueEntries(ctx)
	if err != nil {
		return nil, cache.StorageUnavailable(err, "snapshot store: list queue")
	}
	return entries, nil
}
