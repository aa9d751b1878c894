package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-insight-cache/snapshot"
)

var _ snapshot.Repository = (*SnapshotRepository)(nil)

// SnapshotRepository stores snapshots and the collection queue.
type SnapshotRepository struct {
	db bun.IDB
}

// NewSnapshotRepository returns a repository over db.
func NewSnapshotRepository(db bun.IDB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) InsertSnapshot(ctx context.Context, s *snapshot.Snapshot) error {
	if _, err := r.db.NewInsert().Model(s).Exec(ctx); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r *SnapshotRepository) InsertSnapshotIfAbsent(ctx context.Context, s *snapshot.Snapshot) (bool, error) {
	exists, err := r.db.NewSelect().
		Model((*snapshot.Snapshot)(nil)).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("s.id = ?", s.ID).
				WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.
						Where("s.platform = ?", s.Platform).
						Where("s.identity_key = ?", s.IdentityKey).
						Where("s.kind = ?", s.Kind).
						Where("s.variant = ?", s.Variant).
						Where("s.fetched_at = ?", s.FetchedAt)
				})
		}).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	if exists {
		return false, nil
	}

	res, err := r.db.NewInsert().
		Model(s).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	return n > 0, nil
}

func (r *SnapshotRepository) LatestSnapshot(ctx context.Context, platform, identityKey string, kind snapshot.Kind) (*snapshot.Snapshot, error) {
	snap := new(snapshot.Snapshot)
	err := r.db.NewSelect().
		Model(snap).
		Where("s.platform = ?", platform).
		Where("s.identity_key = ?", identityKey).
		Where("s.kind = ?", kind).
		OrderExpr("s.fetched_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snapshot.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

func (r *SnapshotRepository) ListSnapshots(ctx context.Context, q snapshot.Query) ([]snapshot.Snapshot, error) {
	var rows []snapshot.Snapshot
	sel := r.db.NewSelect().
		Model(&rows).
		Where("s.platform = ?", q.Platform).
		Where("s.identity_key = ?", q.IdentityKey).
		Where("s.kind = ?", q.Kind)

	if q.Variant != "" {
		sel = sel.Where("s.variant = ?", q.Variant)
	}
	if !q.Since.IsZero() {
		sel = sel.Where("s.fetched_at >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		sel = sel.Where("s.fetched_at < ?", q.Until)
	}
	if q.DailyOnly {
		sel = sel.Where("s.daily_point = ?", true)
	}
	if q.Descending {
		sel = sel.OrderExpr("s.fetched_at DESC")
	} else {
		sel = sel.OrderExpr("s.fetched_at ASC")
	}
	if q.Limit > 0 {
		sel = sel.Limit(q.Limit)
	}

	if err := sel.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return rows, nil
}

func (r *SnapshotRepository) UpsertQueueEntry(ctx context.Context, e *snapshot.CollectionQueueEntry) error {
	_, err := r.db.NewInsert().
		Model(e).
		On("CONFLICT (platform, identity_key) DO UPDATE").
		Set("cadence = EXCLUDED.cadence").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert queue entry: %w", err)
	}
	return nil
}

func (r *SnapshotRepository) ListQueueEntries(ctx context.Context) ([]snapshot.CollectionQueueEntry, error) {
	var entries []snapshot.CollectionQueueEntry
	err := r.db.NewSelect().
		Model(&entries).
		OrderExpr("cq.platform ASC, cq.identity_key ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	return entries, nil
}

func (r *SnapshotRepository) MarkCollected(ctx context.Context, platform, identityKey string, at time.Time) error {
	res, err := r.db.NewUpdate().
		Model((*snapshot.CollectionQueueEntry)(nil)).
		Set("last_collected_at = ?", at).
		Set("updated_at = ?", at).
		Where("platform = ?", platform).
		Where("identity_key = ?", identityKey).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark collected: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark collected: no queue entry for %s/%s", platform, identityKey)
	}
	return nil
}
