package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-insight-cache/stats"
)

var _ stats.Repository = (*StatsRepository)(nil)

// StatsRepository stores stat events and their daily summaries.
type StatsRepository struct {
	db  *bun.DB
	now func() time.Time
}

// NewStatsRepository returns a repository over db.
func NewStatsRepository(db *bun.DB) *StatsRepository {
	return &StatsRepository{db: db, now: time.Now}
}

// RecordEvent appends e and increments its summary in the same transaction,
// so a summary never includes an event that was not stored.
func (r *StatsRepository) RecordEvent(ctx context.Context, e *stats.StatEvent) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(e).Exec(ctx); err != nil {
			return fmt.Errorf("insert stat event: %w", err)
		}

		delta := e.Delta()
		_, err := tx.NewInsert().
			Model(&delta).
			On("CONFLICT (date, platform) DO UPDATE").
			Set("hits = dss.hits + EXCLUDED.hits").
			Set("misses = dss.misses + EXCLUDED.misses").
			Set("cost_saved_cents = dss.cost_saved_cents + EXCLUDED.cost_saved_cents").
			Set("actual_cost_cents = dss.actual_cost_cents + EXCLUDED.actual_cost_cents").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update daily summary: %w", err)
		}
		return nil
	})
}

func (r *StatsRepository) ListSummaries(ctx context.Context, from, to string) ([]stats.DailyStatSummary, error) {
	var rows []stats.DailyStatSummary
	err := r.db.NewSelect().
		Model(&rows).
		Where("dss.date >= ?", from).
		Where("dss.date <= ?", to).
		OrderExpr("dss.date ASC, dss.platform ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return rows, nil
}

// RecomputeSummary folds the raw events of (date, platform) and overwrites the summary.
func (r *StatsRepository) RecomputeSummary(ctx context.Context, date, platform string) (stats.DailyStatSummary, error) {
	var out stats.DailyStatSummary

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var agg stats.DailyStatSummary
		err := tx.NewSelect().
			Model((*stats.StatEvent)(nil)).
			ColumnExpr("COUNT(CASE WHEN se.outcome = ? THEN 1 END) AS hits", stats.OutcomeHit).
			ColumnExpr("COUNT(CASE WHEN se.outcome = ? THEN 1 END) AS misses", stats.OutcomeMiss).
			ColumnExpr("COALESCE(SUM(se.cost_saved_cents), 0) AS cost_saved_cents").
			ColumnExpr("COALESCE(SUM(se.actual_cost_cents), 0) AS actual_cost_cents").
			Where("se.date = ?", date).
			Where("se.platform = ?", platform).
			Scan(ctx, &agg)
		if err != nil {
			return fmt.Errorf("fold stat events: %w", err)
		}

		agg.Date = date
		agg.Platform = platform
		agg.UpdatedAt = r.now().UTC()

		_, err = tx.NewInsert().
			Model(&agg).
			On("CONFLICT (date, platform) DO UPDATE").
			Set("hits = EXCLUDED.hits").
			Set("misses = EXCLUDED.misses").
			Set("cost_saved_cents = EXCLUDED.cost_saved_cents").
			Set("actual_cost_cents = EXCLUDED.actual_cost_cents").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("store recomputed summary: %w", err)
		}

		out = agg
		return nil
	})
	return out, err
}

func (r *StatsRepository) ListEventKeys(ctx context.Context, from, to string) ([]stats.SummaryKey, error) {
	var keys []stats.SummaryKey
	err := r.db.NewSelect().
		Model((*stats.StatEvent)(nil)).
		ColumnExpr("DISTINCT se.date AS date, se.platform AS platform").
		Where("se.date >= ?", from).
		Where("se.date <= ?", to).
		Scan(ctx, &keys)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("list event keys: %w", err)
	}
	return keys, nil
}
