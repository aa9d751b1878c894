package stats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-insight-cache/cache"
)

// Repository is the durable storage behind the Aggregator.
type Repository interface {
	// RecordEvent appends e and adds its delta to the matching summary in one transaction.
	RecordEvent(ctx context.Context, e *StatEvent) error
	// ListSummaries returns summaries with from <= date <= to.
	ListSummaries(ctx context.Context, from, to string) ([]DailyStatSummary, error)
	// RecomputeSummary rebuilds one summary from its raw events and stores it.
	RecomputeSummary(ctx context.Context, date, platform string) (DailyStatSummary, error)
	// ListEventKeys returns the distinct (date, platform) pairs with events in range.
	ListEventKeys(ctx context.Context, from, to string) ([]SummaryKey, error)
}

// Event is the input to RecordEvent. A zero Date means today (UTC).
type Event struct {
	Date            time.Time
	Platform        string
	Outcome         Outcome
	CostSavedCents  int64
	ActualCostCents int64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger.With().Str("component", "stats_aggregator").Logger()
	}
}

// WithCostTable replaces the default cost table.
func WithCostTable(costs CostTable) Option {
	return func(a *Aggregator) {
		if costs != nil {
			a.costs = costs
		}
	}
}

// Aggregator records cache decisions and folds them into per-day summaries.
type Aggregator struct {
	repo   Repository
	costs  CostTable
	now    func() time.Time
	logger zerolog.Logger
}

// NewAggregator builds an Aggregator over repo.
func NewAggregator(repo Repository, opts ...Option) *Aggregator {
	a := &Aggregator{
		repo:   repo,
		costs:  DefaultCostTable(),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Costs returns the active cost table.
func (a *Aggregator) Costs() CostTable {
	return a.costs
}

// RecordEvent appends a StatEvent and updates its daily summary. A hit never
// carries actual cost and a miss never carries saved cost.
func (a *Aggregator) RecordEvent(ctx context.Context, in Event) error {
	now := a.now().UTC()
	date := in.Date
	if date.IsZero() {
		date = now
	}

	e := &StatEvent{
		ID:              uuid.New(),
		Date:            date.UTC().Format(DateLayout),
		Platform:        strings.ToLower(strings.TrimSpace(in.Platform)),
		Outcome:         in.Outcome,
		CostSavedCents:  in.CostSavedCents,
		ActualCostCents: in.ActualCostCents,
		RecordedAt:      now,
	}
	switch e.Outcome {
	case OutcomeHit:
		e.ActualCostCents = 0
	case OutcomeMiss:
		e.CostSavedCents = 0
	}

	if err := e.Validate(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "stats: invalid event")
	}

	if err := a.repo.RecordEvent(ctx, e); err != nil {
		return cache.StorageUnavailable(err, "stats: record event")
	}
	return nil
}

// RecordHit records a hit for call on platform, crediting its estimated cost as saved.
func (a *Aggregator) RecordHit(ctx context.Context, platform string, call CallType) error {
	return a.RecordEvent(ctx, Event{
		Platform:       platform,
		Outcome:        OutcomeHit,
		CostSavedCents: a.costs.Cost(call),
	})
}

// RecordMiss records a miss for call on platform, charging its cost as actual.
func (a *Aggregator) RecordMiss(ctx context.Context, platform string, call CallType) error {
	return a.RecordEvent(ctx, Event{
		Platform:        platform,
		Outcome:         OutcomeMiss,
		ActualCostCents: a.costs.Cost(call),
	})
}

// PlatformSummary is the per-platform slice of a Summary.
type PlatformSummary struct {
	TotalRequests        int64   `json:"total_requests"`
	CacheHits            int64   `json:"cache_hits"`
	CacheMisses          int64   `json:"cache_misses"`
	HitRate              float64 `json:"hit_rate"`
	TotalCostSavedCents  int64   `json:"total_cost_saved_cents"`
	TotalActualCostCents int64   `json:"total_actual_cost_cents"`
}

func (p *PlatformSummary) add(s DailyStatSummary) {
	p.CacheHits += s.Hits
	p.CacheMisses += s.Misses
	p.TotalRequests += s.Requests()
	p.TotalCostSavedCents += s.CostSavedCents
	p.TotalActualCostCents += s.ActualCostCents
	p.HitRate = HitRate(p.CacheHits, p.TotalRequests)
}

// Summary folds the last N days of summaries.
type Summary struct {
	Days int    `json:"days"`
	From string `json:"from"`
	To   string `json:"to"`
	PlatformSummary
	ByPlatform map[string]PlatformSummary `json:"by_platform"`
}

// HitRate is hits/total*100 rounded to two decimals, or 0 when total is 0.
func HitRate(hits, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(hits)/float64(total)*100*100) / 100
}

// window returns the inclusive date range covering the last days calendar
// days, today included.
func (a *Aggregator) window(days int) (from, to time.Time) {
	if days < 1 {
		days = 1
	}
	to = a.now().UTC().Truncate(24 * time.Hour)
	from = to.AddDate(0, 0, -(days - 1))
	return from, to
}

// GetSummary folds the summaries of the last days calendar days.
func (a *Aggregator) GetSummary(ctx context.Context, days int) (Summary, error) {
	if days < 1 {
		days = 1
	}
	from, to := a.window(days)

	rows, err := a.repo.ListSummaries(ctx, from.Format(DateLayout), to.Format(DateLayout))
	if err != nil {
		return Summary{}, cache.StorageUnavailable(err, "stats: list summaries")
	}

	out := Summary{
		Days:       days,
		From:       from.Format(DateLayout),
		To:         to.Format(DateLayout),
		ByPlatform: make(map[string]PlatformSummary),
	}
	for _, row := range rows {
		out.add(row)
		p := out.ByPlatform[row.Platform]
		p.add(row)
		out.ByPlatform[row.Platform] = p
	}
	return out, nil
}

// History holds parallel per-day arrays, one element per calendar day.
type History struct {
	Dates      []string  `json:"dates"`
	Hits       []int64   `json:"hits"`
	Misses     []int64   `json:"misses"`
	HitRates   []float64 `json:"hit_rates"`
	CostSaved  []int64   `json:"cost_saved"`
	ActualCost []int64   `json:"actual_cost"`
}

// GetHistory returns one entry per day in range, zero filled, oldest first.
func (a *Aggregator) GetHistory(ctx context.Context, days int) (History, error) {
	if days < 1 {
		days = 1
	}
	from, to := a.window(days)

	rows, err := a.repo.ListSummaries(ctx, from.Format(DateLayout), to.Format(DateLayout))
	if err != nil {
		return History{}, cache.StorageUnavailable(err, "stats: list summaries")
	}

	byDate := make(map[string]*DailyStatSummary, days)
	for _, row := range rows {
		agg, ok := byDate[row.Date]
		if !ok {
			agg = &DailyStatSummary{Date: row.Date}
			byDate[row.Date] = agg
		}
		agg.Hits += row.Hits
		agg.Misses += row.Misses
		agg.CostSavedCents += row.CostSavedCents
		agg.ActualCostCents += row.ActualCostCents
	}

	h := History{
		Dates:      make([]string, 0, days),
		Hits:       make([]int64, 0, days),
		Misses:     make([]int64, 0, days),
		HitRates:   make([]float64, 0, days),
		CostSaved:  make([]int64, 0, days),
		ActualCost: make([]int64, 0, days),
	}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		date := d.Format(DateLayout)
		var day DailyStatSummary
		if agg, ok := byDate[date]; ok {
			day = *agg
		}
		h.Dates = append(h.Dates, date)
		h.Hits = append(h.Hits, day.Hits)
		h.Misses = append(h.Misses, day.Misses)
		h.HitRates = append(h.HitRates, HitRate(day.Hits, day.Requests()))
		h.CostSaved = append(h.CostSaved, day.CostSavedCents)
		h.ActualCost = append(h.ActualCost, day.ActualCostCents)
	}
	return h, nil
}

// RecomputeSummary rebuilds one (date, platform) summary from raw events.
func (a *Aggregator) RecomputeSummary(ctx context.Context, date time.Time, platform string) (DailyStatSummary, error) {
	s, err := a.repo.RecomputeSummary(ctx, date.UTC().Format(DateLayout), strings.ToLower(strings.TrimSpace(platform)))
	if err != nil {
		return DailyStatSummary{}, cache.StorageUnavailable(err, "stats: recompute summary")
	}
	return s, nil
}

// BackfillReport summarizes a Backfill run.
type BackfillReport struct {
	Recomputed int     `json:"recomputed"`
	Errors     []error `json:"-"`
}

// Backfill recomputes every summary with events in the last days calendar
// days. A failing group is recorded and the rest continue.
func (a *Aggregator) Backfill(ctx context.Context, days int) (BackfillReport, error) {
	var report BackfillReport
	from, to := a.window(days)

	keys, err := a.repo.ListEventKeys(ctx, from.Format(DateLayout), to.Format(DateLayout))
	if err != nil {
		return report, cache.StorageUnavailable(err, "stats: list event keys")
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Date != keys[j].Date {
			return keys[i].Date < keys[j].Date
		}
		return keys[i].Platform < keys[j].Platform
	})

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := a.repo.RecomputeSummary(ctx, key.Date, key.Platform); err != nil {
			a.logger.Warn().Err(err).Str("date", key.Date).Str("platform", key.Platform).Msg("summary recompute failed")
			report.Errors = append(report.Errors, fmt.Errorf("%s/%s: %w", key.Date, key.Platform, err))
			continue
		}
		report.Recomputed++
	}

	a.logger.Info().Int("recomputed", report.Recomputed).Int("errors", len(report.Errors)).Msg("summary backfill finished")
	return report, nil
}
