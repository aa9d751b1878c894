// Package health evaluates cache effectiveness and raises alerts when the
// hit rate of the current period falls below a threshold.
package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/goliatone/go-insight-cache/stats"
)

const (
	// DefaultMinSampleSize is the request count below which the hit rate is not evaluated.
	DefaultMinSampleSize = 50
	// DefaultPeriodDays is the number of calendar days folded into the current period.
	DefaultPeriodDays = 1

	MessageInsufficientData = "not enough data"
)

// AlertSink delivers an alert message. Delivery failures are logged by the
// monitor and never change the health verdict.
type AlertSink interface {
	SendAlert(ctx context.Context, message string) error
}

// SummarySource is the part of the stats aggregator the monitor reads.
type SummarySource interface {
	GetSummary(ctx context.Context, days int) (stats.Summary, error)
}

// Observer receives health check results. The metrics collector implements it.
type Observer interface {
	HealthChecked(result Result)
}

// Result of one CheckHealth call.
type Result struct {
	Healthy        bool      `json:"healthy"`
	CurrentHitRate float64   `json:"current_hit_rate"`
	MinHitRate     float64   `json:"min_hit_rate"`
	TotalRequests  int64     `json:"total_requests"`
	AlertSent      bool      `json:"alert_sent"`
	Message        string    `json:"message"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMinSampleSize overrides DefaultMinSampleSize.
func WithMinSampleSize(n int64) Option {
	return func(m *Monitor) {
		if n >= 0 {
			m.minSample = n
		}
	}
}

// WithPeriodDays overrides DefaultPeriodDays.
func WithPeriodDays(days int) Option {
	return func(m *Monitor) {
		if days > 0 {
			m.periodDays = days
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger.With().Str("component", "health_monitor").Logger()
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObserver sets the result observer.
func WithObserver(o Observer) Option {
	return func(m *Monitor) {
		m.observer = o
	}
}

// Monitor checks the cache hit rate against a threshold.
type Monitor struct {
	source     SummarySource
	sink       AlertSink
	minSample  int64
	periodDays int
	logger     zerolog.Logger
	now        func() time.Time
	observer   Observer

	last atomic.Pointer[Result]
}

// NewMonitor builds a Monitor. sink may be nil, in which case alerts are never sent.
func NewMonitor(source SummarySource, sink AlertSink, opts ...Option) *Monitor {
	m := &Monitor{
		source:     source,
		sink:       sink,
		minSample:  DefaultMinSampleSize,
		periodDays: DefaultPeriodDays,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckHealth computes the hit rate of the current period. With fewer than
// the minimum sample of requests it reports healthy without evaluating the
// threshold. Otherwise an alert is sent when the rate is below minHitRate.
func (m *Monitor) CheckHealth(ctx context.Context, minHitRate float64) (Result, error) {
	res, err := m.Evaluate(ctx, minHitRate)
	if err != nil {
		return Result{}, err
	}
	if !res.Healthy {
		res.AlertSent = m.alert(ctx, res)
	}

	m.last.Store(&res)
	if m.observer != nil {
		m.observer.HealthChecked(res)
	}
	return res, nil
}

// Evaluate computes the same verdict as CheckHealth without sending an
// alert or recording the result.
func (m *Monitor) Evaluate(ctx context.Context, minHitRate float64) (Result, error) {
	summary, err := m.source.GetSummary(ctx, m.periodDays)
	if err != nil {
		return Result{}, fmt.Errorf("health: read summary: %w", err)
	}

	res := Result{
		CurrentHitRate: summary.HitRate,
		MinHitRate:     minHitRate,
		TotalRequests:  summary.TotalRequests,
		CheckedAt:      m.now().UTC(),
	}

	switch {
	case summary.TotalRequests < m.minSample:
		res.Healthy = true
		res.Message = MessageInsufficientData
	case summary.HitRate >= minHitRate:
		res.Healthy = true
		res.Message = fmt.Sprintf("cache hit rate %.2f%% meets target %.2f%%", summary.HitRate, minHitRate)
	default:
		res.Healthy = false
		res.Message = fmt.Sprintf("cache hit rate %.2f%% is below target %.2f%% over %d requests",
			summary.HitRate, minHitRate, summary.TotalRequests)
	}
	return res, nil
}

func (m *Monitor) alert(ctx context.Context, res Result) bool {
	if m.sink == nil {
		m.logger.Warn().Float64("hit_rate", res.CurrentHitRate).Msg("cache unhealthy, no alert sink configured")
		return false
	}

	if err := m.sink.SendAlert(ctx, res.Message); err != nil {
		m.logger.Error().Err(err).Float64("hit_rate", res.CurrentHitRate).Msg("failed to deliver cache health alert")
		return false
	}

	m.logger.Warn().
		Float64("hit_rate", res.CurrentHitRate).
		Float64("min_hit_rate", res.MinHitRate).
		Int64("requests", res.TotalRequests).
		Msg("cache health alert sent")
	return true
}

// Last returns the most recent result, if any.
func (m *Monitor) Last() (Result, bool) {
	r := m.last.Load()
	if r == nil {
		return Result{}, false
	}
	return *r, true
}
