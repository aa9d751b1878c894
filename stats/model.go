package stats

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DateLayout is the calendar-day format used for event and summary keys (UTC).
const DateLayout = time.DateOnly

// Outcome of one cache decision.
type Outcome string

const (
	OutcomeHit  Outcome = "hit"
	OutcomeMiss Outcome = "miss"
)

// StatEvent is an immutable record of one cache decision.
type StatEvent struct {
	bun.BaseModel `bun:"table:stat_events,alias:se"`

	ID              uuid.UUID `bun:"id,pk,type:varchar(36)" json:"id"`
	Date            string    `bun:"date,notnull" json:"date"`
	Platform        string    `bun:"platform,notnull" json:"platform"`
	Outcome         Outcome   `bun:"outcome,notnull" json:"outcome"`
	CostSavedCents  int64     `bun:"cost_saved_cents,notnull" json:"cost_saved_cents"`
	ActualCostCents int64     `bun:"actual_cost_cents,notnull" json:"actual_cost_cents"`
	RecordedAt      time.Time `bun:"recorded_at,notnull" json:"recorded_at"`
}

// DailyStatSummary is the fold of one (date, platform) group of events. It is
// derived data and can always be rebuilt from stat_events.
type DailyStatSummary struct {
	bun.BaseModel `bun:"table:daily_stat_summaries,alias:dss"`

	Date            string    `bun:"date,pk" json:"date"`
	Platform        string    `bun:"platform,pk" json:"platform"`
	Hits            int64     `bun:"hits,notnull" json:"hits"`
	Misses          int64     `bun:"misses,notnull" json:"misses"`
	CostSavedCents  int64     `bun:"cost_saved_cents,notnull" json:"cost_saved_cents"`
	ActualCostCents int64     `bun:"actual_cost_cents,notnull" json:"actual_cost_cents"`
	UpdatedAt       time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// Requests is hits + misses.
func (s DailyStatSummary) Requests() int64 {
	return s.Hits + s.Misses
}

// Delta is the summary increment contributed by a single event.
func (e StatEvent) Delta() DailyStatSummary {
	d := DailyStatSummary{
		Date:            e.Date,
		Platform:        e.Platform,
		CostSavedCents:  e.CostSavedCents,
		ActualCostCents: e.ActualCostCents,
		UpdatedAt:       e.RecordedAt,
	}
	if e.Outcome == OutcomeHit {
		d.Hits = 1
	} else {
		d.Misses = 1
	}
	return d
}

// Validate checks the event before it is written.
func (e StatEvent) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Date, validation.Required, validation.Date(DateLayout)),
		validation.Field(&e.Platform, validation.Required),
		validation.Field(&e.Outcome, validation.Required, validation.In(OutcomeHit, OutcomeMiss)),
		validation.Field(&e.CostSavedCents, validation.Min(int64(0))),
		validation.Field(&e.ActualCostCents, validation.Min(int64(0))),
	)
}

// SummaryKey identifies one DailyStatSummary row.
type SummaryKey struct {
	Date     string `bun:"date"`
	Platform string `bun:"platform"`
}
