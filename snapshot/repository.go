package snapshot

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

var (
	// ErrNoSnapshot is returned by a Repository when no row matches.
	ErrNoSnapshot = goerrors.New("snapshot: no snapshot stored", goerrors.CategoryNotFound)

	// ErrNotCurrent is returned by Store.GetCurrentSnapshot when the newest
	// snapshot is missing or outside its freshness window. Callers treat it as a miss.
	ErrNotCurrent = goerrors.New("snapshot: no current snapshot", goerrors.CategoryNotFound)
)

// Query selects a time-ordered range of snapshots for one triple. A
// non-empty Variant narrows it to that variant.
type Query struct {
	Platform    string
	IdentityKey string
	Kind        Kind
	Variant     string
	Since       time.Time
	Until       time.Time
	DailyOnly   bool
	Descending  bool
	Limit       int
}

// Repository is the durable storage behind the Store.
type Repository interface {
	// InsertSnapshot appends s.
	InsertSnapshot(ctx context.Context, s *Snapshot) error
	// InsertSnapshotIfAbsent appends s unless a row with the same id or the same
	// (platform, identity_key, kind, variant, fetched_at) exists. Reports whether a row was written.
	InsertSnapshotIfAbsent(ctx context.Context, s *Snapshot) (bool, error)
	// LatestSnapshot returns the newest row for the triple or ErrNoSnapshot.
	LatestSnapshot(ctx context.Context, platform, identityKey string, kind Kind) (*Snapshot, error)
	// ListSnapshots returns rows matching q ordered by fetched_at.
	ListSnapshots(ctx context.Context, q Query) ([]Snapshot, error)

	// UpsertQueueEntry inserts or updates the cadence of an entry by its natural key.
	UpsertQueueEntry(ctx context.Context, e *CollectionQueueEntry) error
	// ListQueueEntries returns every queue entry.
	ListQueueEntries(ctx context.Context) ([]CollectionQueueEntry, error)
	// MarkCollected sets last_collected_at for an entry.
	MarkCollected(ctx context.Context, platform, identityKey string, at time.Time) error
}

// Fetcher is the metered upstream provider.
type Fetcher interface {
	FetchProfile(ctx context.Context, platform, identityKey string) (ProfilePayload, error)
	FetchPosts(ctx context.Context, platform, identityKey string) (PostsPayload, error)
	FetchAnalysis(ctx context.Context, platform, identityKey, analysisKind string) (AnalysisPayload, error)
}

// CollectionQueueEntry marks an identity for background refresh on a cadence.
type CollectionQueueEntry struct {
	bun.BaseModel `bun:"table:collection_queue,alias:cq"`

	Platform        string        `bun:"platform,pk" json:"platform"`
	IdentityKey     string        `bun:"identity_key,pk" json:"identity_key"`
	Cadence         time.Duration `bun:"cadence,notnull" json:"cadence"`
	LastCollectedAt time.Time     `bun:"last_collected_at,nullzero" json:"last_collected_at,omitempty"`
	CreatedAt       time.Time     `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt       time.Time     `bun:"updated_at,notnull" json:"updated_at"`
}

// IsDue reports whether the entry should be collected at now.
func (e CollectionQueueEntry) IsDue(now time.Time) bool {
	if e.LastCollectedAt.IsZero() {
		return true
	}
	return now.Sub(e.LastCollectedAt) >= e.Cadence
}

// CollectionError is one failed identity in a collection run.
type CollectionError struct {
	Platform    string `json:"platform"`
	IdentityKey string `json:"identity_key"`
	Err         error  `json:"-"`
	Message     string `json:"message"`
}

func (e CollectionError) Error() string {
	return e.Platform + "/" + e.IdentityKey + ": " + e.Message
}

func (e CollectionError) Unwrap() error { return e.Err }

// CollectionReport summarizes a RunDueCollections pass.
type CollectionReport struct {
	// Due is how many queue entries were due.
	Due int `json:"due"`
	// Collected is how many identities were refreshed without error.
	Collected int `json:"collected"`
	// APICallsSaved counts background fetches that produced new content a
	// user request would otherwise have fetched synchronously.
	APICallsSaved int `json:"api_calls_saved"`
	// Unchanged counts background fetches whose content hash matched the previous snapshot.
	Unchanged int               `json:"unchanged"`
	Errors    []CollectionError `json:"errors"`
}
