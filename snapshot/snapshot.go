package snapshot

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Kind identifies what a snapshot holds. Freshness is a property of the kind.
type Kind string

const (
	KindProfile       Kind = "profile"
	KindPosts         Kind = "posts"
	KindAIAnalysis    Kind = "ai_analysis"
	KindFollowerCount Kind = "follower_count"
)

// Kinds lists every known kind.
func Kinds() []Kind {
	return []Kind{KindProfile, KindPosts, KindAIAnalysis, KindFollowerCount}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProfile, KindPosts, KindAIAnalysis, KindFollowerCount:
		return true
	}
	return false
}

// Source records how a snapshot was obtained.
type Source string

const (
	SourceAPI    Source = "api"
	SourceCache  Source = "cache"
	SourceManual Source = "manual"
)

// Snapshot is an immutable, timestamped copy of upstream data for one
// (platform, identity, kind) triple. Rows are appended, never updated.
// Variant separates kinds stored once per sub-kind, such as one analysis
// per analysis kind; it is empty for every other kind.
type Snapshot struct {
	bun.BaseModel `bun:"table:snapshots,alias:s"`

	ID          uuid.UUID `bun:"id,pk,type:varchar(36)" json:"id"`
	Platform    string    `bun:"platform,notnull" json:"platform"`
	IdentityKey string    `bun:"identity_key,notnull" json:"identity_key"`
	Kind        Kind      `bun:"kind,notnull" json:"kind"`
	Variant     string    `bun:"variant,notnull" json:"variant,omitempty"`
	Payload     []byte    `bun:"payload" json:"-"`
	ContentHash string    `bun:"content_hash,notnull" json:"content_hash"`
	FetchedAt   time.Time `bun:"fetched_at,notnull" json:"fetched_at"`
	Source      Source    `bun:"source,notnull" json:"source"`
	Changed     bool      `bun:"changed,notnull" json:"changed"`
	DailyPoint  bool      `bun:"daily_point,notnull" json:"daily_point"`
}

// Decode returns the typed payload.
func (s *Snapshot) Decode() (Payload, error) {
	return DecodePayload(s.Kind, s.Payload)
}

// Age is how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Clone returns a deep copy so memoized rows cannot be mutated by callers.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Payload != nil {
		out.Payload = append([]byte(nil), s.Payload...)
	}
	return &out
}

// sameUTCDay reports whether a and b fall on the same UTC calendar day.
func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
