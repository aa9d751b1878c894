package snapshot

import "time"

// FreshnessPolicy maps a kind to the window during which its newest snapshot
// is served instead of calling upstream.
type FreshnessPolicy map[Kind]time.Duration

// DefaultFreshnessPolicy returns the production windows.
func DefaultFreshnessPolicy() FreshnessPolicy {
	return FreshnessPolicy{
		KindProfile:       24 * time.Hour,
		KindPosts:         12 * time.Hour,
		KindAIAnalysis:    7 * 24 * time.Hour,
		KindFollowerCount: 24 * time.Hour,
	}
}

// Window returns the freshness window for kind. Unknown kinds are never fresh.
func (p FreshnessPolicy) Window(kind Kind) time.Duration {
	return p[kind]
}

// Fresh reports whether a snapshot fetched at fetchedAt is still current at now.
func (p FreshnessPolicy) Fresh(kind Kind, fetchedAt, now time.Time) bool {
	window := p.Window(kind)
	if window <= 0 {
		return false
	}
	return now.Sub(fetchedAt) < window
}

// Merge returns a copy of p with overrides applied. Zero durations are ignored.
func (p FreshnessPolicy) Merge(overrides map[Kind]time.Duration) FreshnessPolicy {
	out := make(FreshnessPolicy, len(p))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
