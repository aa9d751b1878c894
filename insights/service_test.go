package insights_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-insight-cache/cache"
	"github.com/goliatone/go-insight-cache/insights"
	"github.com/goliatone/go-insight-cache/internal/cacheinfra"
	"github.com/goliatone/go-insight-cache/internal/storage/bunstore"
	"github.com/goliatone/go-insight-cache/pkg/testsupport"
	"github.com/goliatone/go-insight-cache/snapshot"
	"github.com/goliatone/go-insight-cache/stats"
)

type harness struct {
	svc     *insights.Service
	store   *snapshot.Store
	agg     *stats.Aggregator
	entries *cacheinfra.EntryCache
	fetcher *testsupport.StubFetcher
	clock   *testsupport.Clock
	db      *bun.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		db:      testsupport.NewTestDB(t),
		fetcher: testsupport.NewStubFetcher(),
		clock:   testsupport.NewClock(time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)),
	}

	cfg := cache.DefaultConfig()
	cfg.SweepInterval = 0
	entries, err := cacheinfra.NewEntryCache(cfg, cacheinfra.WithClock(h.clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { entries.Close() })
	h.entries = entries

	h.store = snapshot.NewStore(bunstore.NewSnapshotRepository(h.db),
		snapshot.WithClock(h.clock.Now),
		snapshot.WithFetcher(h.fetcher),
	)
	h.agg = stats.NewAggregator(bunstore.NewStatsRepository(h.db), stats.WithClock(h.clock.Now))
	h.svc = insights.NewService(entries, h.store, h.fetcher, h.agg, insights.WithClock(h.clock.Now))
	return h
}

func (h *harness) summary(t *testing.T) stats.Summary {
	t.Helper()
	s, err := h.agg.GetSummary(context.Background(), 1)
	require.NoError(t, err)
	return s
}

func TestProfile_TierOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.Profile(ctx, "instagram", "natgeo")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaUpstream, first.Via)
	assert.Equal(t, "natgeo", first.Value.Username)

	second, err := h.svc.Profile(ctx, "Instagram", "NatGeo")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaMemory, second.Via)

	assert.Equal(t, 1, h.svc.Invalidate("instagram", "natgeo"))

	third, err := h.svc.Profile(ctx, "instagram", "natgeo")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaSnapshot, third.Via)
	assert.Equal(t, first.Value, third.Value)

	assert.Equal(t, 1, h.fetcher.Calls("profile"))

	s := h.summary(t)
	assert.Equal(t, int64(3), s.TotalRequests)
	assert.Equal(t, int64(2), s.CacheHits)
	assert.Equal(t, int64(10), s.TotalCostSavedCents)
	assert.Equal(t, int64(5), s.TotalActualCostCents)
}

func TestProfile_StaleSnapshotRefetches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Profile(ctx, "instagram", "natgeo")
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	res, err := h.svc.Profile(ctx, "instagram", "natgeo")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaUpstream, res.Via)
	assert.Equal(t, 2, h.fetcher.Calls("profile"))
}

func TestProfile_PersistsSnapshotsAndEnqueues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.SetFollowers("natgeo", 4242)

	_, err := h.svc.Profile(ctx, "instagram", "natgeo")
	require.NoError(t, err)

	entries, err := h.store.QueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, snapshot.DefaultCadence, entries[0].Cadence)

	points, err := h.svc.FollowerHistory(ctx, "instagram", "natgeo", 7)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(4242), points[0].Followers)
}

func TestProfile_CoalescesConcurrentRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	block := make(chan struct{})
	h.fetcher.Block = block

	const callers = 10
	var wg sync.WaitGroup
	results := make([]insights.Result[snapshot.ProfilePayload], callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Profile(ctx, "instagram", "natgeo")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return h.entries.Stats().Coalesced == callers-1 }, 2*time.Second, time.Millisecond)
	close(block)
	wg.Wait()

	assert.Equal(t, 1, h.fetcher.Calls("profile"))

	upstream, coalesced := 0, 0
	for _, r := range results {
		switch r.Via {
		case insights.ViaUpstream:
			upstream++
		case insights.ViaCoalesced:
			coalesced++
		}
	}
	assert.Equal(t, 1, upstream)
	assert.Equal(t, callers-1, coalesced)

	s := h.summary(t)
	assert.Equal(t, int64(callers), s.TotalRequests)
	assert.Equal(t, int64(1), s.CacheMisses)
}

func TestProfile_UpstreamErrorIsNotCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fetcher.Fail("natgeo", errors.New("503"))

	_, err := h.svc.Profile(ctx, "instagram", "natgeo")
	require.Error(t, err)
	assert.True(t, cache.IsUpstreamFetchFailed(err))
	assert.Equal(t, int64(0), h.summary(t).TotalRequests)

	h.fetcher.Fail("natgeo", nil)
	res, err := h.svc.Profile(ctx, "instagram", "natgeo")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaUpstream, res.Via)
	assert.Equal(t, 2, h.fetcher.Calls("profile"))
}

func TestProfile_DegradesWhenStorageUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.db.Close())

	res, err := h.svc.Profile(ctx, "instagram", "natgeo")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaUpstream, res.Via)

	res, err = h.svc.Profile(ctx, "instagram", "natgeo")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaMemory, res.Via, "in-process cache keeps working")
}

func TestAnalysis_KeyedByAnalysisKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tone, err := h.svc.Analysis(ctx, "instagram", "natgeo", "tone")
	require.NoError(t, err)
	assert.Equal(t, "tone", tone.Value.AnalysisKind)

	h.clock.Advance(time.Second)
	growth, err := h.svc.Analysis(ctx, "instagram", "natgeo", "growth")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaUpstream, growth.Via)

	again, err := h.svc.Analysis(ctx, "instagram", "natgeo", "tone")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaMemory, again.Via)

	h.svc.Invalidate("instagram", "natgeo")
	h.clock.Advance(time.Second)

	// "growth" was written last, but "tone" keeps its own current snapshot.
	restored, err := h.svc.Analysis(ctx, "instagram", "natgeo", "tone")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaSnapshot, restored.Via)
	assert.Equal(t, "tone", restored.Value.AnalysisKind)
	assert.Equal(t, 2, h.fetcher.Calls("ai_analysis"))

	h.svc.Invalidate("instagram", "natgeo")
	h.clock.Advance(8 * 24 * time.Hour)

	expired, err := h.svc.Analysis(ctx, "instagram", "natgeo", "growth")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaUpstream, expired.Via)
	assert.Equal(t, 3, h.fetcher.Calls("ai_analysis"))
}

func TestPosts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.Posts(ctx, "tiktok", "nasa")
	require.NoError(t, err)
	assert.Len(t, res.Value.Posts, 3)

	h.svc.Invalidate("tiktok", "nasa")
	res, err = h.svc.Posts(ctx, "tiktok", "nasa")
	require.NoError(t, err)
	assert.Equal(t, insights.ViaSnapshot, res.Via)
}

func TestService_RequiresIdentity(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Profile(context.Background(), "instagram", " ")
	assert.Error(t, err)
}
