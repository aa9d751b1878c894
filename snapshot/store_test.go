package snapshot_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-insight-cache/cache"
	"github.com/goliatone/go-insight-cache/internal/storage/bunstore"
	"github.com/goliatone/go-insight-cache/pkg/testsupport"
	"github.com/goliatone/go-insight-cache/snapshot"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *snapshot.Store
	repo    *bunstore.SnapshotRepository
	clock   *testsupport.Clock
	fetcher *testsupport.StubFetcher
}

type recordingObserver struct {
	mu      sync.Mutex
	writes  int
	changed int
	reports []snapshot.CollectionReport
}

func (o *recordingObserver) SnapshotWritten(kind snapshot.Kind, changed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes++
	if changed {
		o.changed++
	}
}

func (o *recordingObserver) CollectionFinished(r snapshot.CollectionReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

func newFixture(t *testing.T, opts ...snapshot.Option) *fixture {
	t.Helper()

	db := testsupport.NewTestDB(t)
	f := &fixture{
		repo:    bunstore.NewSnapshotRepository(db),
		clock:   testsupport.NewClock(start),
		fetcher: testsupport.NewStubFetcher(),
	}
	opts = append([]snapshot.Option{
		snapshot.WithClock(f.clock.Now),
		snapshot.WithFetcher(f.fetcher),
	}, opts...)
	f.store = snapshot.NewStore(f.repo, opts...)
	return f
}

func TestWriteSnapshot_ChangeDetection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.store.WriteSnapshot(ctx, "Instagram", " NatGeo ", testsupport.Profile("natgeo", 100), snapshot.SourceAPI)
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.Equal(t, "instagram", first.Platform)
	assert.Equal(t, "natgeo", first.IdentityKey)
	assert.Equal(t, snapshot.KindProfile, first.Kind)
	assert.NotEmpty(t, first.ContentHash)

	f.clock.Advance(time.Minute)
	same, err := f.store.WriteSnapshot(ctx, "instagram", "natgeo", testsupport.Profile("natgeo", 100), snapshot.SourceAPI)
	require.NoError(t, err)
	assert.False(t, same.Changed)
	assert.Equal(t, first.ContentHash, same.ContentHash)

	f.clock.Advance(time.Minute)
	changed, err := f.store.WriteSnapshot(ctx, "instagram", "natgeo", testsupport.Profile("natgeo", 101), snapshot.SourceAPI)
	require.NoError(t, err)
	assert.True(t, changed.Changed)

	history, err := f.store.History(ctx, "instagram", "natgeo", snapshot.KindProfile, time.Time{})
	require.NoError(t, err)
	require.Len(t, history, 3, "unchanged refreshes are still stored")
	assert.True(t, history[0].FetchedAt.Before(history[2].FetchedAt))
}

func TestWriteSnapshot_RequiresIdentity(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.WriteSnapshot(context.Background(), "", "natgeo", testsupport.Profile("natgeo", 1), snapshot.SourceAPI)
	assert.Error(t, err)
}

func TestGetCurrentSnapshot_Freshness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.GetCurrentSnapshot(ctx, "instagram", "natgeo", snapshot.KindPosts)
	assert.ErrorIs(t, err, snapshot.ErrNotCurrent)

	written, err := f.store.WriteSnapshot(ctx, "instagram", "natgeo", testsupport.Posts(2), snapshot.SourceAPI)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Hour)
	first, err := f.store.GetCurrentSnapshot(ctx, "instagram", "natgeo", snapshot.KindPosts)
	require.NoError(t, err)
	second, err := f.store.GetCurrentSnapshot(ctx, "INSTAGRAM", "natgeo", snapshot.KindPosts)
	require.NoError(t, err)
	assert.Equal(t, written.ID, first.ID)
	assert.Equal(t, first.ID, second.ID)

	payload, err := first.Decode()
	require.NoError(t, err)
	assert.Len(t, payload.(snapshot.PostsPayload).Posts, 2)

	f.clock.Advance(6 * time.Hour)
	_, err = f.store.GetCurrentSnapshot(ctx, "instagram", "natgeo", snapshot.KindPosts)
	assert.ErrorIs(t, err, snapshot.ErrNotCurrent, "posts expire after 12h")
}

func TestGetCurrentSnapshot_CustomPolicy(t *testing.T) {
	policy := snapshot.DefaultFreshnessPolicy().Merge(map[snapshot.Kind]time.Duration{snapshot.KindProfile: time.Minute})
	f := newFixture(t, snapshot.WithPolicy(policy))
	ctx := context.Background()

	_, err := f.store.WriteSnapshot(ctx, "instagram", "natgeo", testsupport.Profile("natgeo", 1), snapshot.SourceAPI)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.store.GetCurrentSnapshot(ctx, "instagram", "natgeo", snapshot.KindProfile)
	assert.ErrorIs(t, err, snapshot.ErrNotCurrent)
}

func TestWriteProfile_FollowerDailyPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	write := func(followers int64) {
		_, err := f.store.WriteProfile(ctx, "instagram", "natgeo", testsupport.Profile("natgeo", followers), snapshot.SourceAPI)
		require.NoError(t, err)
	}

	write(100)
	f.clock.Advance(3 * time.Hour)
	write(110)
	f.clock.Advance(24 * time.Hour)
	write(120)

	all, err := f.store.History(ctx, "instagram", "natgeo", snapshot.KindFollowerCount, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].DailyPoint)
	assert.False(t, all[1].DailyPoint, "second write on the same UTC day")
	assert.True(t, all[2].DailyPoint)

	points, err := f.store.FollowerHistory(ctx, "instagram", "natgeo", 7)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "2026-05-01", points[0].Date)
	assert.Equal(t, int64(100), points[0].Followers)
	assert.Equal(t, "2026-05-02", points[1].Date)
	assert.Equal(t, int64(120), points[1].Followers)
}

func TestRestore_IsIdempotent(t *testing.T) {
	src := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := src.store.WriteSnapshot(ctx, "instagram", "natgeo", testsupport.Profile("natgeo", int64(i)), snapshot.SourceAPI)
		require.NoError(t, err)
		src.clock.Advance(time.Hour)
	}
	exported, err := src.store.History(ctx, "instagram", "natgeo", snapshot.KindProfile, time.Time{})
	require.NoError(t, err)
	require.Len(t, exported, 3)

	dst := newFixture(t)
	report, err := dst.store.Restore(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Inserted)
	assert.Empty(t, report.Errors)

	report, err = dst.store.Restore(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 3, report.Skipped)

	restored, err := dst.store.History(ctx, "instagram", "natgeo", snapshot.KindProfile, time.Time{})
	require.NoError(t, err)
	assert.Len(t, restored, 3)

	report, err = dst.store.Restore(ctx, []snapshot.Snapshot{{Platform: "instagram"}})
	require.NoError(t, err)
	assert.Len(t, report.Errors, 1)
}

func TestEnqueueForCollection_Upserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.EnqueueForCollection(ctx, "instagram", "natgeo", 0))
	require.NoError(t, f.store.EnqueueForCollection(ctx, "Instagram", "NATGEO", 6*time.Hour))

	entries, err := f.store.QueueEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 6*time.Hour, entries[0].Cadence)
	assert.True(t, entries[0].LastCollectedAt.IsZero())
}

func TestRunDueCollections_PartialFailure(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, snapshot.WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, f.store.EnqueueForCollection(ctx, "instagram", "natgeo", 24*time.Hour))
	require.NoError(t, f.store.EnqueueForCollection(ctx, "instagram", "broken", 24*time.Hour))
	f.fetcher.Fail("broken", errors.New("429 too many requests"))

	report, err := f.store.RunDueCollections(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Due)
	assert.Equal(t, 1, report.Collected)
	assert.Equal(t, 2, report.APICallsSaved, "profile and posts for natgeo")
	assert.Equal(t, 0, report.Unchanged)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "broken", report.Errors[0].IdentityKey)
	assert.True(t, cache.IsUpstreamFetchFailed(report.Errors[0].Err))

	current, err := f.store.GetCurrentSnapshot(ctx, "instagram", "natgeo", snapshot.KindProfile)
	require.NoError(t, err)
	assert.Equal(t, snapshot.SourceAPI, current.Source)

	f.clock.Advance(time.Hour)
	f.fetcher.Fail("broken", nil)
	report, err = f.store.RunDueCollections(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due, "only the failed identity is still due")
	assert.Equal(t, 1, report.Collected)

	f.clock.Advance(23 * time.Hour)
	report, err = f.store.RunDueCollections(ctx, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Due)
	assert.Equal(t, 0, report.APICallsSaved)
	assert.Equal(t, 2, report.Unchanged, "same payloads count as unchanged, not saved")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.reports, 3)
}

func TestRunDueCollections_NoFetcher(t *testing.T) {
	db := testsupport.NewTestDB(t)
	store := snapshot.NewStore(bunstore.NewSnapshotRepository(db))

	_, err := store.RunDueCollections(context.Background(), time.Now())
	assert.ErrorIs(t, err, snapshot.ErrNoFetcher)
}

func TestRunDueCollections_Cancelled(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.EnqueueForCollection(context.Background(), "instagram", "natgeo", time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.store.RunDueCollections(ctx, f.clock.Now())
	assert.Error(t, err)
	assert.Equal(t, 0, f.fetcher.TotalCalls())
}

func TestRunDueCollections_ConcurrentCallsShareRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.EnqueueForCollection(ctx, "instagram", "natgeo", time.Hour))

	block := make(chan struct{})
	f.fetcher.Block = block

	var wg sync.WaitGroup
	reports := make([]snapshot.CollectionReport, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.store.RunDueCollections(ctx, f.clock.Now())
			assert.NoError(t, err)
			reports[i] = r
		}(i)
	}

	require.Eventually(t, func() bool { return f.fetcher.Calls("profile") == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(block)
	wg.Wait()

	assert.Equal(t, 1, f.fetcher.Calls("profile"), "second caller joins the in-flight run")
	assert.Equal(t, reports[0], reports[1])
}

func TestStore_StorageUnavailable(t *testing.T) {
	db := testsupport.NewTestDB(t)
	store := snapshot.NewStore(bunstore.NewSnapshotRepository(db))
	require.NoError(t, db.Close())

	_, err := store.WriteSnapshot(context.Background(), "instagram", "natgeo", testsupport.Profile("natgeo", 1), snapshot.SourceAPI)
	assert.True(t, cache.IsStorageUnavailable(err), "got %v", err)

	_, err = store.GetCurrentSnapshot(context.Background(), "instagram", "natgeo", snapshot.KindProfile)
	assert.True(t, cache.IsStorageUnavailable(err), "got %v", err)
}

func TestWriteSnapshot_AnalysisScoresHashStable(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, snapshot.WithObserver(obs))
	ctx := context.Background()

	payload := snapshot.AnalysisPayload{
		AnalysisKind: "tone",
		Summary:      "steady",
		Scores: snapshot.Scores{
			"engagement": 0.42, "consistency": 0.8, "reach": 0.61,
			"sentiment": 0.73, "growth": 0.12, "virality": 0.05,
		},
	}

	for i := 0; i < 20; i++ {
		_, err := f.store.WriteSnapshot(ctx, "instagram", "natgeo", payload, snapshot.SourceAPI)
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	assert.Equal(t, 20, obs.writes)
	assert.Equal(t, 1, obs.changed, "identical analysis payloads must hash the same")
}

func TestWriteSnapshot_SameInstant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.store.WriteSnapshot(ctx, "instagram", "natgeo", testsupport.Posts(2), snapshot.SourceAPI)
	require.NoError(t, err)
	second, err := f.store.WriteSnapshot(ctx, "instagram", "natgeo", testsupport.Posts(3), snapshot.SourceAPI)
	require.NoError(t, err)

	assert.True(t, second.FetchedAt.After(first.FetchedAt))
	assert.True(t, second.Changed)

	current, err := f.store.GetCurrentSnapshot(ctx, "instagram", "natgeo", snapshot.KindPosts)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
}

func TestGetCurrentVariant_PerAnalysisKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tone, err := f.store.WriteSnapshot(ctx, "instagram", "natgeo", testsupport.Analysis("tone"), snapshot.SourceAPI)
	require.NoError(t, err)
	assert.Equal(t, "tone", tone.Variant)

	f.clock.Advance(time.Hour)
	growth, err := f.store.WriteSnapshot(ctx, "instagram", "natgeo", testsupport.Analysis("growth"), snapshot.SourceAPI)
	require.NoError(t, err)
	assert.True(t, growth.Changed)

	got, err := f.store.GetCurrentVariant(ctx, "instagram", "natgeo", snapshot.KindAIAnalysis, "tone")
	require.NoError(t, err)
	assert.Equal(t, tone.ID, got.ID)

	newest, err := f.store.GetCurrentSnapshot(ctx, "instagram", "natgeo", snapshot.KindAIAnalysis)
	require.NoError(t, err)
	assert.Equal(t, growth.ID, newest.ID)

	_, err = f.store.GetCurrentVariant(ctx, "instagram", "natgeo", snapshot.KindAIAnalysis, "audience")
	assert.True(t, errors.Is(err, snapshot.ErrNotCurrent))

	f.clock.Advance(7 * 24 * time.Hour)
	_, err = f.store.GetCurrentVariant(ctx, "instagram", "natgeo", snapshot.KindAIAnalysis, "tone")
	assert.True(t, errors.Is(err, snapshot.ErrNotCurrent))
}
