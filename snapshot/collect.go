package snapshot

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-insight-cache/cache"
)

const dueCollectionsKey = "due-collections"

// ErrNoFetcher is returned by RunDueCollections when the store has no provider.
var ErrNoFetcher = goerrors.New("snapshot: no fetcher configured", goerrors.CategoryInternal)

func goerrorsValidation(message string) error {
	return goerrors.New("snapshot: "+message, goerrors.CategoryValidation)
}

// WriteProfile stores a profile snapshot and the follower-count point derived from it.
func (s *Store) WriteProfile(ctx context.Context, platform, identityKey string, profile ProfilePayload, source Source) (*Snapshot, error) {
	snap, err := s.WriteSnapshot(ctx, platform, identityKey, profile, source)
	if err != nil {
		return nil, err
	}

	if _, err := s.WriteSnapshot(ctx, platform, identityKey, FollowerCountPayload{Followers: profile.Followers}, source); err != nil {
		return snap, err
	}
	return snap, nil
}

// RunDueCollections refreshes every queue entry whose cadence has elapsed
// at now. A failure on one identity is recorded in the report and the run
// continues. Concurrent calls share a single run.
func (s *Store) RunDueCollections(ctx context.Context, now time.Time) (CollectionReport, error) {
	if s.fetcher == nil {
		return CollectionReport{}, ErrNoFetcher
	}

	v, err, shared := s.runs.Do(dueCollectionsKey, func() (any, error) {
		return s.runDueCollections(ctx, now)
	})
	if shared {
		s.logger.Debug().Msg("joined in-flight collection run")
	}

	report, _ := v.(CollectionReport)
	return report, err
}

func (s *Store) runDueCollections(ctx context.Context, now time.Time) (CollectionReport, error) {
	var report CollectionReport

	entries, err := s.repo.ListQueueEntries(ctx)
	if err != nil {
		return report, cache.StorageUnavailable(err, "snapshot store: list queue")
	}

	for _, entry := range entries {
		if !entry.IsDue(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			s.observer.CollectionFinished(report)
			return report, err
		}
		report.Due++

		logger := s.logger.With().
			Str("platform", entry.Platform).
			Str("identity", entry.IdentityKey).
			Logger()

		changed, unchanged, err := s.collect(ctx, entry)
		report.APICallsSaved += changed
		report.Unchanged += unchanged
		if err == nil {
			err = s.repo.MarkCollected(ctx, entry.Platform, entry.IdentityKey, now.UTC())
			if err != nil {
				err = cache.StorageUnavailable(err, "snapshot store: mark collected")
			}
		}
		if err != nil {
			logger.Warn().Err(err).Msg("collection failed")
			report.Errors = append(report.Errors, CollectionError{
				Platform:    entry.Platform,
				IdentityKey: entry.IdentityKey,
				Err:         err,
				Message:     err.Error(),
			})
			continue
		}

		report.Collected++
		logger.Debug().Int("changed", changed).Int("unchanged", unchanged).Msg("identity collected")
	}

	s.observer.CollectionFinished(report)
	s.logger.Info().
		Int("due", report.Due).
		Int("collected", report.Collected).
		Int("api_calls_saved", report.APICallsSaved).
		Int("unchanged", report.Unchanged).
		Int("errors", len(report.Errors)).
		Msg("due collections finished")

	return report, nil
}

// collect refreshes profile and posts for one entry and returns how many of
// the upstream calls produced changed and unchanged content.
func (s *Store) collect(ctx context.Context, entry CollectionQueueEntry) (changed, unchanged int, err error) {
	tally := func(snap *Snapshot) {
		if snap.Changed {
			changed++
		} else {
			unchanged++
		}
	}

	profile, err := s.fetcher.FetchProfile(ctx, entry.Platform, entry.IdentityKey)
	if err != nil {
		return changed, unchanged, cache.UpstreamFetchFailed(err, "collect profile")
	}
	snap, err := s.WriteProfile(ctx, entry.Platform, entry.IdentityKey, profile, SourceAPI)
	if snap != nil {
		tally(snap)
	}
	if err != nil {
		return changed, unchanged, err
	}

	posts, err := s.fetcher.FetchPosts(ctx, entry.Platform, entry.IdentityKey)
	if err != nil {
		return changed, unchanged, cache.UpstreamFetchFailed(err, "collect posts")
	}
	snap, err = s.WriteSnapshot(ctx, entry.Platform, entry.IdentityKey, posts, SourceAPI)
	if err != nil {
		return changed, unchanged, err
	}
	tally(snap)

	return changed, unchanged, nil
}
