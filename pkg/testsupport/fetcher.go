package testsupport

import (
	"context"
	"sync"

	"github.com/goliatone/go-insight-cache/snapshot"
)

// StubFetcher is a snapshot.Fetcher that counts calls and returns canned
// data. Failures can be configured per identity.
type StubFetcher struct {
	mu        sync.Mutex
	calls     map[string]int
	followers map[string]int64
	failures  map[string]error

	// Block, when set, is waited on before every fetch returns.
	Block chan struct{}
}

var _ snapshot.Fetcher = (*StubFetcher)(nil)

// NewStubFetcher returns an empty stub.
func NewStubFetcher() *StubFetcher {
	return &StubFetcher{
		calls:     make(map[string]int),
		followers: make(map[string]int64),
		failures:  make(map[string]error),
	}
}

// SetFollowers changes the follower count returned for identity.
func (f *StubFetcher) SetFollowers(identity string, n int64) {
	f.mu.Lock()
	f.followers[identity] = n
	f.mu.Unlock()
}

// Fail makes every fetch for identity return err. A nil err clears it.
func (f *StubFetcher) Fail(identity string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, identity)
		return
	}
	f.failures[identity] = err
}

// Calls returns how many times method was called, e.g. "profile".
func (f *StubFetcher) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of upstream calls made.
func (f *StubFetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *StubFetcher) begin(ctx context.Context, method, identity string) error {
	f.mu.Lock()
	f.calls[method]++
	err := f.failures[identity]
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *StubFetcher) FetchProfile(ctx context.Context, platform, identityKey string) (snapshot.ProfilePayload, error) {
	if err := f.begin(ctx, "profile", identityKey); err != nil {
		return snapshot.ProfilePayload{}, err
	}
	f.mu.Lock()
	followers, ok := f.followers[identityKey]
	f.mu.Unlock()
	if !ok {
		followers = 1000
	}
	return Profile(identityKey, followers), nil
}

func (f *StubFetcher) FetchPosts(ctx context.Context, platform, identityKey string) (snapshot.PostsPayload, error) {
	if err := f.begin(ctx, "posts", identityKey); err != nil {
		return snapshot.PostsPayload{}, err
	}
	return Posts(3), nil
}

func (f *StubFetcher) FetchAnalysis(ctx context.Context, platform, identityKey, analysisKind string) (snapshot.AnalysisPayload, error) {
	if err := f.begin(ctx, "ai_analysis", identityKey); err != nil {
		return snapshot.AnalysisPayload{}, err
	}
	return Analysis(analysisKind), nil
}
