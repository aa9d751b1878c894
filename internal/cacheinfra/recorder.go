package cacheinfra

// Recorder receives entry cache events. Implementations must be safe for
// concurrent use; they are called outside the cache lock.
type Recorder interface {
	// Hit is called when a value is served from the given tier ("hot" or "main").
	Hit(tier string)
	// Miss is called when a key is absent or expired.
	Miss()
	// Coalesced is called when a caller joins an in-flight fetch.
	Coalesced()
	// Evicted is called with the size of every LRU eviction batch.
	Evicted(n int)
	// Expired is called when expired entries are dropped lazily or by the sweeper.
	Expired(n int)
	// Size reports the number of entries in the main map after a mutation.
	Size(n int)
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) Hit(string)  {}
func (NoopRecorder) Miss()       {}
func (NoopRecorder) Coalesced()  {}
func (NoopRecorder) Evicted(int) {}
func (NoopRecorder) Expired(int) {}
func (NoopRecorder) Size(int)    {}
