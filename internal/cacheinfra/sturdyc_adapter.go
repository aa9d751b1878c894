package cacheinfra

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-insight-cache/cache"
	"github.com/viccon/sturdyc"
)

// Interface assertion to ensure the sturdyc service implements cache.CacheService
var _ cache.CacheService = (*SturdycService)(nil)

// Config holds the configuration for the sturdyc backed read memo that sits
// in front of the durable snapshot repository.
type Config struct {
	// Capacity defines the maximum number of entries that the memo can store.
	Capacity int `koanf:"capacity"`

	// NumShards determines the number of cache shards for concurrent access.
	NumShards int `koanf:"num_shards"`

	// TTL is how long a repository read is reused before hitting storage again.
	TTL time.Duration `koanf:"ttl"`

	// EvictionPercentage specifies what percentage of entries to evict
	// when the memo reaches its capacity. Must be between 1-100.
	EvictionPercentage int `koanf:"eviction_percentage"`

	// EarlyRefresh configures early refresh behavior for memoized reads.
	// If nil, early refresh is disabled.
	EarlyRefresh *EarlyRefreshConfig `koanf:"early_refresh"`

	// EvictionInterval sets how often sturdyc checks for expired entries.
	// Zero value uses the default interval.
	EvictionInterval time.Duration `koanf:"eviction_interval"`
}

// EarlyRefreshConfig configures early refresh behavior.
type EarlyRefreshConfig struct {
	MinAsyncRefreshTime time.Duration `koanf:"min_async_refresh_time"`
	MaxAsyncRefreshTime time.Duration `koanf:"max_async_refresh_time"`
	SyncRefreshTime     time.Duration `koanf:"sync_refresh_time"`
	RetryBaseDelay      time.Duration `koanf:"retry_base_delay"`
}

// DefaultConfig returns a Config with sensible defaults for the snapshot read memo.
func DefaultConfig() Config {
	return Config{
		Capacity:           5000,
		NumShards:          64,
		TTL:                30 * time.Second,
		EvictionPercentage: 10,
	}
}

// ToSturdycOptions converts the Config to sturdyc.Option slice.
// Capacity, NumShards, TTL, and EvictionPercentage are passed directly
// to sturdyc.New() and are not included in the options.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option

	if c.EarlyRefresh != nil {
		options = append(options, sturdyc.WithEarlyRefreshes(
			c.EarlyRefresh.MinAsyncRefreshTime,
			c.EarlyRefresh.MaxAsyncRefreshTime,
			c.EarlyRefresh.SyncRefreshTime,
			c.EarlyRefresh.RetryBaseDelay,
		))
	}

	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}

	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.NumShards, validation.Required, validation.Min(1)),
		validation.Field(&c.TTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.EvictionPercentage, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.EvictionInterval, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return &ConfigError{Field: "memo", Message: err.Error()}
	}

	if c.EarlyRefresh != nil {
		er := *c.EarlyRefresh
		err := validation.ValidateStruct(&er,
			validation.Field(&er.MinAsyncRefreshTime, validation.Min(time.Duration(0))),
			validation.Field(&er.MaxAsyncRefreshTime, validation.Min(er.MinAsyncRefreshTime)),
			validation.Field(&er.SyncRefreshTime, validation.Min(time.Duration(0))),
			validation.Field(&er.RetryBaseDelay, validation.Min(time.Duration(0))),
		)
		if err != nil {
			return &ConfigError{Field: "memo.early_refresh", Message: err.Error()}
		}
	}

	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// SturdycService wraps a sturdyc client providing caching behaviour.
type SturdycService struct {
	client *sturdyc.Client[any]
}

// NewSturdycService creates a new sturdyc cache service adapter.
// It validates the configuration and initializes a sturdyc client with the provided settings.
func NewSturdycService(cfg Config) (*SturdycService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[any](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &SturdycService{client: client}, nil
}

// memoEntry boxes fetched values; sturdyc rejects nil interface results.
type memoEntry struct {
	value any
}

// GetOrFetch implements cache.CacheService.GetOrFetch.
// sturdyc deduplicates concurrent fetches for the same key and never stores errors.
func (s *SturdycService) GetOrFetch(ctx context.Context, key string, fetchFn func(context.Context) (any, error)) (any, error) {
	if fetchFn == nil {
		return nil, &ConfigError{Field: "fetchFn", Message: "cannot be nil"}
	}

	res, err := s.client.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetchFn(ctx)
		return memoEntry{value: v}, err
	})

	entry, ok := res.(memoEntry)
	if err != nil {
		if ok && entry.value != nil {
			return entry.value, err
		}
		return nil, err
	}
	if !ok {
		return nil, cache.ErrInvalidResultType
	}
	return entry.value, nil
}

// Delete implements cache.CacheService.Delete.
func (s *SturdycService) Delete(ctx context.Context, key string) error {
	s.client.Delete(key)
	return nil
}

// DeleteByPrefix implements cache.CacheService.DeleteByPrefix.
// Removes all entries from the memo that have keys starting with the given prefix.
func (s *SturdycService) DeleteByPrefix(ctx context.Context, prefix string) error {
	match := cache.PrefixMatcher(prefix)
	for _, key := range s.client.ScanKeys() {
		if match(key) {
			s.client.Delete(key)
		}
	}
	return nil
}

// Size returns the number of memoized entries.
func (s *SturdycService) Size() int {
	return s.client.Size()
}
