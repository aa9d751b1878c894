package cache

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config exposes entry cache configuration options for consumers of the cache package.
type Config struct {
	// Capacity is the maximum number of entries held by the main map.
	Capacity int `koanf:"capacity" json:"capacity"`

	// HotCapacity bounds the hot tier. Zero disables promotion.
	HotCapacity int `koanf:"hot_capacity" json:"hot_capacity"`

	// PromotionThreshold is the hit count at which a key enters the hot tier.
	PromotionThreshold uint64 `koanf:"promotion_threshold" json:"promotion_threshold"`

	// EvictionFraction is the share of entries dropped in one batch when the
	// main map is full, between 0 (exclusive) and 1.
	EvictionFraction float64 `koanf:"eviction_fraction" json:"eviction_fraction"`

	// DefaultTTL applies to GetOrFetch calls that do not pass their own TTL.
	DefaultTTL time.Duration `koanf:"default_ttl" json:"default_ttl"`

	// SweepInterval is how often expired entries are removed proactively.
	// Zero leaves expiry to lazy removal and externally scheduled sweeps.
	SweepInterval time.Duration `koanf:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		HotCapacity:        100,
		PromotionThreshold: 5,
		EvictionFraction:   0.1,
		DefaultTTL:         5 * time.Minute,
		SweepInterval:      time.Minute,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.HotCapacity, validation.Min(0), validation.Max(c.Capacity)),
		validation.Field(&c.EvictionFraction, validation.Required, validation.Min(0.0).Exclusive(), validation.Max(1.0)),
		validation.Field(&c.DefaultTTL, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.SweepInterval, validation.Min(time.Duration(0))),
	)
}

// EvictionBatch returns how many entries a single eviction pass removes.
func (c Config) EvictionBatch() int {
	n := int(float64(c.Capacity) * c.EvictionFraction)
	if n < 1 {
		return 1
	}
	return n
}
