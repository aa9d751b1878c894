// Package config loads the process configuration from struct defaults, an
// optional YAML file and INSIGHTCACHE_ prefixed environment variables, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/goliatone/go-insight-cache/cache"
	"github.com/goliatone/go-insight-cache/health"
	"github.com/goliatone/go-insight-cache/insights"
	"github.com/goliatone/go-insight-cache/internal/cacheinfra"
	"github.com/goliatone/go-insight-cache/internal/logging"
	"github.com/goliatone/go-insight-cache/internal/storage/bunstore"
	"github.com/goliatone/go-insight-cache/notify"
	"github.com/goliatone/go-insight-cache/snapshot"
	"github.com/goliatone/go-insight-cache/stats"
	"github.com/goliatone/go-insight-cache/upstream"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "INSIGHTCACHE_"
	// PathEnvVar names the YAML file to load.
	PathEnvVar = "INSIGHTCACHE_CONFIG"
	// DefaultPath is used when PathEnvVar is unset.
	DefaultPath = "config.yaml"
)

// Alert sink providers.
const (
	AlertsLog    = "log"
	AlertsResend = "resend"
)

// ServerConfig configures the HTTP read API.
type ServerConfig struct {
	Addr            string        `koanf:"addr" json:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
}

// AlertsConfig selects and configures the alert sink.
type AlertsConfig struct {
	Provider string              `koanf:"provider" json:"provider"`
	Resend   notify.ResendConfig `koanf:"resend" json:"resend"`
}

// HealthConfig configures the scheduled health check.
type HealthConfig struct {
	MinHitRate    float64 `koanf:"min_hit_rate" json:"min_hit_rate"`
	MinSampleSize int64   `koanf:"min_sample_size" json:"min_sample_size"`
	PeriodDays    int     `koanf:"period_days" json:"period_days"`
}

// ScheduleConfig sets how often background jobs run. Zero disables a job.
type ScheduleConfig struct {
	CollectionInterval time.Duration `koanf:"collection_interval" json:"collection_interval"`
	CollectionCadence  time.Duration `koanf:"collection_cadence" json:"collection_cadence"`
	HealthInterval     time.Duration `koanf:"health_interval" json:"health_interval"`
}

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig             `koanf:"server" json:"server"`
	Logging   logging.Config           `koanf:"logging" json:"logging"`
	Cache     cache.Config             `koanf:"cache" json:"cache"`
	Memo      cacheinfra.Config        `koanf:"memo" json:"memo"`
	Database  bunstore.Config          `koanf:"database" json:"database"`
	Upstream  upstream.Config          `koanf:"upstream" json:"upstream"`
	Alerts    AlertsConfig             `koanf:"alerts" json:"alerts"`
	TTLs      insights.TTLs            `koanf:"ttls" json:"ttls"`
	// Costs and Freshness override the built-in tables per key.
	Costs     map[string]int64         `koanf:"costs" json:"costs"`
	Freshness map[string]time.Duration `koanf:"freshness" json:"freshness"`
	Health    HealthConfig             `koanf:"health" json:"health"`
	Schedule  ScheduleConfig           `koanf:"schedule" json:"schedule"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:  logging.DefaultConfig(),
		Cache:    cache.DefaultConfig(),
		Memo:     cacheinfra.DefaultConfig(),
		Database: bunstore.DefaultConfig(),
		Upstream: upstream.DefaultConfig(),
		Alerts: AlertsConfig{
			Provider: AlertsLog,
		},
		TTLs: insights.DefaultTTLs(),
		Health: HealthConfig{
			MinHitRate:    50,
			MinSampleSize: health.DefaultMinSampleSize,
			PeriodDays:    health.DefaultPeriodDays,
		},
		Schedule: ScheduleConfig{
			CollectionInterval: time.Hour,
			CollectionCadence:  snapshot.DefaultCadence,
			HealthInterval:     time.Hour,
		},
	}
}

// Validate checks the server section.
func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.ShutdownTimeout, validation.Min(time.Duration(0))),
	)
}

// Validate checks the alert section. Resend settings are only required
// when resend is the selected provider.
func (c AlertsConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Provider, validation.Required, validation.In(AlertsLog, AlertsResend)),
		validation.Field(&c.Resend, validation.Skip.When(c.Provider != AlertsResend)),
	)
}

// Validate checks the health section.
func (c HealthConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MinHitRate, validation.Min(0.0), validation.Max(100.0)),
		validation.Field(&c.MinSampleSize, validation.Min(int64(0))),
		validation.Field(&c.PeriodDays, validation.Min(0)),
	)
}

// Validate checks every section.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Server),
		validation.Field(&c.Logging),
		validation.Field(&c.Cache),
		validation.Field(&c.Memo),
		validation.Field(&c.Database),
		validation.Field(&c.Upstream),
		validation.Field(&c.Alerts),
		validation.Field(&c.Health),
		validation.Field(&c.Costs, validation.By(validCosts)),
		validation.Field(&c.Freshness, validation.By(validFreshness)),
	)
}

func validCosts(value any) error {
	m, _ := value.(map[string]int64)
	for call, cents := range m {
		switch stats.CallType(call) {
		case stats.CallProfile, stats.CallPosts, stats.CallAnalysis:
		default:
			return fmt.Errorf("unknown call type %q", call)
		}
		if cents < 0 {
			return fmt.Errorf("cost for %q must not be negative", call)
		}
	}
	return nil
}

func validFreshness(value any) error {
	m, _ := value.(map[string]time.Duration)
	for kind, window := range m {
		if !snapshot.Kind(kind).Valid() {
			return fmt.Errorf("unknown snapshot kind %q", kind)
		}
		if window <= 0 {
			return fmt.Errorf("freshness window for %q must be positive", kind)
		}
	}
	return nil
}

// FreshnessPolicy merges the configured windows over the defaults.
func (c Config) FreshnessPolicy() snapshot.FreshnessPolicy {
	overrides := make(map[snapshot.Kind]time.Duration, len(c.Freshness))
	for kind, window := range c.Freshness {
		overrides[snapshot.Kind(kind)] = window
	}
	return snapshot.DefaultFreshnessPolicy().Merge(overrides)
}

// CostTable merges the configured costs over the defaults.
func (c Config) CostTable() stats.CostTable {
	return stats.FromConfig(c.Costs)
}

// Load reads the configuration file named by INSIGHTCACHE_CONFIG, or
// config.yaml when present, and the process environment.
func Load() (Config, error) {
	path := os.Getenv(PathEnvVar)
	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file path. An empty path skips the file layer.
func LoadFile(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("config: load environment: %w", err)
	}

	if err := splitLists(k, "alerts.resend.to"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid configuration").
			WithTextCode("INVALID_CONFIG")
	}
	return cfg, nil
}

// envKey maps INSIGHTCACHE_CACHE__HOT_CAPACITY to cache.hot_capacity.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// splitLists turns comma separated environment values into slices.
func splitLists(k *koanf.Koanf, paths ...string) error {
	for _, path := range paths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var items []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		if err := k.Set(path, items); err != nil {
			return fmt.Errorf("config: set %s: %w", path, err)
		}
	}
	return nil
}

// IsInvalid reports whether err came from configuration validation.
func IsInvalid(err error) bool {
	var gerr *goerrors.Error
	return errors.As(err, &gerr) && gerr.Category == goerrors.CategoryValidation
}
