// Package di builds the insight cache component graph from configuration.
package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-insight-cache/cache"
	"github.com/goliatone/go-insight-cache/health"
	"github.com/goliatone/go-insight-cache/insights"
	"github.com/goliatone/go-insight-cache/internal/cacheinfra"
	"github.com/goliatone/go-insight-cache/internal/config"
	"github.com/goliatone/go-insight-cache/internal/httpapi"
	"github.com/goliatone/go-insight-cache/internal/logging"
	"github.com/goliatone/go-insight-cache/internal/metrics"
	"github.com/goliatone/go-insight-cache/internal/storage/bunstore"
	"github.com/goliatone/go-insight-cache/internal/supervisor"
	"github.com/goliatone/go-insight-cache/notify"
	"github.com/goliatone/go-insight-cache/repositorycache"
	"github.com/goliatone/go-insight-cache/snapshot"
	"github.com/goliatone/go-insight-cache/stats"
	"github.com/goliatone/go-insight-cache/upstream"
)

// Job names used in the supervisor tree and in logs.
const (
	JobSweep       = "cache-sweep"
	JobCollections = "due-collections"
	JobHealth      = "health-check"
)

// DefaultConfig returns the built-in configuration. Modules outside this
// repository use it as the starting point for NewContainer.
func DefaultConfig() config.Config {
	return config.Default()
}

// LoadConfig loads the configuration the way the binary does.
func LoadConfig() (config.Config, error) {
	return config.Load()
}

// Option overrides a component the container would otherwise build from config.
type Option func(*options)

type options struct {
	logger   *zerolog.Logger
	db       *bun.DB
	fetcher  snapshot.Fetcher
	sink     health.AlertSink
	registry *prometheus.Registry
	now      func() time.Time
}

// WithLogger replaces the logger built from the logging section.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// WithDB uses an already opened database. The container migrates it but does not close it.
func WithDB(db *bun.DB) Option {
	return func(o *options) { o.db = db }
}

// WithFetcher replaces the HTTP upstream provider.
func WithFetcher(f snapshot.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithAlertSink replaces the sink selected by the alerts section.
func WithAlertSink(sink health.AlertSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithClock replaces time.Now in every time-dependent component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Container owns every long-lived component of the process. It is built
// once from config and closed on shutdown.
type Container struct {
	config        config.Config
	logger        zerolog.Logger
	now           func() time.Time
	db            *bun.DB
	ownsDB        bool
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	memo          *cacheinfra.SturdycService
	keySerializer cache.KeySerializer
	entries       *cacheinfra.EntryCache
	store         *snapshot.Store
	aggregator    *stats.Aggregator
	fetcher       snapshot.Fetcher
	monitor       *health.Monitor
	insights      *insights.Service
	handler       http.Handler
}

// NewContainer builds the component graph from cfg. The database is opened
// and migrated unless WithDB is given.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("di: invalid config: %w", err)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{
		config:        cfg,
		now:           o.now,
		keySerializer: cache.NewDefaultKeySerializer(),
	}
	if o.logger != nil {
		c.logger = *o.logger
	} else {
		c.logger = logging.New(cfg.Logging)
	}

	if err := c.openDB(ctx, o.db); err != nil {
		return nil, err
	}

	c.registry = o.registry
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	c.metrics = metrics.NewCollector(c.registry)

	memo, err := cacheinfra.NewSturdycService(cfg.Memo)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("di: snapshot memo: %w", err)
	}
	c.memo = memo

	// The sweeper runs as a supervised job, not inside the cache.
	entryCfg := cfg.Cache
	entryCfg.SweepInterval = 0
	entries, err := cacheinfra.NewEntryCache(entryCfg,
		cacheinfra.WithRecorder(c.metrics),
		cacheinfra.WithLogger(c.logger),
		cacheinfra.WithClock(c.now),
	)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("di: entry cache: %w", err)
	}
	c.entries = entries

	c.fetcher = o.fetcher
	if c.fetcher == nil {
		provider, err := upstream.NewHTTPProvider(cfg.Upstream, upstream.WithLogger(c.logger))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("di: upstream: %w", err)
		}
		c.fetcher = provider
	}

	sink := o.sink
	if sink == nil {
		if sink, err = newAlertSink(cfg.Alerts, c.logger); err != nil {
			c.Close()
			return nil, err
		}
	}

	repo := repositorycache.New(bunstore.NewSnapshotRepository(c.db), c.memo, c.keySerializer,
		repositorycache.WithLogger(c.logger),
	)
	c.store = snapshot.NewStore(repo,
		snapshot.WithPolicy(cfg.FreshnessPolicy()),
		snapshot.WithFetcher(c.fetcher),
		snapshot.WithObserver(c.metrics),
		snapshot.WithLogger(c.logger),
		snapshot.WithClock(c.now),
	)

	c.aggregator = stats.NewAggregator(bunstore.NewStatsRepository(c.db),
		stats.WithCostTable(cfg.CostTable()),
		stats.WithLogger(c.logger),
		stats.WithClock(c.now),
	)

	c.monitor = health.NewMonitor(c.aggregator, sink,
		health.WithMinSampleSize(cfg.Health.MinSampleSize),
		health.WithPeriodDays(cfg.Health.PeriodDays),
		health.WithObserver(c.metrics),
		health.WithLogger(c.logger),
		health.WithClock(c.now),
	)

	c.insights = insights.NewService(c.entries, c.store, c.fetcher, c.aggregator,
		insights.WithTTLs(cfg.TTLs),
		insights.WithCollectionCadence(cfg.Schedule.CollectionCadence),
		insights.WithKeySerializer(c.keySerializer),
		insights.WithLogger(c.logger),
		insights.WithClock(c.now),
	)

	c.handler = httpapi.NewRouter(httpapi.Deps{
		Stats:       c.aggregator,
		Health:      c.monitor,
		Cache:       c.entries,
		Data:        c.insights,
		Collections: c.store,
		Gatherer:    c.registry,
		MinHitRate:  cfg.Health.MinHitRate,
		Logger:      c.logger,
		Now:         c.now,
	})

	return c, nil
}

func (c *Container) openDB(ctx context.Context, db *bun.DB) error {
	if db == nil {
		opened, err := bunstore.Open(c.config.Database)
		if err != nil {
			return fmt.Errorf("di: %w", err)
		}
		db = opened
		c.ownsDB = true
	}
	c.db = db

	if err := bunstore.Migrate(ctx, db); err != nil {
		c.Close()
		return fmt.Errorf("di: %w", err)
	}
	return nil
}

func newAlertSink(cfg config.AlertsConfig, logger zerolog.Logger) (health.AlertSink, error) {
	switch cfg.Provider {
	case config.AlertsResend:
		sink, err := notify.NewResendSink(cfg.Resend)
		if err != nil {
			return nil, fmt.Errorf("di: alerts: %w", err)
		}
		return sink, nil
	default:
		return notify.NewLogSink(logger), nil
	}
}

// Config returns the configuration the container was built from.
func (c *Container) Config() config.Config {
	return c.config
}

// Logger returns the process logger.
func (c *Container) Logger() zerolog.Logger {
	return c.logger
}

// DB returns the database handle.
func (c *Container) DB() *bun.DB {
	return c.db
}

// Registry returns the Prometheus registry every metric is registered on.
func (c *Container) Registry() *prometheus.Registry {
	return c.registry
}

// KeySerializer returns the shared key serializer.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

// EntryCache returns the in-process entry cache.
func (c *Container) EntryCache() cache.EntryCache {
	return c.entries
}

// Store returns the snapshot store.
func (c *Container) Store() *snapshot.Store {
	return c.store
}

// Aggregator returns the statistics aggregator.
func (c *Container) Aggregator() *stats.Aggregator {
	return c.aggregator
}

// Monitor returns the health monitor.
func (c *Container) Monitor() *health.Monitor {
	return c.monitor
}

// Insights returns the dashboard data service.
func (c *Container) Insights() *insights.Service {
	return c.insights
}

// Handler returns the HTTP read API.
func (c *Container) Handler() http.Handler {
	return c.handler
}

// Jobs returns the periodic jobs enabled by the schedule. A zero interval disables a job.
func (c *Container) Jobs() []*supervisor.PeriodicService {
	var jobs []*supervisor.PeriodicService

	if every := c.config.Cache.SweepInterval; every > 0 {
		jobs = append(jobs, supervisor.NewPeriodicService(JobSweep, every, false, c.logger,
			func(context.Context) error {
				c.entries.Sweep()
				return nil
			}))
	}

	if every := c.config.Schedule.CollectionInterval; every > 0 {
		jobs = append(jobs, supervisor.NewPeriodicService(JobCollections, every, true, c.logger,
			func(ctx context.Context) error {
				report, err := c.store.RunDueCollections(ctx, c.now())
				if err != nil {
					return err
				}
				c.logger.Info().
					Int("due", report.Due).
					Int("collected", report.Collected).
					Int("failed", len(report.Errors)).
					Msg("collection run finished")
				return nil
			}))
	}

	if every := c.config.Schedule.HealthInterval; every > 0 {
		jobs = append(jobs, supervisor.NewPeriodicService(JobHealth, every, false, c.logger, c.checkHealth))
	}

	return jobs
}

// checkHealth is the only path that delivers health alerts.
func (c *Container) checkHealth(ctx context.Context) error {
	_, err := c.monitor.CheckHealth(ctx, c.config.Health.MinHitRate)
	return err
}

// Supervisor builds the supervisor tree: every job plus the HTTP server.
func (c *Container) Supervisor() *supervisor.Tree {
	tree := supervisor.NewTree(c.logger, supervisor.DefaultTreeConfig())
	for _, job := range c.Jobs() {
		tree.AddJob(job)
	}

	server := &http.Server{
		Addr:              c.config.Server.Addr,
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tree.AddAPI(supervisor.NewHTTPService(server, c.config.Server.ShutdownTimeout))
	return tree
}

// Close releases the entry cache and, when the container opened it, the database.
func (c *Container) Close() error {
	var errs []error
	if c.entries != nil {
		errs = append(errs, c.entries.Close())
	}
	if c.ownsDB && c.db != nil {
		errs = append(errs, c.db.Close())
		c.db = nil
	}
	return errors.Join(errs...)
}
