// Package httpapi exposes the dashboard read API: statistics, health,
// cache counters and the profile data served through the cache tiers.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-insight-cache/cache"
	"github.com/goliatone/go-insight-cache/health"
	"github.com/goliatone/go-insight-cache/insights"
	"github.com/goliatone/go-insight-cache/snapshot"
	"github.com/goliatone/go-insight-cache/stats"
)

// StatsReader reads aggregated statistics.
type StatsReader interface {
	GetSummary(ctx context.Context, days int) (stats.Summary, error)
	GetHistory(ctx context.Context, days int) (stats.History, error)
}

// HealthChecker evaluates the cache hit rate without alerting.
type HealthChecker interface {
	Evaluate(ctx context.Context, minHitRate float64) (health.Result, error)
}

// CacheStats reports entry cache counters.
type CacheStats interface {
	Stats() cache.Stats
}

// DataService serves profile data through the cache tiers.
type DataService interface {
	Profile(ctx context.Context, platform, identity string) (insights.Result[snapshot.ProfilePayload], error)
	Posts(ctx context.Context, platform, identity string) (insights.Result[snapshot.PostsPayload], error)
	Analysis(ctx context.Context, platform, identity, analysisKind string) (insights.Result[snapshot.AnalysisPayload], error)
	FollowerHistory(ctx context.Context, platform, identity string, days int) ([]snapshot.FollowerPoint, error)
	Invalidate(platform, identity string) int
}

// CollectionRunner triggers a due collection run.
type CollectionRunner interface {
	RunDueCollections(ctx context.Context, now time.Time) (snapshot.CollectionReport, error)
}

// Deps are the components behind the routes. Nil components disable their routes.
type Deps struct {
	Stats       StatsReader
	Health      HealthChecker
	Cache       CacheStats
	Data        DataService
	Collections CollectionRunner
	Gatherer    prometheus.Gatherer

	// MinHitRate is used when a health request carries no min_hit_rate.
	MinHitRate float64
	Logger     zerolog.Logger
	Now        func() time.Time
}

type api struct {
	deps   Deps
	logger zerolog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	a := &api{deps: deps, logger: deps.Logger.With().Str("component", "httpapi").Logger()}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(a.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		if deps.Stats != nil {
			r.Get("/stats/summary", a.statsSummary)
			r.Get("/stats/history", a.statsHistory)
		}
		if deps.Health != nil {
			r.Get("/health/cache", a.cacheHealth)
		}
		if deps.Cache != nil {
			r.Get("/cache/stats", a.cacheStats)
		}
		if deps.Data != nil {
			r.Route("/profiles/{platform}/{identity}", func(r chi.Router) {
				r.Get("/", a.profile)
				r.Get("/posts", a.posts)
				r.Get("/analysis/{kind}", a.analysis)
				r.Get("/followers", a.followers)
				r.Delete("/cache", a.invalidate)
			})
		}
		if deps.Collections != nil {
			r.Post("/collections", a.runCollections)
		}
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
