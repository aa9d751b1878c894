// Package upstream implements snapshot.Fetcher over the metered social data
// HTTP API, with a client-side rate limit and a circuit breaker.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/goliatone/go-insight-cache/snapshot"
)

// ErrRateLimited is returned when the provider answers 429.
var ErrRateLimited = errors.New("upstream: rate limited")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d: %s", e.StatusCode, e.Body)
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	MaxRequests      uint32        `koanf:"max_requests" json:"max_requests"`
	Interval         time.Duration `koanf:"interval" json:"interval"`
	Timeout          time.Duration `koanf:"timeout" json:"timeout"`
	FailureThreshold uint32        `koanf:"failure_threshold" json:"failure_threshold"`
}

// Config configures the HTTP provider.
type Config struct {
	BaseURL           string        `koanf:"base_url" json:"base_url"`
	APIKey            string        `koanf:"api_key" json:"-"`
	Timeout           time.Duration `koanf:"timeout" json:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second" json:"requests_per_second"`
	Burst             int           `koanf:"burst" json:"burst"`
	Breaker           BreakerConfig `koanf:"breaker" json:"breaker"`
}

// DefaultConfig returns conservative limits for a metered API.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.example.com",
		Timeout:           15 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
		Breaker: BreakerConfig{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.RequestsPerSecond, validation.Required, validation.Min(0.001)),
		validation.Field(&c.Burst, validation.Required, validation.Min(1)),
	)
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *HTTPProvider) {
		p.logger = logger.With().Str("component", "upstream").Logger()
	}
}

// HTTPProvider fetches profiles, posts and analyses over HTTP.
type HTTPProvider struct {
	base    *url.URL
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  zerolog.Logger
}

var _ snapshot.Fetcher = (*HTTPProvider)(nil)

// NewHTTPProvider validates cfg and builds a provider.
func NewHTTPProvider(cfg Config, opts ...Option) (*HTTPProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("upstream: invalid config: %w", err)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base url: %w", err)
	}

	p := &HTTPProvider{
		base:    base,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	p.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return p, nil
}

// countsAsSuccess keeps client errors such as 404 from tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// BreakerState returns the circuit breaker state name.
func (p *HTTPProvider) BreakerState() string {
	return p.breaker.State().String()
}

func (p *HTTPProvider) FetchProfile(ctx context.Context, platform, identityKey string) (snapshot.ProfilePayload, error) {
	return get[snapshot.ProfilePayload](ctx, p, "v1", platform, "profiles", identityKey)
}

func (p *HTTPProvider) FetchPosts(ctx context.Context, platform, identityKey string) (snapshot.PostsPayload, error) {
	return get[snapshot.PostsPayload](ctx, p, "v1", platform, "profiles", identityKey, "posts")
}

func (p *HTTPProvider) FetchAnalysis(ctx context.Context, platform, identityKey, analysisKind string) (snapshot.AnalysisPayload, error) {
	out, err := get[snapshot.AnalysisPayload](ctx, p, "v1", platform, "profiles", identityKey, "analysis", analysisKind)
	if err == nil && out.AnalysisKind == "" {
		out.AnalysisKind = analysisKind
	}
	return out, err
}

func get[T any](ctx context.Context, p *HTTPProvider, segments ...string) (T, error) {
	var out T

	if err := p.limiter.Wait(ctx); err != nil {
		return out, fmt.Errorf("upstream: wait for rate limiter: %w", err)
	}

	endpoint := p.base.JoinPath(escape(segments)...)
	body, err := p.breaker.Execute(func() ([]byte, error) {
		return p.do(ctx, endpoint.String())
	})
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("upstream: decode %s: %w", endpoint.Path, err)
	}
	return out, nil
}

func (p *HTTPProvider) do(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("upstream: read body: %w", err)
	}

	p.logger.Debug().
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("upstream request")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %w", ErrRateLimited, &StatusError{StatusCode: resp.StatusCode, Body: truncate(body)})
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(body)}
	}
	return body, nil
}

func escape(segments []string) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = url.PathEscape(strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}
