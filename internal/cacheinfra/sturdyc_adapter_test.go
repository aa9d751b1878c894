package cacheinfra

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-insight-cache/cache"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Capacity != 5000 {
		t.Errorf("expected Capacity to be 5000, got %d", cfg.Capacity)
	}

	if cfg.NumShards != 64 {
		t.Errorf("expected NumShards to be 64, got %d", cfg.NumShards)
	}

	if cfg.TTL != 30*time.Second {
		t.Errorf("expected TTL to be 30 seconds, got %v", cfg.TTL)
	}

	if cfg.EvictionPercentage != 10 {
		t.Errorf("expected EvictionPercentage to be 10, got %d", cfg.EvictionPercentage)
	}

	if cfg.EarlyRefresh != nil {
		t.Error("expected EarlyRefresh to be disabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		wantField string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "zero capacity", mutate: func(c *Config) { c.Capacity = 0 }, wantErr: true, wantField: "memo"},
		{name: "negative shards", mutate: func(c *Config) { c.NumShards = -1 }, wantErr: true, wantField: "memo"},
		{name: "zero ttl", mutate: func(c *Config) { c.TTL = 0 }, wantErr: true, wantField: "memo"},
		{name: "eviction over 100", mutate: func(c *Config) { c.EvictionPercentage = 101 }, wantErr: true, wantField: "memo"},
		{name: "negative eviction interval", mutate: func(c *Config) { c.EvictionInterval = -time.Second }, wantErr: true, wantField: "memo"},
		{
			name: "valid early refresh",
			mutate: func(c *Config) {
				c.EarlyRefresh = &EarlyRefreshConfig{
					MinAsyncRefreshTime: time.Second,
					MaxAsyncRefreshTime: 2 * time.Second,
					SyncRefreshTime:     5 * time.Second,
					RetryBaseDelay:      10 * time.Millisecond,
				}
			},
		},
		{
			name: "early refresh max below min",
			mutate: func(c *Config) {
				c.EarlyRefresh = &EarlyRefreshConfig{
					MinAsyncRefreshTime: 2 * time.Second,
					MaxAsyncRefreshTime: time.Second,
				}
			},
			wantErr:   true,
			wantField: "memo.early_refresh",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if !tt.wantErr {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}

			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("expected field %q, got %q", tt.wantField, cfgErr.Field)
			}
		})
	}
}

func TestConfig_ToSturdycOptions(t *testing.T) {
	cfg := DefaultConfig()
	if got := len(cfg.ToSturdycOptions()); got != 0 {
		t.Errorf("expected no options for defaults, got %d", got)
	}

	cfg.EvictionInterval = time.Minute
	cfg.EarlyRefresh = &EarlyRefreshConfig{
		MinAsyncRefreshTime: time.Second,
		MaxAsyncRefreshTime: 2 * time.Second,
		SyncRefreshTime:     5 * time.Second,
		RetryBaseDelay:      10 * time.Millisecond,
	}
	if got := len(cfg.ToSturdycOptions()); got != 2 {
		t.Errorf("expected 2 options, got %d", got)
	}
}

func TestConfigError_Error(t *testing.T) {
	err := &ConfigError{Field: "memo", Message: "capacity: cannot be blank."}
	if !strings.Contains(err.Error(), "memo") || !strings.Contains(err.Error(), "capacity") {
		t.Errorf("unexpected error text: %q", err.Error())
	}
}

func newTestSturdyc(t *testing.T) *SturdycService {
	t.Helper()
	svc, err := NewSturdycService(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create sturdyc service: %v", err)
	}
	return svc
}

func TestNewSturdycService_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Capacity = 0

	svc, err := NewSturdycService(cfg)
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
	if svc != nil {
		t.Error("expected nil service on error")
	}
}

func TestSturdycService_GetOrFetch(t *testing.T) {
	svc := newTestSturdyc(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "snapshot", nil
	}

	for i := 0; i < 3; i++ {
		v, err := svc.GetOrFetch(ctx, "latest::instagram::natgeo::profile", fetch)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != "snapshot" {
			t.Fatalf("expected snapshot, got %v", v)
		}
	}

	if got := calls.Load(); got != 1 {
		t.Errorf("expected fetch to run once, ran %d times", got)
	}
	if svc.Size() != 1 {
		t.Errorf("expected 1 memoized entry, got %d", svc.Size())
	}
}

func TestSturdycService_GetOrFetchNilFn(t *testing.T) {
	svc := newTestSturdyc(t)

	_, err := svc.GetOrFetch(context.Background(), "k", nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestSturdycService_ErrorsAreNotMemoized(t *testing.T) {
	svc := newTestSturdyc(t)
	ctx := context.Background()
	storageErr := errors.New("database is locked")

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, storageErr
		}
		return "ok", nil
	}

	if _, err := svc.GetOrFetch(ctx, "k", fetch); !errors.Is(err, storageErr) {
		t.Fatalf("expected storage error, got %v", err)
	}

	v, err := svc.GetOrFetch(ctx, "k", fetch)
	if err != nil || v != "ok" {
		t.Errorf("expected retry to succeed, got %v %v", v, err)
	}
}

func TestSturdycService_NilResultIsMemoized(t *testing.T) {
	svc := newTestSturdyc(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}

	for i := 0; i < 2; i++ {
		v, err := svc.GetOrFetch(ctx, "empty", fetch)
		if err != nil || v != nil {
			t.Fatalf("expected nil value without error, got %v %v", v, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
}

func TestSturdycService_ConcurrentFetchesDeduplicated(t *testing.T) {
	svc := newTestSturdyc(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.GetOrFetch(ctx, "k", fetch); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected a single fetch, got %d", got)
	}
}

func TestSturdycService_Delete(t *testing.T) {
	svc := newTestSturdyc(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(ctx context.Context) (any, error) {
		return calls.Add(1), nil
	}

	svc.GetOrFetch(ctx, "k", fetch)
	if err := svc.Delete(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, _ := svc.GetOrFetch(ctx, "k", fetch)
	if v != int32(2) {
		t.Errorf("expected re-fetch after delete, got %v", v)
	}
}

func TestSturdycService_DeleteByPrefix(t *testing.T) {
	svc := newTestSturdyc(t)
	ctx := context.Background()
	serializer := cache.NewDefaultKeySerializer()

	keys := []string{
		serializer.SerializeKey("latest", "instagram", "natgeo", "profile"),
		serializer.SerializeKey("latest", "instagram", "natgeo", "posts"),
		serializer.SerializeKey("latest", "instagram", "nasa", "profile"),
	}
	for _, k := range keys {
		svc.GetOrFetch(ctx, k, func(ctx context.Context) (any, error) { return k, nil })
	}

	prefix := serializer.SerializeKey("latest", "instagram", "natgeo")
	if err := svc.DeleteByPrefix(ctx, prefix); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if svc.Size() != 1 {
		t.Errorf("expected 1 entry to survive, got %d", svc.Size())
	}
}

func TestSturdycService_InterfaceCompliance(t *testing.T) {
	var _ cache.CacheService = newTestSturdyc(t)
}
