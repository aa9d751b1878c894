// Package bunstore implements the snapshot and statistics repositories on bun,
// over SQLite or Postgres.
package bunstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-insight-cache/snapshot"
	"github.com/goliatone/go-insight-cache/stats"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config selects the database.
type Config struct {
	Driver       string `koanf:"driver" json:"driver"`
	DSN          string `koanf:"dsn" json:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns" json:"max_open_conns"`
}

// DefaultConfig is a local SQLite file.
func DefaultConfig() Config {
	return Config{
		Driver:       DriverSQLite,
		DSN:          "file:insightcache.db?_busy_timeout=5000&_journal_mode=WAL",
		MaxOpenConns: 1,
	}
}

// Validate checks driver and DSN.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&c.DSN, validation.Required),
		validation.Field(&c.MaxOpenConns, validation.Min(0)),
	)
}

// Open connects to the configured database and returns a bun.DB with the matching dialect.
func Open(cfg Config) (*bun.DB, error) {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "sqlite" {
		cfg.Driver = DriverSQLite
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bunstore: invalid config: %w", err)
	}

	sqldb, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("bunstore: open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	switch cfg.Driver {
	case DriverPostgres:
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	}
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*snapshot.Snapshot)(nil),
		(*snapshot.CollectionQueueEntry)(nil),
		(*stats.StatEvent)(nil),
		(*stats.DailyStatSummary)(nil),
	}

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, model := range models {
			if _, err := tx.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
				return fmt.Errorf("bunstore: create table for %T: %w", model, err)
			}
		}

		indexes := []struct {
			model   any
			name    string
			columns []string
		}{
			{(*snapshot.Snapshot)(nil), "idx_snapshots_natural_key", []string{"platform", "identity_key", "kind", "variant", "fetched_at"}},
			{(*stats.StatEvent)(nil), "idx_stat_events_day", []string{"date", "platform"}},
		}
		for _, idx := range indexes {
			q := tx.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.columns...).IfNotExists()
			if _, err := q.Exec(ctx); err != nil {
				return fmt.Errorf("bunstore: create index %s: %w", idx.name, err)
			}
		}
		return nil
	})
}
