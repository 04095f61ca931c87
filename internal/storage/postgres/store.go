// Package postgres persists search runs and their per-URL predictions.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultPredictionsTable = "predictions"
	DefaultRunsTable        = "search_runs"
)

// Config controls the Postgres connection pool and target tables.
type Config struct {
	DSN              string
	PredictionsTable string
	RunsTable        string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store writes run bookkeeping and prediction rows.
type Store struct {
	pool        pgxPool
	predictions string
	runs        string
	now         func() time.Time
}

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.PredictionsTable, cfg.RunsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, predictionsTable, runsTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if predictionsTable == "" {
		predictionsTable = DefaultPredictionsTable
	}
	if runsTable == "" {
		runsTable = DefaultRunsTable
	}
	for _, table := range []string{predictionsTable, runsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{
		pool:        pool,
		predictions: predictionsTable,
		runs:        runsTable,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the run and prediction tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	run_id      UUID PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	error       TEXT
);
CREATE TABLE IF NOT EXISTS %[2]s (
	run_id      UUID NOT NULL,
	query       TEXT NOT NULL,
	position    INT NOT NULL,
	image_url   TEXT NOT NULL,
	query_url   TEXT NOT NULL,
	prediction  TEXT,
	source      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	status_code INT,
	proxy       TEXT,
	captcha     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, query, position)
);`, s.runs, s.predictions)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
