// Package postgres provides Postgres-backed persistence for invocation history.
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

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// RunRecord is one row of invocation history.
type RunRecord struct {
	ID         string
	Job        string
	Outcome    string
	Kind       string
	Error      string
	StartedAt  time.Time
	DurationMS int64
	Detail     []byte
}

// RunStore writes and reads invocation history rows.
type RunStore struct {
	pool  Pool
	table string
}

// Connect opens a pool from cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
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
	return pool, nil
}

// ValidTable reports whether name is safe to interpolate as a table name.
func ValidTable(name string) error {
	if !validTableName.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// NewRunStore constructs a store over an existing pool.
func NewRunStore(pool Pool, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "job_runs"
	}
	if err := ValidTable(table); err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertRun appends one history row.
func (s *RunStore) InsertRun(ctx context.Context, rec RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	detail := rec.Detail
	if len(detail) == 0 {
		detail = []byte("{}")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	job,
	outcome,
	kind,
	error_message,
	started_at,
	duration_ms,
	detail
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.Job,
		rec.Outcome,
		rec.Kind,
		rec.Error,
		rec.StartedAt,
		rec.DurationMS,
		detail,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs of job, newest first.
func (s *RunStore) ListRuns(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
SELECT id, job, outcome, kind, error_message, started_at, duration_ms, detail
FROM %s
WHERE job = $1
ORDER BY started_at DESC
LIMIT $2`, s.table)
	rows, err := s.pool.Query(ctx, query, job, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		if err := rows.Scan(
			&run.ID,
			&run.Job,
			&run.Outcome,
			&run.Kind,
			&run.Error,
			&run.StartedAt,
			&run.DurationMS,
			&run.Detail,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
