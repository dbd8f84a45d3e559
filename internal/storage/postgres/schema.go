package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureRunTable creates the run history table and its lookup index when
// missing.
func EnsureRunTable(ctx context.Context, db execer, table string) error {
	if err := ValidTable(table); err != nil {
		return err
	}
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	job           TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	kind          TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL,
	detail        JSONB NOT NULL DEFAULT '{}'
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_job_started_idx ON %[1]s (job, started_at DESC)`, table),
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// EnsureLeaseTable creates the single-flight lease table when missing.
func EnsureLeaseTable(ctx context.Context, db execer, table string) error {
	if err := ValidTable(table); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`, table)
	if _, err := db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}
