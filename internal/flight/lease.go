package flight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/storage/postgres"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// LeaseConfig describes one named lease row.
type LeaseConfig struct {
	Name  string
	Table string
	// TTL bounds how long a crashed holder blocks others.
	TTL time.Duration
}

// Lease is a cross-process gate backed by a Postgres row. The row is taken
// when absent or expired; anything else is a denial.
type Lease struct {
	db     execer
	cfg    LeaseConfig
	ids    trail.IDGenerator
	clock  trail.Clock
	logger *zap.Logger
}

// NewLease constructs a Lease.
func NewLease(db execer, cfg LeaseConfig, ids trail.IDGenerator, clk trail.Clock, logger *zap.Logger) (*Lease, error) {
	if db == nil {
		return nil, fmt.Errorf("lease db is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("lease name is required")
	}
	if cfg.Table == "" {
		cfg.Table = "trail_leases"
	}
	if err := postgres.ValidTable(cfg.Table); err != nil {
		return nil, trail.ConfigErr("lease table", err)
	}
	if cfg.TTL <= 0 {
		return nil, trail.ConfigErr("lease ttl", fmt.Errorf("ttl must be positive"))
	}
	if ids == nil || clk == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lease{db: db, cfg: cfg, ids: ids, clock: clk, logger: logger.Named("lease")}, nil
}

// TryAcquire claims the lease row without waiting.
func (l *Lease) TryAcquire(ctx context.Context) (func(), error) {
	holder, err := l.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("lease holder id: %w", err)
	}
	now := l.clock.Now()
	query := fmt.Sprintf(`
INSERT INTO %[1]s (name, holder, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE
SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
WHERE %[1]s.expires_at < $4`, l.cfg.Table)
	tag, err := l.db.Exec(ctx, query, l.cfg.Name, holder, now.Add(l.cfg.TTL), now)
	if err != nil {
		return nil, trail.Transient("acquire lease "+l.cfg.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("acquire lease %s: %w", l.cfg.Name, trail.ErrConcurrencyDenied)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release outlives the invocation context, which may already be done.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			del := fmt.Sprintf(`DELETE FROM %s WHERE name = $1 AND holder = $2`, l.cfg.Table)
			if _, err := l.db.Exec(releaseCtx, del, l.cfg.Name, holder); err != nil {
				l.logger.Warn("Failed to release lease; it will expire",
					zap.String("lease", l.cfg.Name), zap.Error(err))
			}
		})
	}
	return release, nil
}
