// Package deadman restores the live site from a snapshot when the operator
// stops publishing.
package deadman

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/metrics"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// State is the watchdog decision for one invocation.
type State string

// Watchdog states. Recovered is terminal for the invocation only; the next
// tick re-evaluates the marker.
const (
	StateLive      State = "live"
	StateRecovered State = "recovered"
)

// Config controls the check. Threshold is fixed for the process lifetime.
type Config struct {
	MarkerKey   string
	SnapshotKey string
	Threshold   time.Duration
	// StatusKey, when set, receives a document describing the decision.
	StatusKey string
	// Prune deletes live keys that are absent from the snapshot.
	Prune bool
	// InvalidatePaths defaults to the whole site.
	InvalidatePaths []string
}

// Outcome describes one invocation.
type Outcome struct {
	State            State     `json:"state"`
	LastCheckIn      time.Time `json:"lastCheckIn"`
	RemainingSeconds float64   `json:"remainingSeconds"`
	Restored         int       `json:"restored,omitempty"`
	Pruned           int       `json:"pruned,omitempty"`
	InvalidationID   string    `json:"invalidationId,omitempty"`
}

// Watchdog compares the liveness marker's age with the threshold.
type Watchdog struct {
	cfg         Config
	live        trail.ObjectStore
	recovery    trail.ObjectStore
	invalidator trail.Invalidator
	clock       trail.Clock
	logger      *zap.Logger
}

// New validates cfg and builds a Watchdog.
func New(
	cfg Config,
	live trail.ObjectStore,
	recovery trail.ObjectStore,
	invalidator trail.Invalidator,
	clk trail.Clock,
	logger *zap.Logger,
) (*Watchdog, error) {
	switch {
	case cfg.MarkerKey == "":
		return nil, trail.ConfigErr("deadman", errors.New("marker key is required"))
	case cfg.SnapshotKey == "":
		return nil, trail.ConfigErr("deadman", errors.New("snapshot key is required"))
	case cfg.Threshold <= 0:
		return nil, trail.ConfigErr("deadman", fmt.Errorf("threshold must be positive, got %s", cfg.Threshold))
	}
	if live == nil || recovery == nil || invalidator == nil || clk == nil {
		return nil, errors.New("deadman requires live and recovery stores, an invalidator, and a clock")
	}
	if len(cfg.InvalidatePaths) == 0 {
		cfg.InvalidatePaths = []string{"/*"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watchdog{
		cfg:         cfg,
		live:        live,
		recovery:    recovery,
		invalidator: invalidator,
		clock:       clk,
		logger:      logger.Named("deadman"),
	}, nil
}

// Threshold reports the configured recovery threshold.
func (w *Watchdog) Threshold() time.Duration {
	return w.cfg.Threshold
}

// Run performs one check. When the marker is at least Threshold old the
// snapshot is restored over the live site and the cache is invalidated,
// on every such invocation. Invalidation is never issued unless the
// restore completed.
func (w *Watchdog) Run(ctx context.Context) (Outcome, error) {
	marker, err := w.live.Stat(ctx, w.cfg.MarkerKey)
	if err != nil {
		return Outcome{}, trail.Transient("stat liveness marker", err)
	}
	age := w.clock.Now().Sub(marker.LastModified)
	metrics.SetMarkerAge(age)

	outcome := Outcome{State: StateLive, LastCheckIn: marker.LastModified.UTC()}
	if remaining := w.cfg.Threshold - age; remaining > 0 {
		outcome.RemainingSeconds = remaining.Seconds()
	}

	if age < w.cfg.Threshold {
		w.logger.Info("Liveness marker fresh",
			zap.Duration("age", age),
			zap.Duration("threshold", w.cfg.Threshold),
		)
		return outcome, w.writeStatus(ctx, outcome)
	}

	outcome.State = StateRecovered
	w.logger.Warn("Liveness marker stale; restoring snapshot",
		zap.Duration("age", age),
		zap.Duration("threshold", w.cfg.Threshold),
		zap.String("snapshot", w.cfg.SnapshotKey),
	)
	restored, pruned, err := w.restore(ctx)
	outcome.Restored, outcome.Pruned = restored, pruned
	if err != nil {
		w.logger.Error("Snapshot restore failed; cache left untouched",
			zap.Int("restored", restored),
			zap.Error(err),
		)
		return outcome, trail.Wrap(trail.ErrRestoreFailed, "restore snapshot", err)
	}
	// The status document is written before the invalidation so the purge
	// covers it. Its failure never blocks the invalidation.
	statusErr := w.writeStatus(ctx, outcome)
	if statusErr != nil {
		w.logger.Error("Snapshot restored but status write failed", zap.Error(statusErr))
	}

	id, err := w.invalidator.Invalidate(ctx, w.cfg.InvalidatePaths)
	if err != nil {
		w.logger.Error("Snapshot restored but cache invalidation failed",
			zap.Strings("paths", w.cfg.InvalidatePaths),
			zap.Error(err),
		)
		return outcome, errors.Join(trail.Wrap(trail.ErrInvalidationFailed, "invalidate site", err), statusErr)
	}
	outcome.InvalidationID = id
	w.logger.Warn("Site restored from snapshot",
		zap.Int("restored", restored),
		zap.Int("pruned", pruned),
		zap.String("invalidation_id", id),
	)
	return outcome, statusErr
}

func (w *Watchdog) writeStatus(ctx context.Context, outcome Outcome) error {
	if w.cfg.StatusKey == "" {
		return nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := w.live.Put(ctx, w.cfg.StatusKey, trail.JSONContentType, data); err != nil {
		return trail.Transient("write deadman status", err)
	}
	return nil
}
