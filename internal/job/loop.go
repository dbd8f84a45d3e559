package job

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

const defaultIdleBackoff = 5 * time.Second

// LoopConfig controls Runner.Loop.
type LoopConfig struct {
	// IdleBackoff is the pause after an empty poll, a denied slot, or a
	// failed run. A draining loop does not pause after failures.
	IdleBackoff time.Duration
	// StopWhenIdle ends the loop on the first empty poll or denied slot
	// instead of backing off.
	StopWhenIdle bool
}

// LoopStats summarizes a finished loop.
type LoopStats struct {
	Runs     int
	Failures int
}

// Loop runs j repeatedly until ctx ends (or, with StopWhenIdle, until there is
// nothing to do). Failures are reported and never stop the loop. Denied slots
// are not reported from the loop since another consumer holds the slot.
func (r *Runner) Loop(ctx context.Context, j Job, cfg LoopConfig) LoopStats {
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = defaultIdleBackoff
	}
	var stats LoopStats
	for ctx.Err() == nil {
		rep, err := r.run(ctx, j, false)
		idle := errors.Is(err, trail.ErrQueueEmpty) || errors.Is(err, trail.ErrConcurrencyDenied)
		if !idle {
			stats.Runs++
			if rep.Outcome == report.OutcomeFailure {
				stats.Failures++
			}
			if rep.Outcome != report.OutcomeFailure || cfg.StopWhenIdle {
				continue
			}
		} else if cfg.StopWhenIdle {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(cfg.IdleBackoff):
		}
	}
	r.logger.Debug("loop finished", zap.String("job", j.Name), zap.Int("runs", stats.Runs), zap.Int("failures", stats.Failures))
	return stats
}
