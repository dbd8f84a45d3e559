// Package job runs component invocations with a hard timeout, classifies
// their outcome, and reports it. It also drives queue consumers in a loop.
package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/metrics"
	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Func is one invocation of a component. The returned detail is attached to
// the report.
type Func func(ctx context.Context) (map[string]any, error)

// Job names a component invocation and its wall-clock budget.
type Job struct {
	Name    string
	Timeout time.Duration
	Run     Func
}

// Runner executes jobs and reports every invocation.
type Runner struct {
	reporter report.Reporter
	ids      trail.IDGenerator
	clock    trail.Clock
	logger   *zap.Logger
}

// NewRunner constructs a Runner. A nil reporter discards reports.
func NewRunner(reporter report.Reporter, ids trail.IDGenerator, clk trail.Clock, logger *zap.Logger) *Runner {
	if reporter == nil {
		reporter = report.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{reporter: reporter, ids: ids, clock: clk, logger: logger.Named("job")}
}

// Run executes j once. The returned report has already been handed to the
// reporter. An empty queue poll is neither reported nor counted; the zero
// Report is returned with trail.ErrQueueEmpty.
func (r *Runner) Run(ctx context.Context, j Job) (report.Report, error) {
	return r.run(ctx, j, true)
}

func (r *Runner) run(ctx context.Context, j Job, reportSkips bool) (report.Report, error) {
	started := r.clock.Now()
	runCtx := ctx
	cancel := func() {}
	if j.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
	}
	detail, err := invoke(runCtx, j)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = errors.Join(err, context.DeadlineExceeded)
	}
	cancel()
	if errors.Is(err, trail.ErrQueueEmpty) {
		return report.Report{}, err
	}
	duration := r.clock.Now().Sub(started)
	if duration < 0 {
		duration = 0
	}

	outcome, kind := report.OutcomeFor(err)
	rep := report.Report{
		Job:       j.Name,
		Outcome:   outcome,
		Kind:      kind,
		StartedAt: started,
		Duration:  duration,
		Detail:    detail,
	}
	if err != nil {
		rep.Error = err.Error()
	}
	id, idErr := r.ids.NewID()
	if idErr != nil {
		r.logger.Warn("generate run id", zap.Error(idErr))
		id = fmt.Sprintf("%s-%d", j.Name, started.UnixNano())
	}
	rep.ID = id

	metrics.ObserveJob(j.Name, string(outcome), duration)
	if outcome != report.OutcomeSkipped || reportSkips {
		r.reporter.Report(rep)
	}
	r.log(rep)
	return rep, err
}

func (r *Runner) log(rep report.Report) {
	fields := []zap.Field{
		zap.String("job", rep.Job),
		zap.String("run_id", rep.ID),
		zap.Duration("duration", rep.Duration),
	}
	switch rep.Outcome {
	case report.OutcomeFailure:
		r.logger.Warn("job failed", append(fields, zap.String("kind", string(rep.Kind)), zap.String("error", rep.Error))...)
	case report.OutcomeSkipped:
		r.logger.Debug("job skipped", fields...)
	default:
		r.logger.Debug("job finished", fields...)
	}
}

func invoke(ctx context.Context, j Job) (detail map[string]any, err error) {
	if j.Run == nil {
		return nil, trail.ConfigErr("run "+j.Name, errors.New("job has no run function"))
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v\n%s", j.Name, rec, debug.Stack())
		}
	}()
	return j.Run(ctx)
}
