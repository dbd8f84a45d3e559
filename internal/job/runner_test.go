package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

func TestRunReportsSuccessWithDetail(t *testing.T) {
	t.Parallel()

	runner, rec := newTestRunner()
	rep, err := runner.Run(context.Background(), Job{
		Name: "merge",
		Run: func(context.Context) (map[string]any, error) {
			return map[string]any{"points": 3}, nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, report.OutcomeSuccess, rep.Outcome)
	require.Equal(t, "run-1", rep.ID)
	require.Equal(t, time.Second, rep.Duration)
	require.Equal(t, 3, rep.Detail["points"])
	require.Len(t, rec.all(), 1)
}

func TestRunClassifiesOutcomes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		err     error
		outcome report.Outcome
		kind    trail.Kind
		report  bool
	}{
		{"denied is skipped", fmt.Errorf("merge: %w", trail.ErrConcurrencyDenied), report.OutcomeSkipped, trail.KindConcurrencyDenied, true},
		{"data", trail.DataErr("parse", errors.New("eof")), report.OutcomeFailure, trail.KindData, true},
		{"restore", trail.Wrap(trail.ErrRestoreFailed, "restore", errors.New("zip")), report.OutcomeFailure, trail.KindRestoreFailed, true},
		{"invalidation", trail.Wrap(trail.ErrInvalidationFailed, "invalidate", errors.New("throttled")), report.OutcomeFailure, trail.KindInvalidationFailed, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			runner, rec := newTestRunner()
			rep, err := runner.Run(context.Background(), Job{
				Name: "component",
				Run: func(context.Context) (map[string]any, error) {
					return nil, tc.err
				},
			})
			require.ErrorIs(t, err, tc.err)
			require.Equal(t, tc.outcome, rep.Outcome)
			require.Equal(t, tc.kind, rep.Kind)
			require.Equal(t, tc.err.Error(), rep.Error)
			require.Len(t, rec.all(), 1)
		})
	}
}

func TestRunEmptyQueueIsNotReported(t *testing.T) {
	t.Parallel()

	runner, rec := newTestRunner()
	_, err := runner.Run(context.Background(), Job{
		Name: "images",
		Run: func(context.Context) (map[string]any, error) {
			return nil, fmt.Errorf("receive: %w", trail.ErrQueueEmpty)
		},
	})
	require.ErrorIs(t, err, trail.ErrQueueEmpty)
	require.Empty(t, rec.all())
}

func TestRunRecoversPanics(t *testing.T) {
	t.Parallel()

	runner, rec := newTestRunner()
	rep, err := runner.Run(context.Background(), Job{
		Name: "status",
		Run: func(context.Context) (map[string]any, error) {
			panic("nil map")
		},
	})
	require.ErrorContains(t, err, "panicked: nil map")
	require.Equal(t, report.OutcomeFailure, rep.Outcome)
	require.Equal(t, trail.KindUnknown, rep.Kind)
	require.Len(t, rec.all(), 1)
}

func TestRunAppliesTimeout(t *testing.T) {
	t.Parallel()

	runner, _ := newTestRunner()
	rep, err := runner.Run(context.Background(), Job{
		Name:    "scrape",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) (map[string]any, error) {
			<-ctx.Done()
			return nil, trail.Transient("fetch", errors.New("request canceled"))
		},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, trail.KindTimeout, rep.Kind)
}

func TestRunWithoutFuncIsConfigurationError(t *testing.T) {
	t.Parallel()

	runner, _ := newTestRunner()
	rep, err := runner.Run(context.Background(), Job{Name: "broken"})
	require.ErrorIs(t, err, trail.ErrConfiguration)
	require.Equal(t, trail.KindConfiguration, rep.Kind)
}

func TestLoopDrainsUntilIdle(t *testing.T) {
	t.Parallel()

	runner, rec := newTestRunner()
	var calls atomic.Int32
	stats := runner.Loop(context.Background(), Job{
		Name: "images",
		Run: func(context.Context) (map[string]any, error) {
			switch calls.Add(1) {
			case 1, 3:
				return nil, nil
			case 2:
				return nil, trail.DataErr("decode notification", errors.New("bad json"))
			default:
				return nil, trail.ErrQueueEmpty
			}
		},
	}, LoopConfig{StopWhenIdle: true, IdleBackoff: time.Hour})

	require.Equal(t, LoopStats{Runs: 3, Failures: 1}, stats)
	require.Equal(t, int32(4), calls.Load())
	require.Len(t, rec.all(), 3)
}

func TestLoopStopsOnCancel(t *testing.T) {
	t.Parallel()

	runner, rec := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	var polls atomic.Int32
	done := make(chan LoopStats, 1)
	go func() {
		done <- runner.Loop(ctx, Job{
			Name: "images",
			Run: func(context.Context) (map[string]any, error) {
				polls.Add(1)
				return nil, trail.ErrConcurrencyDenied
			},
		}, LoopConfig{IdleBackoff: time.Millisecond})
	}()

	require.Eventually(t, func() bool { return polls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case stats := <-done:
		require.Zero(t, stats.Runs)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	require.Empty(t, rec.all(), "denied polls inside a loop are not reported")
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []report.Report
}

func (r *recordingReporter) Report(rep report.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func (r *recordingReporter) all() []report.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Report(nil), r.reports...)
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

// tickClock advances one second per call.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestRunner() (*Runner, *recordingReporter) {
	rec := &recordingReporter{}
	clk := &tickClock{now: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	return NewRunner(rec, &seqIDs{}, clk, nil), rec
}
