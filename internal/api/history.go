package api

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/report/sinks"
	"github.com/JakeFAU/trailnotes/internal/storage/postgres"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// MemoryHistory serves run history from an in-memory sink.
type MemoryHistory struct {
	Sink *sinks.MemorySink
}

// Recent implements History.
func (h MemoryHistory) Recent(_ context.Context, job string, limit int) ([]report.Report, error) {
	return h.Sink.Recent(job, limit), nil
}

// RunLister reads history rows; postgres.RunStore satisfies it.
type RunLister interface {
	ListRuns(ctx context.Context, job string, limit int) ([]postgres.RunRecord, error)
}

// PostgresHistory serves run history from the job_runs table.
type PostgresHistory struct {
	Store RunLister
}

// Recent implements History.
func (h PostgresHistory) Recent(ctx context.Context, job string, limit int) ([]report.Report, error) {
	rows, err := h.Store.ListRuns(ctx, job, limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs for %s: %w", job, err)
	}
	out := make([]report.Report, 0, len(rows))
	for _, row := range rows {
		rep := report.Report{
			ID:        row.ID,
			Job:       row.Job,
			Outcome:   report.Outcome(row.Outcome),
			Kind:      trail.Kind(row.Kind),
			Error:     row.Error,
			StartedAt: row.StartedAt,
			Duration:  time.Duration(row.DurationMS) * time.Millisecond,
		}
		if len(row.Detail) > 0 {
			var detail map[string]any
			if err := json.Unmarshal(row.Detail, &detail); err == nil && len(detail) > 0 {
				rep.Detail = detail
			}
		}
		out = append(out, rep)
	}
	return out, nil
}
