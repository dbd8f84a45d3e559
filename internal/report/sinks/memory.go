package sinks

import (
	"context"
	"sync"

	"github.com/JakeFAU/trailnotes/internal/report"
)

const defaultMemoryLimit = 50

// MemorySink keeps the most recent reports per job in memory.
type MemorySink struct {
	mu    sync.RWMutex
	limit int
	byJob map[string][]report.Report
}

// NewMemorySink retains up to limit reports per job (default 50).
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return &MemorySink{limit: limit, byJob: make(map[string][]report.Report)}
}

// Consume appends the batch, evicting the oldest reports past the limit.
func (s *MemorySink) Consume(_ context.Context, batch []report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		runs := append(s.byJob[r.Job], r)
		if len(runs) > s.limit {
			runs = append([]report.Report(nil), runs[len(runs)-s.limit:]...)
		}
		s.byJob[r.Job] = runs
	}
	return nil
}

// Recent returns up to limit reports for job, newest first.
func (s *MemorySink) Recent(job string, limit int) []report.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.byJob[job]
	if limit <= 0 || limit > len(runs) {
		limit = len(runs)
	}
	out := make([]report.Report, 0, limit)
	for i := len(runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, runs[i])
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *MemorySink) Close(context.Context) error {
	return nil
}
