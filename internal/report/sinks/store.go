package sinks

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/storage/postgres"
)

// RunWriter persists one history row; postgres.RunStore satisfies it.
type RunWriter interface {
	InsertRun(ctx context.Context, rec postgres.RunRecord) error
}

// StoreSink appends every report to the run history table.
type StoreSink struct {
	repo RunWriter
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo RunWriter) *StoreSink {
	return &StoreSink{repo: repo}
}

// Consume inserts one row per report and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []report.Report) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, r := range batch {
		var detail []byte
		if len(r.Detail) > 0 {
			var err error
			if detail, err = json.Marshal(r.Detail); err != nil {
				return fmt.Errorf("marshal detail for %s: %w", r.ID, err)
			}
		}
		if err := s.repo.InsertRun(ctx, postgres.RunRecord{
			ID:         r.ID,
			Job:        r.Job,
			Outcome:    string(r.Outcome),
			Kind:       string(r.Kind),
			Error:      r.Error,
			StartedAt:  r.StartedAt,
			DurationMS: r.DurationMS(),
			Detail:     detail,
		}); err != nil {
			return fmt.Errorf("store report %s: %w", r.ID, err)
		}
	}
	return nil
}

// Close implements the Sink interface; the pool is owned by the caller.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
