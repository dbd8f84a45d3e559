// Package report carries invocation outcomes from the job runner to pluggable
// sinks. Reports are buffered and flushed on a background goroutine so a slow
// or failing sink never delays or fails the invocation it describes.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Outcome is the coarse result of one invocation.
type Outcome string

// Supported outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Report describes a single component invocation.
type Report struct {
	// ID uniquely identifies the invocation.
	ID string `json:"id"`
	// Job is the component name, e.g. "merge" or "deadman".
	Job string `json:"job"`
	// Outcome is success, failure or skipped.
	Outcome Outcome `json:"outcome"`
	// Kind classifies the error; empty on success.
	Kind trail.Kind `json:"kind,omitempty"`
	// Error is the error text; empty on success.
	Error string `json:"error,omitempty"`
	// StartedAt is the UTC start of the invocation.
	StartedAt time.Time `json:"started_at"`
	// Duration is the invocation wall time.
	Duration time.Duration `json:"-"`
	// Detail holds component-specific result fields.
	Detail map[string]any `json:"detail,omitempty"`
}

// DurationMS is Duration in whole milliseconds.
func (r Report) DurationMS() int64 {
	return r.Duration.Milliseconds()
}

// Validate performs coarse validation on a Report.
func (r Report) Validate() error {
	if r.ID == "" {
		return errors.New("report id is required")
	}
	if r.Job == "" {
		return errors.New("report job is required")
	}
	if r.StartedAt.IsZero() {
		return errors.New("report start time is required")
	}
	switch r.Outcome {
	case OutcomeSuccess, OutcomeSkipped:
	case OutcomeFailure:
		if r.Kind == trail.KindNone {
			return errors.New("failure report requires a kind")
		}
	default:
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	if r.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// OutcomeFor maps an invocation error onto an Outcome and Kind. A denied
// single-flight slot is a skip, not a failure.
func OutcomeFor(err error) (Outcome, trail.Kind) {
	kind := trail.Classify(err)
	switch kind {
	case trail.KindNone:
		return OutcomeSuccess, kind
	case trail.KindConcurrencyDenied:
		return OutcomeSkipped, kind
	default:
		return OutcomeFailure, kind
	}
}
