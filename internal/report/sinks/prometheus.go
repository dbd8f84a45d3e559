package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/trailnotes/internal/report"
)

// PrometheusSink exports alerting-oriented series derived from reports:
// failures by kind and the time of each job's last success.
type PrometheusSink struct {
	failures    *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trailnotes_job_failures_total",
			Help: "Failed job invocations partitioned by job and error kind.",
		}, []string{"job", "kind"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trailnotes_job_skipped_total",
			Help: "Invocations skipped because the single-flight slot was held.",
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trailnotes_job_last_success_timestamp_seconds",
			Help: "Unix time at which each job last completed successfully.",
		}, []string{"job"}),
	}
	for _, collector := range []prometheus.Collector{s.failures, s.skipped, s.lastSuccess} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register report collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []report.Report) error {
	for _, r := range batch {
		switch r.Outcome {
		case report.OutcomeSuccess:
			end := r.StartedAt.Add(r.Duration)
			s.lastSuccess.WithLabelValues(r.Job).Set(float64(end.UnixNano()) / 1e9)
		case report.OutcomeFailure:
			s.failures.WithLabelValues(r.Job, string(r.Kind)).Inc()
		case report.OutcomeSkipped:
			s.skipped.WithLabelValues(r.Job).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
