package sinks

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/report"
)

// Publisher is the subset of *pubsub.Topic the sink uses.
type Publisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// PubSubSink publishes reports as JSON messages for external alerting. By
// default only failures are published.
type PubSubSink struct {
	topic      Publisher
	publishAll bool
	logger     *zap.Logger
}

type message struct {
	ID         string         `json:"id"`
	Job        string         `json:"job"`
	Outcome    string         `json:"outcome"`
	Kind       string         `json:"kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// NewPubSubSink wraps topic. When publishAll is false only failures are sent.
func NewPubSubSink(topic Publisher, publishAll bool, logger *zap.Logger) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{topic: topic, publishAll: publishAll, logger: logger}, nil
}

// Consume publishes each selected report and waits for the server ack.
func (s *PubSubSink) Consume(ctx context.Context, batch []report.Report) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, r := range batch {
		if !s.publishAll && r.Outcome != report.OutcomeFailure {
			continue
		}
		data, err := json.Marshal(message{
			ID:         r.ID,
			Job:        r.Job,
			Outcome:    string(r.Outcome),
			Kind:       string(r.Kind),
			Error:      r.Error,
			StartedAt:  r.StartedAt,
			DurationMS: r.DurationMS(),
			Detail:     r.Detail,
		})
		if err != nil {
			return fmt.Errorf("marshal report %s: %w", r.ID, err)
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"job":     r.Job,
				"outcome": string(r.Outcome),
				"kind":    string(r.Kind),
			},
		}))
	}
	for _, res := range results {
		id, err := res.Get(ctx)
		if err != nil {
			return fmt.Errorf("publish report: %w", err)
		}
		s.logger.Debug("report published", zap.String("message_id", id))
	}
	return nil
}

// Close flushes pending publishes.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
