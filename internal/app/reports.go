package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/api"
	"github.com/JakeFAU/trailnotes/internal/job"
	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/report/sinks"
	"github.com/JakeFAU/trailnotes/internal/storage/postgres"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// initReports builds the report hub and its sinks, then the runner that feeds
// it. Recent history is served from Postgres when configured, otherwise from
// memory.
func (a *App) initReports(ctx context.Context, reg prometheus.Registerer) error {
	cfg := a.cfg.Reports
	memory := sinks.NewMemorySink(cfg.HistorySize)
	reportSinks := []report.Sink{memory}
	a.history = api.MemoryHistory{Sink: memory}

	if cfg.Log {
		reportSinks = append(reportSinks, sinks.NewLogSink(a.logger))
	}
	if reg != nil {
		promSink, err := sinks.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("prometheus sink: %w", err)
		}
		reportSinks = append(reportSinks, promSink)
	}

	if cfg.PubSub.Topic != "" {
		a.logger.Info("Publishing run reports to Pub/Sub",
			zap.String("project", cfg.PubSub.ProjectID), zap.String("topic", cfg.PubSub.Topic))
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return trail.Transient("pubsub client", err)
		}
		a.onClose(func(context.Context) error { return client.Close() })
		pubSink, err := sinks.NewPubSubSink(client.Topic(cfg.PubSub.Topic), cfg.PubSub.PublishAll, a.logger)
		if err != nil {
			return err
		}
		reportSinks = append(reportSinks, pubSink)
	}

	if cfg.Postgres.DSN != "" {
		a.logger.Info("Recording run history in Postgres", zap.String("table", cfg.Postgres.Table))
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return trail.Transient("run history pool", err)
		}
		runs, err := postgres.NewRunStore(pool, cfg.Postgres.Table)
		if err != nil {
			pool.Close()
			return trail.ConfigErr("run history", err)
		}
		a.onClose(func(context.Context) error {
			runs.Close()
			return nil
		})
		if err := postgres.EnsureRunTable(ctx, pool, cfg.Postgres.Table); err != nil {
			return trail.Transient("run history table", err)
		}
		reportSinks = append(reportSinks, sinks.NewStoreSink(runs))
		a.history = api.PostgresHistory{Store: runs}
		a.checks["history"] = pool.Ping
	}

	// Registered last so Close flushes the hub before its sinks' clients go away.
	a.hub = report.NewHub(report.Config{Logger: a.logger}, reportSinks...)
	a.onClose(a.hub.Close)
	a.runner = job.NewRunner(a.hub, a.ids, a.clock, a.logger)
	return nil
}
