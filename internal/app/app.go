// Package app initializes and holds long-lived pipeline services, acting as a
// dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/api"
	"github.com/JakeFAU/trailnotes/internal/clock/system"
	"github.com/JakeFAU/trailnotes/internal/config"
	"github.com/JakeFAU/trailnotes/internal/hash/sha256"
	"github.com/JakeFAU/trailnotes/internal/id/uuid"
	"github.com/JakeFAU/trailnotes/internal/job"
	"github.com/JakeFAU/trailnotes/internal/metrics"
	"github.com/JakeFAU/trailnotes/internal/policy/ratelimit"
	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/schedule"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Job names exposed by the CLI, the scheduler, and the API.
const (
	JobScrape  = "scrape"
	JobMerge   = "merge"
	JobImages  = "images"
	JobStatus  = "status"
	JobDeadman = "deadman"
)

// App holds the shared, long-lived services. It is built once at startup and
// closed once at shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  trail.Clock
	ids    trail.IDGenerator
	hasher trail.Hasher

	live        trail.ObjectStore
	recovery    trail.ObjectStore
	receiver    trail.Receiver
	invalidator trail.Invalidator
	fetcher     trail.Fetcher
	hostLimiter *ratelimit.Limiter
	runLimiter  *ratelimit.Limiter

	hub     *report.Hub
	history api.History
	runner  *job.Runner
	checks  map[string]api.ReadyCheck

	jobs  map[string]job.Job
	crons map[string]string

	// closers run in reverse order of registration.
	closers []func(ctx context.Context) error
}

type options struct {
	registerer prometheus.Registerer
	clock      trail.Clock
	ids        trail.IDGenerator
}

// Option customizes New.
type Option func(*options)

// WithRegisterer registers report collectors on reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock overrides the wall clock.
func WithClock(clk trail.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithIDs overrides the UUID generator.
func WithIDs(ids trail.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// New builds every backend and component selected by cfg. It fails fast: a
// component that cannot be constructed is a configuration error, and anything
// already opened is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer, clock: system.New(), ids: uuid.New()}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{
		cfg:         cfg,
		logger:      logger,
		clock:       o.clock,
		ids:         o.ids,
		hasher:      sha256.New(),
		checks:      make(map[string]api.ReadyCheck),
		hostLimiter: ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.HostRPS, Burst: cfg.Fetch.HostBurst}),
		runLimiter:  ratelimit.New(ratelimit.Config{RPS: cfg.Server.RunRPS, Burst: cfg.Server.RunBurst}),
		jobs:        make(map[string]job.Job),
		crons:       make(map[string]string),
	}
	logger.Info("Initializing pipeline services",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("invalidator", cfg.Invalidator.Backend),
		zap.String("lease", cfg.Lease.Backend),
	)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", a.initStorage},
		{"queue", a.initQueue},
		{"invalidator", a.initInvalidator},
		{"fetcher", a.initFetcher},
		{"reports", func(ctx context.Context) error { return a.initReports(ctx, o.registerer) }},
		{"jobs", a.initJobs},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			closeErr := a.Close(context.WithoutCancel(ctx))
			return nil, errors.Join(fmt.Errorf("initialize %s: %w", step.name, err), closeErr)
		}
	}

	logger.Info("Pipeline services initialized", zap.Strings("jobs", a.JobNames()))
	return a, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the live object store.
func (a *App) Store() trail.ObjectStore {
	return a.live
}

// Runner returns the shared job runner.
func (a *App) Runner() *job.Runner {
	return a.runner
}

// Job looks up a configured job by name.
func (a *App) Job(name string) (job.Job, bool) {
	j, ok := a.jobs[name]
	return j, ok
}

// Jobs returns every configured job sorted by name.
func (a *App) Jobs() []job.Job {
	out := make([]job.Job, 0, len(a.jobs))
	for _, name := range a.JobNames() {
		out = append(out, a.jobs[name])
	}
	return out
}

// JobNames returns the configured job names, sorted.
func (a *App) JobNames() []string {
	names := make([]string, 0, len(a.jobs))
	for name := range a.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoopConfig is the image worker's polling configuration.
func (a *App) LoopConfig(stopWhenIdle bool) job.LoopConfig {
	return job.LoopConfig{IdleBackoff: a.cfg.Images.IdleBackoff, StopWhenIdle: stopWhenIdle}
}

// NewScheduler registers every cron-driven job. The image worker is a queue
// consumer and is driven by job.Runner.Loop instead.
func (a *App) NewScheduler() (*schedule.Scheduler, error) {
	sched, err := schedule.New(a.runner, nil, a.logger)
	if err != nil {
		return nil, err
	}
	for _, name := range a.JobNames() {
		expr, ok := a.crons[name]
		if !ok || expr == "" {
			continue
		}
		if err := sched.Add(a.jobs[name], expr); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// NewServer builds the ops HTTP server over the configured jobs.
func (a *App) NewServer(sched api.Schedule) *api.Server {
	return api.NewServer(a.runner, a.Jobs(), sched, a.history, a.checks, api.Config{
		APIKey:     a.cfg.Server.APIKey,
		RunLimiter: a.runLimiter,
	}, a.logger)
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close flushes reports and releases every client, in reverse order of
// construction. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("Error shutting down pipeline services", zap.Error(err))
		return err
	}
	return nil
}
