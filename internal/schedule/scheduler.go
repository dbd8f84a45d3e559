// Package schedule triggers jobs on cron expressions. Each job runs in
// singleton mode: a tick that fires while the previous invocation is still
// running is dropped, not queued.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/job"
	"github.com/JakeFAU/trailnotes/internal/report"
)

// Runner executes one job invocation; *job.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, j job.Job) (report.Report, error)
}

// JobInfo describes a registered job for the ops API.
type JobInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

// Scheduler wraps a gocron scheduler.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	runner    Runner
	jobs      map[string]gocron.Job
	schedules map[string]string
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
}

// New creates a Scheduler whose jobs run through runner in loc (UTC when nil).
func New(runner Runner, loc *time.Location, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		runner:    runner,
		jobs:      make(map[string]gocron.Job),
		schedules: make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("schedule"),
	}, nil
}

// ValidateCron checks a 5-field cron expression.
func ValidateCron(expr string) error {
	if err := gocron.NewDefaultCron(false).IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Add registers j on cronExpr. Names must be unique.
func (s *Scheduler) Add(j job.Job, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.Name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", j.Name)
	}
	gj, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(s.invoke, j),
		gocron.WithName(j.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", j.Name, err)
	}
	s.jobs[j.Name] = gj
	s.schedules[j.Name] = cronExpr
	s.logger.Info("scheduled job added", zap.String("name", j.Name), zap.String("cron", cronExpr))
	return nil
}

func (s *Scheduler) invoke(j job.Job) {
	// Errors are already reported by the runner; the next tick always runs.
	_, _ = s.runner.Run(s.ctx, j)
}

// Jobs returns the registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, gj := range s.jobs {
		info := JobInfo{Name: name, Schedule: s.schedules[name]}
		if lr, err := gj.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := gj.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop cancels running invocations and waits for them to return.
func (s *Scheduler) Stop() error {
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
