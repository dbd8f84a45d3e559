package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/job"
	"github.com/JakeFAU/trailnotes/internal/metrics"
	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/schedule"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
	readTimeout      = 10 * time.Second
	readinessTimeout = 3 * time.Second
)

// Runner executes one job invocation; *job.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, j job.Job) (report.Report, error)
}

// Schedule lists scheduled jobs; *schedule.Scheduler satisfies it.
type Schedule interface {
	Jobs() []schedule.JobInfo
}

// History returns recent reports for a job, newest first.
type History interface {
	Recent(ctx context.Context, job string, limit int) ([]report.Report, error)
}

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// RunLimiter paces manual runs per job; *ratelimit.Limiter satisfies it.
type RunLimiter interface {
	Allow(key string) bool
}

// Config controls server behavior.
type Config struct {
	// APIKey, when set, is required on /v1 routes via X-API-Key.
	APIKey string
	// RunLimiter, when set, answers 429 to manual runs over its rate.
	RunLimiter RunLimiter
}

// Server wires HTTP handlers to the runner, scheduler, and run history.
type Server struct {
	router   chi.Router
	runner   Runner
	jobs     map[string]job.Job
	schedule Schedule
	limiter  RunLimiter
	history  History
	checks   map[string]ReadyCheck
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. schedule,
// history and checks may be nil.
func NewServer(
	runner Runner,
	jobs []job.Job,
	sched Schedule,
	history History,
	checks map[string]ReadyCheck,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:   runner,
		jobs:     make(map[string]job.Job, len(jobs)),
		schedule: sched,
		limiter:  cfg.RunLimiter,
		history:  history,
		checks:   checks,
		logger:   logger.Named("api"),
	}
	for _, j := range jobs {
		s.jobs[j.Name] = j
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.With(timeoutMiddleware(readTimeout)).Get("/", s.listJobs)
			r.Route("/{name}", func(r chi.Router) {
				r.Post("/run", s.runJob)
				r.With(timeoutMiddleware(readTimeout)).Get("/runs", s.listRuns)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	failures := map[string]string{}
	for name, check := range s.checks {
		if check == nil {
			continue
		}
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobView struct {
	Name     string    `json:"name"`
	Timeout  string    `json:"timeout,omitempty"`
	Schedule string    `json:"schedule,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	scheduled := map[string]schedule.JobInfo{}
	if s.schedule != nil {
		for _, info := range s.schedule.Jobs() {
			scheduled[info.Name] = info
		}
	}
	views := make([]jobView, 0, len(s.jobs))
	for name, j := range s.jobs {
		v := jobView{Name: name}
		if j.Timeout > 0 {
			v.Timeout = j.Timeout.String()
		}
		if info, ok := scheduled[name]; ok {
			v.Schedule = info.Schedule
			v.LastRun = info.LastRun
			v.NextRun = info.NextRun
		}
		views = append(views, v)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// runJob executes the named job synchronously. The invocation is detached
// from the request so a disconnecting client cannot abort a half-done run.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	j, ok := s.jobs[name]
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if s.limiter != nil && !s.limiter.Allow(name) {
		writeError(w, http.StatusTooManyRequests, "too many manual runs; retry later")
		return
	}
	rep, err := s.runner.Run(context.WithoutCancel(r.Context()), j)
	if errors.Is(err, trail.ErrQueueEmpty) {
		writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "idle"})
		return
	}
	status := http.StatusOK
	switch rep.Outcome {
	case report.OutcomeSkipped:
		status = http.StatusConflict
	case report.OutcomeFailure:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, toView(rep))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.jobs[name]; !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.history.Recent(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.String("job", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	views := make([]reportView, 0, len(runs))
	for _, run := range runs {
		views = append(views, toView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultRunsLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	return limit, nil
}

type reportView struct {
	ID         string         `json:"id"`
	Job        string         `json:"job"`
	Outcome    string         `json:"outcome"`
	Kind       string         `json:"kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func toView(r report.Report) reportView {
	return reportView{
		ID:         r.ID,
		Job:        r.Job,
		Outcome:    string(r.Outcome),
		Kind:       string(r.Kind),
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		DurationMS: r.DurationMS(),
		Detail:     r.Detail,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
