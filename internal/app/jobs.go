package app

import (
	"context"
	"errors"

	"github.com/JakeFAU/trailnotes/internal/deadman"
	"github.com/JakeFAU/trailnotes/internal/imageworker"
	"github.com/JakeFAU/trailnotes/internal/job"
	"github.com/JakeFAU/trailnotes/internal/merger"
	"github.com/JakeFAU/trailnotes/internal/scraper"
	"github.com/JakeFAU/trailnotes/internal/status"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

func (a *App) initJobs(ctx context.Context) error {
	names := []string{JobMerge}
	if a.cfg.Images.Enabled {
		names = append(names, JobImages)
	}
	gates, err := a.gates(ctx, names...)
	if err != nil {
		return err
	}

	if a.cfg.Scraper.Enabled {
		if err := a.addScraper(); err != nil {
			return err
		}
	}
	if err := a.addMerger(gates[JobMerge]); err != nil {
		return err
	}
	if a.cfg.Images.Enabled {
		if err := a.addImageWorker(gates[JobImages]); err != nil {
			return err
		}
	}
	if a.cfg.Status.Enabled {
		if err := a.addStatus(); err != nil {
			return err
		}
	}
	if a.cfg.Deadman.Enabled {
		if err := a.addDeadman(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) addScraper() error {
	cfg := a.cfg.Scraper
	fetcher := a.fetcher
	if fetcher == nil {
		fetcher = a.httpFetcher()
	}
	s, err := scraper.New(scraper.Config{
		TargetURL:     cfg.TargetURL,
		Name:          cfg.Name,
		Root:          cfg.Root,
		Format:        cfg.Format,
		DatasetPrefix: a.cfg.Paths.Prefix,
	}, fetcher, a.live, a.logger)
	if err != nil {
		return err
	}
	key := scraper.DatasetKey(a.cfg.Paths.Prefix, cfg.Name)
	a.register(job.Job{
		Name:    JobScrape,
		Timeout: cfg.Timeout,
		Run: func(ctx context.Context) (map[string]any, error) {
			if err := s.Run(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"dataset": cfg.Name, "key": key}, nil
		},
	}, cfg.Cron)
	return nil
}

func (a *App) addMerger(gate trail.Gate) error {
	cfg := a.cfg.Merger
	m, err := merger.New(merger.Config{
		Datasets:      cfg.Datasets,
		DatasetPrefix: a.cfg.Paths.Prefix,
		OutputKey:     a.cfg.Paths.MergedKey,
	}, a.live, a.invalidator, gate, a.hasher, a.logger)
	if err != nil {
		return err
	}
	a.register(job.Job{
		Name:    JobMerge,
		Timeout: cfg.Timeout,
		Run: func(ctx context.Context) (map[string]any, error) {
			res, err := m.Run(ctx)
			if err != nil {
				return nil, err
			}
			detail := map[string]any{"points": res.Points, "changed": res.Changed}
			if res.Hash != "" {
				detail["hash"] = res.Hash
			}
			if res.InvalidationID != "" {
				detail["invalidation_id"] = res.InvalidationID
			}
			return detail, nil
		},
	}, cfg.Cron)
	return nil
}

func (a *App) addImageWorker(gate trail.Gate) error {
	cfg := a.cfg.Images
	if a.receiver == nil {
		return trail.ConfigErr("image worker", errors.New("no notification queue configured"))
	}
	w, err := imageworker.New(imageworker.Config{
		IndexKey: cfg.IndexKey,
		Suffixes: cfg.Suffixes,
	}, a.receiver, a.live, gate, nil, a.logger)
	if err != nil {
		return err
	}
	a.register(job.Job{
		Name:    JobImages,
		Timeout: cfg.Timeout,
		Run: func(ctx context.Context) (map[string]any, error) {
			res, err := w.RunOnce(ctx)
			if res.MessageID == "" {
				return nil, err
			}
			return map[string]any{
				"message_id": res.MessageID,
				"key":        res.Key,
				"attempt":    res.Attempt,
				"outcome":    string(res.Outcome),
			}, err
		},
	}, "")
	return nil
}

func (a *App) addStatus() error {
	cfg := a.cfg.Status
	c, err := status.New(status.Config{
		SiteURL:       cfg.SiteURL,
		RecordKey:     cfg.RecordKey,
		HistoryPrefix: cfg.HistoryPrefix,
		MergedKey:     a.cfg.Paths.MergedKey,
		WeatherURL:    cfg.WeatherURL,
	}, a.httpFetcher(), a.live, a.clock, a.logger)
	if err != nil {
		return err
	}
	a.register(job.Job{
		Name:    JobStatus,
		Timeout: cfg.Timeout,
		Run: func(ctx context.Context) (map[string]any, error) {
			res, err := c.Run(ctx)
			detail := map[string]any{"state": string(res.State), "latency_ms": res.LatencyMS}
			if res.StatusCode != 0 {
				detail["status_code"] = res.StatusCode
			}
			return detail, err
		},
	}, cfg.Cron)
	return nil
}

func (a *App) addDeadman() error {
	cfg := a.cfg.Deadman
	if a.recovery == nil {
		return trail.ConfigErr("deadman", errors.New("no recovery store configured"))
	}
	w, err := deadman.New(deadman.Config{
		MarkerKey:       cfg.MarkerKey,
		SnapshotKey:     cfg.SnapshotKey,
		Threshold:       cfg.Threshold(),
		StatusKey:       cfg.StatusKey,
		Prune:           cfg.Prune,
		InvalidatePaths: cfg.InvalidatePaths,
	}, a.live, a.recovery, a.invalidator, a.clock, a.logger)
	if err != nil {
		return err
	}
	a.register(job.Job{
		Name:    JobDeadman,
		Timeout: cfg.Timeout,
		Run: func(ctx context.Context) (map[string]any, error) {
			out, err := w.Run(ctx)
			if out.State == "" {
				return nil, err
			}
			detail := map[string]any{
				"state":             string(out.State),
				"remaining_seconds": out.RemainingSeconds,
			}
			if !out.LastCheckIn.IsZero() {
				detail["last_check_in"] = out.LastCheckIn
			}
			if out.Restored > 0 {
				detail["restored"] = out.Restored
				detail["pruned"] = out.Pruned
			}
			if out.InvalidationID != "" {
				detail["invalidation_id"] = out.InvalidationID
			}
			return detail, err
		},
	}, cfg.Cron)
	return nil
}

func (a *App) register(j job.Job, cron string) {
	a.jobs[j.Name] = j
	if cron != "" {
		a.crons[j.Name] = cron
	}
}
