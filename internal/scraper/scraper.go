// Package scraper pulls trackpoints from one external source and stores
// them as a named dataset.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Config describes one source.
type Config struct {
	TargetURL     string
	Name          string
	Root          string
	Format        string
	DatasetPrefix string
	Headers       http.Header
}

// Scraper fetches, parses, and overwrites one dataset per run.
type Scraper struct {
	cfg     Config
	fetcher trail.Fetcher
	store   trail.ObjectStore
	logger  *zap.Logger
}

// New validates cfg and builds a Scraper.
func New(cfg Config, fetcher trail.Fetcher, store trail.ObjectStore, logger *zap.Logger) (*Scraper, error) {
	if strings.TrimSpace(cfg.TargetURL) == "" {
		return nil, trail.ConfigErr("scraper", errors.New("target url is required"))
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, trail.ConfigErr("scraper", errors.New("dataset name is required"))
	}
	if cfg.Format == "" {
		cfg.Format = FormatLiveTrack
	}
	if cfg.Format != FormatLiveTrack && cfg.Format != FormatDataset {
		return nil, trail.ConfigErr("scraper", fmt.Errorf("unknown source format %q", cfg.Format))
	}
	if fetcher == nil || store == nil {
		return nil, errors.New("scraper requires a fetcher and an object store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{cfg: cfg, fetcher: fetcher, store: store, logger: logger.Named("scraper")}, nil
}

// DatasetKey is the object key of a named dataset.
func DatasetKey(prefix, name string) string {
	return prefix + name + ".json"
}

// Run performs one scrape. Nothing is written unless the fetch and parse
// both succeed.
func (s *Scraper) Run(ctx context.Context) error {
	resp, err := s.fetcher.Fetch(ctx, trail.FetchRequest{URL: s.cfg.TargetURL, Headers: s.cfg.Headers})
	if err != nil {
		if errors.Is(err, trail.ErrTransientIO) {
			return err
		}
		return trail.Transient("fetch source", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return trail.Transient("fetch source", fmt.Errorf("%s returned status %d", s.cfg.TargetURL, resp.StatusCode))
	}

	points, err := Parse(s.cfg.Format, resp.Body)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return trail.DataErr("parse source", errors.New("source returned no trackpoints"))
	}

	data, err := trail.EncodeDataset(trail.PathDataset{Name: s.cfg.Name, Root: s.cfg.Root, Path: points})
	if err != nil {
		return err
	}
	key := DatasetKey(s.cfg.DatasetPrefix, s.cfg.Name)
	if err := s.store.Put(ctx, key, trail.JSONContentType, data); err != nil {
		return trail.Transient("put dataset", err)
	}
	s.logger.Info("Dataset written",
		zap.String("key", key),
		zap.Int("points", len(points)),
		zap.Time("last_point", points[len(points)-1].Timestamp),
		zap.Bool("rendered", resp.Rendered),
	)
	return nil
}
