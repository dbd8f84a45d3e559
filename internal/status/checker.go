// Package status probes the published site and records the result.
package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/metrics"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

// State is the probe outcome.
type State string

// Probe outcomes. Unreachable means the site answered with an error status;
// probe_error means no answer was obtained.
const (
	StateReachable   State = "reachable"
	StateUnreachable State = "unreachable"
	StateProbeError  State = "probe_error"
)

// Config controls the probe and the optional enrichments.
type Config struct {
	SiteURL string
	// RecordKey receives the latest result document when set.
	RecordKey string
	// HistoryPrefix, when set with RecordKey, also stores a per-day copy.
	HistoryPrefix string
	// MergedKey, when set, adds the last merged trackpoint to the result.
	MergedKey string
	// WeatherURL is a template with {lat} and {lon} placeholders.
	WeatherURL string
}

// Location is the last known trail position.
type Location struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// Weather is a daily temperature summary at the last location.
type Weather struct {
	HighTemp []float64 `json:"highTemp"`
	LowTemp  []float64 `json:"lowTemp"`
}

// Result is the recorded status document.
type Result struct {
	Site       string    `json:"site"`
	State      State     `json:"state"`
	StatusCode int       `json:"statusCode,omitempty"`
	LatencyMS  int64     `json:"latencyMs"`
	CheckedAt  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
	Location   *Location `json:"loc,omitempty"`
	Weather    *Weather  `json:"weather,omitempty"`
}

// Checker runs one probe per invocation.
type Checker struct {
	cfg     Config
	fetcher trail.Fetcher
	store   trail.ObjectStore
	clock   trail.Clock
	logger  *zap.Logger
}

// New validates cfg and builds a Checker. store may be nil when neither
// RecordKey nor MergedKey is set.
func New(cfg Config, fetcher trail.Fetcher, store trail.ObjectStore, clk trail.Clock, logger *zap.Logger) (*Checker, error) {
	if strings.TrimSpace(cfg.SiteURL) == "" {
		return nil, trail.ConfigErr("status", errors.New("site url is required"))
	}
	if fetcher == nil || clk == nil {
		return nil, errors.New("status checker requires a fetcher and a clock")
	}
	if store == nil && (cfg.RecordKey != "" || cfg.MergedKey != "") {
		return nil, trail.ConfigErr("status", errors.New("record or merged key set without an object store"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{cfg: cfg, fetcher: fetcher, store: store, clock: clk, logger: logger.Named("status")}, nil
}

// Run probes the site once. An unreachable site is a result, not an error;
// a failed probe returns a transient error alongside the recorded result.
func (c *Checker) Run(ctx context.Context) (Result, error) {
	start := c.clock.Now()
	result := Result{Site: c.cfg.SiteURL, CheckedAt: start.UTC()}

	resp, probeErr := c.fetcher.Fetch(ctx, trail.FetchRequest{URL: c.cfg.SiteURL})
	result.LatencyMS = c.clock.Now().Sub(start).Milliseconds()
	switch {
	case probeErr != nil:
		result.State = StateProbeError
		result.Error = probeErr.Error()
		if !errors.Is(probeErr, trail.ErrTransientIO) {
			probeErr = trail.Transient("probe site", probeErr)
		}
	case resp.StatusCode >= http.StatusBadRequest:
		result.State = StateUnreachable
		result.StatusCode = resp.StatusCode
	default:
		result.State = StateReachable
		result.StatusCode = resp.StatusCode
	}
	metrics.SetProbeUp(c.cfg.SiteURL, result.State == StateReachable)
	c.logger.Info("Site probed",
		zap.String("site", c.cfg.SiteURL),
		zap.String("state", string(result.State)),
		zap.Int("status_code", result.StatusCode),
		zap.Int64("latency_ms", result.LatencyMS),
	)

	if c.cfg.MergedKey != "" {
		c.enrich(ctx, &result)
	}

	if err := c.record(ctx, result); err != nil {
		if probeErr != nil {
			c.logger.Warn("Failed to record status", zap.Error(err))
			return result, probeErr
		}
		return result, err
	}
	return result, probeErr
}

func (c *Checker) enrich(ctx context.Context, result *Result) {
	data, err := c.store.Get(ctx, c.cfg.MergedKey)
	if err != nil {
		c.logger.Warn("Last location unavailable", zap.String("key", c.cfg.MergedKey), zap.Error(err))
		return
	}
	merged, err := trail.DecodeMerged(data)
	if err != nil {
		c.logger.Warn("Merged path unreadable", zap.Error(err))
		return
	}
	last, ok := merged.Last()
	if !ok {
		return
	}
	result.Location = &Location{Latitude: last.Latitude, Longitude: last.Longitude, Timestamp: last.Timestamp}

	if c.cfg.WeatherURL == "" {
		return
	}
	weather, err := c.weather(ctx, last.Latitude, last.Longitude)
	if err != nil {
		c.logger.Warn("Weather lookup failed", zap.Error(err))
		return
	}
	result.Weather = weather
}

type forecast struct {
	Daily struct {
		Max []float64 `json:"temperature_2m_max"`
		Min []float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

func (c *Checker) weather(ctx context.Context, lat, lon float64) (*Weather, error) {
	url := strings.NewReplacer(
		"{lat}", strconv.FormatFloat(lat, 'f', 5, 64),
		"{lon}", strconv.FormatFloat(lon, 'f', 5, 64),
	).Replace(c.cfg.WeatherURL)
	resp, err := c.fetcher.Fetch(ctx, trail.FetchRequest{URL: url})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("weather service returned status %d", resp.StatusCode)
	}
	var f forecast
	if err := json.Unmarshal(resp.Body, &f); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}
	return &Weather{HighTemp: f.Daily.Max, LowTemp: f.Daily.Min}, nil
}

func (c *Checker) record(ctx context.Context, result Result) error {
	if c.cfg.RecordKey == "" {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := c.store.Put(ctx, c.cfg.RecordKey, trail.JSONContentType, data); err != nil {
		return trail.Transient("write status", err)
	}
	if c.cfg.HistoryPrefix != "" {
		key := c.cfg.HistoryPrefix + result.CheckedAt.Format(time.DateOnly) + ".json"
		if err := c.store.Put(ctx, key, trail.JSONContentType, data); err != nil {
			return trail.Transient("write status history", err)
		}
	}
	return nil
}
