package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/trailnotes/internal/app"
	"github.com/JakeFAU/trailnotes/internal/config"
	"github.com/JakeFAU/trailnotes/internal/report"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Reports.Log = false
	return cfg
}

func newApp(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, a.Close(context.Background()))
	})
	return a
}

func TestNewWithDefaults(t *testing.T) {
	a := newApp(t, memoryConfig(t))

	require.Equal(t, []string{app.JobDeadman, app.JobImages, app.JobMerge}, a.JobNames())
	_, ok := a.Job(app.JobScrape)
	require.False(t, ok, "scraper is disabled by default")

	sched, err := a.NewScheduler()
	require.NoError(t, err)
	defer func() { require.NoError(t, sched.Stop()) }()

	var scheduled []string
	for _, info := range sched.Jobs() {
		scheduled = append(scheduled, info.Name)
	}
	require.Equal(t, []string{app.JobDeadman, app.JobMerge}, scheduled)
}

func TestMergeJobRunsAgainstMemoryStore(t *testing.T) {
	a := newApp(t, memoryConfig(t))
	ctx := context.Background()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data, err := trail.EncodeDataset(trail.PathDataset{Name: "at", Root: "at", Path: []trail.Trackpoint{
		{Timestamp: start, Latitude: 34.62, Longitude: -84.19},
		{Timestamp: start.Add(time.Hour), Latitude: 34.65, Longitude: -84.18},
	}})
	require.NoError(t, err)
	require.NoError(t, a.Store().Put(ctx, "paths/at.json", trail.JSONContentType, data))
	data, err = trail.EncodeDataset(trail.PathDataset{Name: "at_garmin", Root: "at", Path: []trail.Trackpoint{
		{Timestamp: start.Add(2 * time.Hour), Latitude: 34.67, Longitude: -84.17},
	}})
	require.NoError(t, err)
	require.NoError(t, a.Store().Put(ctx, "paths/at_garmin.json", trail.JSONContentType, data))

	j, ok := a.Job(app.JobMerge)
	require.True(t, ok)
	rep, err := a.Runner().Run(ctx, j)
	require.NoError(t, err)
	require.Equal(t, report.OutcomeSuccess, rep.Outcome)
	require.Equal(t, 3, rep.Detail["points"])
	require.Equal(t, true, rep.Detail["changed"])

	_, err = a.Store().Stat(ctx, "at_merged.json")
	require.NoError(t, err)
}

func TestImageUploadIsIndexed(t *testing.T) {
	a := newApp(t, memoryConfig(t))
	ctx := context.Background()

	require.NoError(t, a.Store().Put(ctx, "photos/day1.jpg", "image/jpeg", []byte("not really a jpeg")))
	j, ok := a.Job(app.JobImages)
	require.True(t, ok)

	// Store notifications are delivered asynchronously.
	runs := 0
	require.Eventually(t, func() bool {
		runs += a.Runner().Loop(ctx, j, a.LoopConfig(true)).Runs
		return runs == 1
	}, time.Second, 10*time.Millisecond)

	idx, err := a.Store().Get(ctx, "image_locations.json")
	require.NoError(t, err)
	decoded, err := trail.DecodeIndex(idx)
	require.NoError(t, err)
	require.Contains(t, decoded, "photos/day1.jpg")
	require.Nil(t, decoded["photos/day1.jpg"], "an image without GPS is recorded with no location")
}

func TestDeadmanMissingMarkerIsReported(t *testing.T) {
	a := newApp(t, memoryConfig(t))

	j, ok := a.Job(app.JobDeadman)
	require.True(t, ok)
	rep, err := a.Runner().Run(context.Background(), j)
	require.ErrorIs(t, err, trail.ErrTransientIO)
	require.Equal(t, report.OutcomeFailure, rep.Outcome)
	require.Equal(t, trail.KindTransientIO, rep.Kind)
}

func TestServerExposesConfiguredJobs(t *testing.T) {
	a := newApp(t, memoryConfig(t))

	srv := httptest.NewServer(a.NewServer(nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/jobs/merge/run", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode, "datasets are missing from the empty store")

	resp, err = http.Get(srv.URL + "/v1/jobs/scrape/runs")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNewRejectsBrokenBackends(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown storage", func(c *config.Config) { c.Storage.Backend = "ftp" }},
		{"local without base dir", func(c *config.Config) {
			c.Storage.Backend = config.BackendLocal
			c.Images.Enabled = false
		}},
		{"memory queue over local store", func(c *config.Config) {
			c.Storage.Backend = config.BackendLocal
			c.Storage.BaseDir = t.TempDir()
			c.Storage.RecoveryDir = t.TempDir()
		}},
		{"cloudfront without distribution", func(c *config.Config) { c.Invalidator.Backend = config.BackendCloudFront }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := memoryConfig(t)
			tc.mutate(&cfg)
			_, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithRegisterer(prometheus.NewRegistry()))
			require.ErrorIs(t, err, trail.ErrConfiguration)
		})
	}
}
