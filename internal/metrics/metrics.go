// Package metrics exposes Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobRunsTotal               *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	mergePoints                prometheus.Gauge
	imagesProcessedTotal       *prometheus.CounterVec
	deadmanMarkerAgeSeconds    prometheus.Gauge
	statusProbeUp              *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailnotes_job_runs_total",
				Help: "Total number of job invocations, labeled by job and outcome.",
			},
			[]string{"job", "outcome"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trailnotes_job_duration_seconds",
				Help:    "Histogram of job invocation durations.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
			},
			[]string{"job"},
		)

		mergePoints = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trailnotes_merge_points",
				Help: "Number of trackpoints in the last computed merged path.",
			},
		)

		imagesProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trailnotes_images_processed_total",
				Help: "Total image notifications handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		deadmanMarkerAgeSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "trailnotes_deadman_marker_age_seconds",
				Help: "Age of the liveness marker at the last watchdog check.",
			},
		)

		statusProbeUp = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trailnotes_status_probe_up",
				Help: "1 when the last probe found the site reachable, 0 otherwise.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records one job invocation.
func ObserveJob(job, outcome string, duration time.Duration) {
	Init()
	jobRunsTotal.WithLabelValues(job, outcome).Inc()
	jobDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// SetMergePoints records the size of the last merged path.
func SetMergePoints(n int) {
	Init()
	mergePoints.Set(float64(n))
}

// ObserveImage counts one handled image notification.
func ObserveImage(outcome string) {
	Init()
	imagesProcessedTotal.WithLabelValues(outcome).Inc()
}

// SetMarkerAge records the liveness marker age.
func SetMarkerAge(age time.Duration) {
	Init()
	deadmanMarkerAgeSeconds.Set(age.Seconds())
}

// SetProbeUp records the last reachability result for site.
func SetProbeUp(site string, up bool) {
	Init()
	v := 0.0
	if up {
		v = 1
	}
	statusProbeUp.WithLabelValues(SanitizeSite(site)).Set(v)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
