package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Trail.Example.com/path", "trail.example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if jobRunsTotal == nil || mergePoints == nil || imagesProcessedTotal == nil ||
		deadmanMarkerAgeSeconds == nil || statusProbeUp == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservers(t *testing.T) {
	ObserveJob("deadman", "success", 2*time.Second)
	if val := testutil.ToFloat64(jobRunsTotal.WithLabelValues("deadman", "success")); val < 1 {
		t.Errorf("expected deadman success counter >= 1, got %f", val)
	}

	SetMergePoints(42)
	if val := testutil.ToFloat64(mergePoints); val != 42 {
		t.Errorf("expected merge points 42, got %f", val)
	}

	SetMarkerAge(36 * time.Hour)
	if val := testutil.ToFloat64(deadmanMarkerAgeSeconds); val != (36 * time.Hour).Seconds() {
		t.Errorf("unexpected marker age %f", val)
	}

	SetProbeUp("https://trail.example.com", false)
	if val := testutil.ToFloat64(statusProbeUp.WithLabelValues("trail.example.com")); val != 0 {
		t.Errorf("expected probe down, got %f", val)
	}

	before := testutil.ToFloat64(imagesProcessedTotal.WithLabelValues("no_location"))
	ObserveImage("no_location")
	if val := testutil.ToFloat64(imagesProcessedTotal.WithLabelValues("no_location")); val != before+1 {
		t.Errorf("expected image counter to increase by one, got %f", val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://trail.example.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
