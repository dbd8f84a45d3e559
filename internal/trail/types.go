// Package trail defines the domain types and collaborator interfaces shared by
// the pipeline components.
package trail

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// Trackpoint is a single timestamped position.
type Trackpoint struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Elevation *float64  `json:"ele,omitempty"`
}

// SortTrackpoints orders points by timestamp ascending, keeping the relative
// order of equal timestamps.
func SortTrackpoints(points []Trackpoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
}

// PathDataset is the document a scraper writes for one named source.
type PathDataset struct {
	Name string       `json:"name"`
	Root string       `json:"root,omitempty"`
	Path []Trackpoint `json:"path"`
}

// MergedPoint is a trackpoint tagged with the dataset it came from.
type MergedPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Elevation *float64  `json:"ele,omitempty"`
	Source    string    `json:"source"`
}

// MergedPath is the published union of all configured datasets.
type MergedPath struct {
	Root string        `json:"root,omitempty"`
	Path []MergedPoint `json:"path"`
}

// Last returns the most recent point, if any.
func (m MergedPath) Last() (MergedPoint, bool) {
	if len(m.Path) == 0 {
		return MergedPoint{}, false
	}
	return m.Path[len(m.Path)-1], true
}

// Location is a coordinate extracted from image metadata.
type Location struct {
	Latitude  float64    `json:"lat"`
	Longitude float64    `json:"lon"`
	TakenAt   *time.Time `json:"taken_at,omitempty"`
}

// LocationIndex maps image keys to their location. A nil value records that
// extraction found no usable location.
type LocationIndex map[string]*Location

// ObjectInfo is the metadata an object store reports for a key.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// FetchRequest describes one external fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result of a Fetcher call.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// HasSuffix reports whether key ends with one of suffixes, case-insensitively.
// An empty allow-list matches everything.
func HasSuffix(key string, suffixes []string) bool {
	if len(suffixes) == 0 {
		return true
	}
	lower := strings.ToLower(key)
	for _, s := range suffixes {
		if s != "" && strings.HasSuffix(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
