package scraper

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/trailnotes/internal/storage/memory"
	"github.com/JakeFAU/trailnotes/internal/trail"
)

type stubFetcher struct {
	resp trail.FetchResponse
	err  error
}

func (s stubFetcher) Fetch(context.Context, trail.FetchRequest) (trail.FetchResponse, error) {
	return s.resp, s.err
}

const liveTrackBody = `{"trackPoints":[
 {"dateTime":"2024-05-01T14:00:00.000Z","position":{"lat":35.1,"lon":-83.2},"altitude":1200.5},
 {"dateTime":"2024-05-01T12:00:00.000Z","position":{"lat":35.0,"lon":-83.1}}
]}`

func TestParseLiveTrackSortsPoints(t *testing.T) {
	t.Parallel()

	points, err := Parse(FormatLiveTrack, []byte(liveTrackBody))
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), points[0].Timestamp)
	require.Nil(t, points[0].Elevation)
	require.NotNil(t, points[1].Elevation)
	require.InDelta(t, 1200.5, *points[1].Elevation, 1e-9)
}

func TestParseLiveTrackEmbeddedInPage(t *testing.T) {
	t.Parallel()

	page := `<html><script>window.__STATE__ = {"name":"a]b","trackPoints":[{"dateTime":"2024-05-01T12:00:00Z","position":{"lat":1,"lon":2}}],"other":[]};</script></html>`
	points, err := Parse(FormatLiveTrack, []byte(page))
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.InDelta(t, 2.0, points[0].Longitude, 1e-9)
}

func TestParseRejectsMalformedSources(t *testing.T) {
	t.Parallel()

	testCases := map[string]string{
		"no field":      `{"points":[]}`,
		"not an array":  `{"trackPoints":null,"x":[1]}`,
		"unterminated":  `{"trackPoints":[{"dateTime":"2024`,
		"bad timestamp": `{"trackPoints":[{"dateTime":"yesterday","position":{"lat":1,"lon":2}}]}`,
		"no position":   `{"trackPoints":[{"dateTime":"2024-05-01T12:00:00Z"}]}`,
		"out of range":  `{"trackPoints":[{"dateTime":"2024-05-01T12:00:00Z","position":{"lat":91,"lon":2}}]}`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(FormatLiveTrack, []byte(body))
			require.ErrorIs(t, err, trail.ErrData)
		})
	}
}

func TestRunWritesDataset(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(nil)
	s, err := New(Config{TargetURL: "https://live.example/track", Name: "at_garmin", Root: "at", DatasetPrefix: "paths/"},
		stubFetcher{resp: trail.FetchResponse{StatusCode: http.StatusOK, Body: []byte(liveTrackBody)}}, store, nil)
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))

	data, err := store.Get(context.Background(), "paths/at_garmin.json")
	require.NoError(t, err)
	ds, err := trail.DecodeDataset(data)
	require.NoError(t, err)
	require.Equal(t, "at_garmin", ds.Name)
	require.Equal(t, "at", ds.Root)
	require.Len(t, ds.Path, 2)
}

func TestRunFailsClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	testCases := []struct {
		name    string
		fetcher stubFetcher
		want    error
	}{
		{"network", stubFetcher{err: errors.New("dial tcp: refused")}, trail.ErrTransientIO},
		{"status", stubFetcher{resp: trail.FetchResponse{StatusCode: http.StatusBadGateway}}, trail.ErrTransientIO},
		{"malformed", stubFetcher{resp: trail.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html></html>")}}, trail.ErrData},
		{"empty", stubFetcher{resp: trail.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`{"trackPoints":[]}`)}}, trail.ErrData},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewStore(nil)
			previous := []byte(`{"name":"at_garmin","path":[]}`)
			require.NoError(t, store.Put(ctx, "paths/at_garmin.json", trail.JSONContentType, previous))

			s, err := New(Config{TargetURL: "https://live.example", Name: "at_garmin", DatasetPrefix: "paths/"}, tc.fetcher, store, nil)
			require.NoError(t, err)
			require.ErrorIs(t, s.Run(ctx), tc.want)

			data, err := store.Get(ctx, "paths/at_garmin.json")
			require.NoError(t, err)
			require.Equal(t, previous, data, "previous dataset must remain")
		})
	}
}

func TestNewRejectsMissingSettings(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(nil)
	_, err := New(Config{Name: "x"}, stubFetcher{}, store, nil)
	require.ErrorIs(t, err, trail.ErrConfiguration)
	_, err = New(Config{TargetURL: "u", Name: "x", Format: "gpx"}, stubFetcher{}, store, nil)
	require.ErrorIs(t, err, trail.ErrConfiguration)
}
