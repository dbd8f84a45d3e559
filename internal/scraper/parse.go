package scraper

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

// Source formats understood by Parse.
const (
	FormatLiveTrack = "livetrack"
	FormatDataset   = "dataset"
)

type liveTrackPoint struct {
	DateTime string `json:"dateTime"`
	Position struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	} `json:"position"`
	Altitude *float64 `json:"altitude"`
}

// Parse converts a fetched body into trackpoints sorted by timestamp.
func Parse(format string, body []byte) ([]trail.Trackpoint, error) {
	var (
		points []trail.Trackpoint
		err    error
	)
	switch format {
	case FormatLiveTrack:
		points, err = parseLiveTrack(body)
	case FormatDataset:
		var ds trail.PathDataset
		ds, err = trail.DecodeDataset(body)
		points = ds.Path
	default:
		return nil, trail.ConfigErr("parse", fmt.Errorf("unknown source format %q", format))
	}
	if err != nil {
		return nil, err
	}
	for _, p := range points {
		if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
			return nil, trail.DataErr("parse", fmt.Errorf("coordinate out of range at %s", p.Timestamp.Format(time.RFC3339)))
		}
	}
	trail.SortTrackpoints(points)
	return points, nil
}

func parseLiveTrack(body []byte) ([]trail.Trackpoint, error) {
	raw, err := trackPointsArray(body)
	if err != nil {
		return nil, err
	}
	var decoded []liveTrackPoint
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, trail.DataErr("decode track points", err)
	}
	points := make([]trail.Trackpoint, 0, len(decoded))
	for i, tp := range decoded {
		if tp.Position.Lat == nil || tp.Position.Lon == nil {
			return nil, trail.DataErr("decode track points", fmt.Errorf("point %d has no position", i))
		}
		ts, err := time.Parse(time.RFC3339Nano, tp.DateTime)
		if err != nil {
			return nil, trail.DataErr("decode track points", fmt.Errorf("point %d: %w", i, err))
		}
		points = append(points, trail.Trackpoint{
			Timestamp: ts.UTC(),
			Latitude:  *tp.Position.Lat,
			Longitude: *tp.Position.Lon,
			Elevation: tp.Altitude,
		})
	}
	return points, nil
}

var trackPointsField = []byte(`"trackPoints"`)

// trackPointsArray locates the trackPoints array either in a bare JSON
// document or embedded in a page script.
func trackPointsArray(body []byte) ([]byte, error) {
	idx := bytes.Index(body, trackPointsField)
	if idx < 0 {
		return nil, trail.DataErr("locate track points", fmt.Errorf("no trackPoints field"))
	}
	rest := body[idx+len(trackPointsField):]
	start := bytes.IndexByte(rest, '[')
	if start < 0 || len(bytes.TrimSpace(bytes.TrimPrefix(bytes.TrimSpace(rest[:start]), []byte(":")))) != 0 {
		return nil, trail.DataErr("locate track points", fmt.Errorf("trackPoints is not an array"))
	}
	// The decoder stops at the end of the array, so trailing page script is
	// never parsed.
	var arr json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(rest[start:])).Decode(&arr); err != nil {
		return nil, trail.DataErr("decode trackPoints array", err)
	}
	return arr, nil
}
