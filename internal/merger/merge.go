package merger

import (
	"sort"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

type pointKey struct {
	unixNano int64
	source   string
}

// Merge unions datasets into one path. Points are deduplicated by
// (timestamp, source), keeping the first occurrence within that source, and
// ordered by (timestamp, source, lat, lon, ele) so the result does not
// depend on the order of datasets.
func Merge(datasets []trail.PathDataset) trail.MergedPath {
	seen := make(map[pointKey]struct{})
	var out trail.MergedPath
	for _, ds := range datasets {
		if ds.Root != "" && (out.Root == "" || ds.Root < out.Root) {
			out.Root = ds.Root
		}
		for _, p := range ds.Path {
			ts := p.Timestamp.UTC()
			key := pointKey{unixNano: ts.UnixNano(), source: ds.Name}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out.Path = append(out.Path, trail.MergedPoint{
				Timestamp: ts,
				Latitude:  p.Latitude,
				Longitude: p.Longitude,
				Elevation: p.Elevation,
				Source:    ds.Name,
			})
		}
	}
	sort.Slice(out.Path, func(i, j int) bool {
		return lessPoint(out.Path[i], out.Path[j])
	})
	if out.Path == nil {
		out.Path = []trail.MergedPoint{}
	}
	return out
}

func lessPoint(a, b trail.MergedPoint) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Latitude != b.Latitude {
		return a.Latitude < b.Latitude
	}
	if a.Longitude != b.Longitude {
		return a.Longitude < b.Longitude
	}
	switch {
	case a.Elevation == nil:
		return b.Elevation != nil
	case b.Elevation == nil:
		return false
	default:
		return *a.Elevation < *b.Elevation
	}
}
