package trail

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// JSONContentType is attached to every document the pipeline writes.
const JSONContentType = "application/json"

// EncodeDataset serializes a dataset document.
func EncodeDataset(ds PathDataset) ([]byte, error) {
	if ds.Path == nil {
		ds.Path = []Trackpoint{}
	}
	data, err := json.Marshal(ds)
	if err != nil {
		return nil, fmt.Errorf("encode dataset %s: %w", ds.Name, err)
	}
	return data, nil
}

// DecodeDataset parses a dataset document. Timestamps are normalized to UTC.
func DecodeDataset(data []byte) (PathDataset, error) {
	var ds PathDataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return PathDataset{}, DataErr("decode dataset", err)
	}
	for i := range ds.Path {
		ds.Path[i].Timestamp = ds.Path[i].Timestamp.UTC()
	}
	return ds, nil
}

// EncodeMerged serializes the merged output. Identical input yields
// identical bytes.
func EncodeMerged(m MergedPath) ([]byte, error) {
	if m.Path == nil {
		m.Path = []MergedPoint{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode merged path: %w", err)
	}
	return data, nil
}

// DecodeMerged parses a merged output document.
func DecodeMerged(data []byte) (MergedPath, error) {
	var m MergedPath
	if err := json.Unmarshal(data, &m); err != nil {
		return MergedPath{}, DataErr("decode merged path", err)
	}
	return m, nil
}

// EncodeIndex serializes the location index with keys in sorted order.
func EncodeIndex(idx LocationIndex) ([]byte, error) {
	if idx == nil {
		idx = LocationIndex{}
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("encode location index: %w", err)
	}
	return data, nil
}

// DecodeIndex parses the location index. Empty input yields an empty index.
func DecodeIndex(data []byte) (LocationIndex, error) {
	idx := LocationIndex{}
	if len(data) == 0 {
		return idx, nil
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, DataErr("decode location index", err)
	}
	return idx, nil
}
