// Package exifgeo extracts GPS coordinates from image metadata.
package exifgeo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/JakeFAU/trailnotes/internal/trail"
)

// ErrNoLocation means the image carries no usable GPS position.
var ErrNoLocation = errors.New("no usable location")

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Extract returns the image's GPS location. Images without EXIF, without GPS
// tags, or with a null-island fix yield an error wrapping both ErrNoLocation
// and trail.ErrData.
func Extract(data []byte) (*trail.Location, error) {
	raw := data
	if bytes.HasPrefix(data, pngSignature) {
		chunk, ok := pngExif(data)
		if !ok {
			return nil, trail.DataErr("extract location", fmt.Errorf("png has no eXIf chunk: %w", ErrNoLocation))
		}
		raw = chunk
	}

	x, err := decode(raw)
	if err != nil {
		return nil, trail.DataErr("extract location", fmt.Errorf("%w: %w", ErrNoLocation, err))
	}
	lat, lon, err := x.LatLong()
	if err != nil {
		return nil, trail.DataErr("extract location", fmt.Errorf("%w: %w", ErrNoLocation, err))
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return nil, trail.DataErr("extract location", fmt.Errorf("%w: coordinate out of range", ErrNoLocation))
	}
	if lat == 0 && lon == 0 {
		return nil, trail.DataErr("extract location", fmt.Errorf("%w: null island", ErrNoLocation))
	}

	loc := &trail.Location{Latitude: lat, Longitude: lon}
	if taken, err := x.DateTime(); err == nil && !taken.IsZero() {
		utc := taken.UTC()
		loc.TakenAt = &utc
	}
	return loc, nil
}

// decode guards against panics on corrupt input. Errors confined to
// unrelated sub-directories are tolerated.
func decode(raw []byte) (x *exif.Exif, err error) {
	defer func() {
		if r := recover(); r != nil {
			x, err = nil, fmt.Errorf("corrupt exif: %v", r)
		}
	}()
	x, err = exif.Decode(bytes.NewReader(raw))
	if err != nil && x != nil && !exif.IsCriticalError(err) {
		return x, nil
	}
	return x, err
}

// pngExif returns the payload of the first eXIf chunk.
func pngExif(data []byte) ([]byte, bool) {
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		kind := string(data[pos+4 : pos+8])
		start := pos + 8
		end := start + length
		if length < 0 || end+4 > len(data) {
			return nil, false
		}
		switch kind {
		case "eXIf":
			return data[start:end], true
		case "IDAT", "IEND":
			// eXIf must precede image data.
			return nil, false
		}
		pos = end + 4
	}
	return nil, false
}
