// Package metadata extracts item-level metadata from a decoded radar frame:
// track geometry, acquisition time, radar frequency and bandwidth, and the
// optional DOI and citation strings.
package metadata

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rkm/opr-stac/internal/matfile"
	"github.com/rkm/opr-stac/pkg/geojson"
)

// Media types reported for frame files.
const (
	MimeHDF5   = "application/x-hdf5"
	MimeMATLAB = "application/x-matlab-data"
)

var (
	// ErrVariableNotFound is returned by a Dataset for a name it does not hold.
	ErrVariableNotFound = errors.New("variable not found")

	// ErrTrackMissing means the latitude, longitude or GPS time arrays are
	// absent or hold no usable samples.
	ErrTrackMissing = errors.New("track variables missing")
)

var (
	latitudeNames  = []string{"Latitude", "lat", "LAT"}
	longitudeNames = []string{"Longitude", "lon", "LON"}
)

// Dataset is a decoded frame file. Variable returns plain values as
// produced by matfile.Decode.
type Dataset interface {
	Variable(name string) (any, error)
	MimeType() string
}

// ItemMetadata is everything an item needs from its frame file.
type ItemMetadata struct {
	Geometry  *geojson.Geometry
	BBox      []float64
	Datetime  time.Time
	Frequency *float64
	Bandwidth *float64
	DOI       *string
	Citation  *string
	MimeType  string
}

// Options controls extraction.
type Options struct {
	// Accessors overrides the radar parameter lookup chain.
	Accessors []WaveformAccessor
}

// ExtractItemMetadata reads track, time, radar and citation fields from ds.
func ExtractItemMetadata(ds Dataset, opts Options) (*ItemMetadata, error) {
	lat, err := firstArray(ds, latitudeNames)
	if err != nil {
		return nil, err
	}
	lon, err := firstArray(ds, longitudeNames)
	if err != nil {
		return nil, err
	}
	gps, err := firstArray(ds, []string{"GPS_time"})
	if err != nil {
		return nil, err
	}

	geom, bbox, err := track(lon, lat)
	if err != nil {
		return nil, err
	}

	when, err := meanTime(gps)
	if err != nil {
		return nil, err
	}

	accessors := opts.Accessors
	if accessors == nil {
		accessors = DefaultAccessors()
	}
	low, high, err := RadarFrequencies(ds, accessors)
	if err != nil {
		return nil, err
	}
	center := (low + high) / 2
	bandwidth := math.Abs(high - low)

	return &ItemMetadata{
		Geometry:  geom,
		BBox:      bbox,
		Datetime:  when,
		Frequency: &center,
		Bandwidth: &bandwidth,
		DOI:       optionalString(ds, "doi"),
		Citation:  optionalString(ds, "funder_text"),
		MimeType:  ds.MimeType(),
	}, nil
}

func firstArray(ds Dataset, names []string) ([]float64, error) {
	for _, name := range names {
		v, err := ds.Variable(name)
		if errors.Is(err, ErrVariableNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		vals, ok := matfile.Float64Slice(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s is %T, not numeric", ErrTrackMissing, name, v)
		}
		return vals, nil
	}
	return nil, fmt.Errorf("%w: none of %v present", ErrTrackMissing, names)
}

// track builds a LineString from paired samples, dropping any pair with a
// NaN. One surviving sample gives a Point.
func track(lon, lat []float64) (*geojson.Geometry, []float64, error) {
	if len(lon) != len(lat) {
		return nil, nil, fmt.Errorf("%w: %d longitudes for %d latitudes", ErrTrackMissing, len(lon), len(lat))
	}
	coords := make([][]float64, 0, len(lon))
	xs := make([]float64, 0, len(lon))
	ys := make([]float64, 0, len(lat))
	for i := range lon {
		if math.IsNaN(lon[i]) || math.IsNaN(lat[i]) {
			continue
		}
		coords = append(coords, []float64{lon[i], lat[i]})
		xs = append(xs, lon[i])
		ys = append(ys, lat[i])
	}
	if len(coords) == 0 {
		return nil, nil, fmt.Errorf("%w: no valid track samples", ErrTrackMissing)
	}

	bbox := []float64{floats.Min(xs), floats.Min(ys), floats.Max(xs), floats.Max(ys)}
	if len(coords) == 1 {
		return geojson.NewPoint(xs[0], ys[0]), bbox, nil
	}
	return geojson.NewLineString(coords), bbox, nil
}

func meanTime(gps []float64) (time.Time, error) {
	valid := make([]float64, 0, len(gps))
	for _, t := range gps {
		if !math.IsNaN(t) {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		return time.Time{}, fmt.Errorf("%w: GPS_time has no valid samples", ErrTrackMissing)
	}
	mean := stat.Mean(valid, nil)
	sec, frac := math.Modf(mean)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func optionalString(ds Dataset, name string) *string {
	v, err := ds.Variable(name)
	if err != nil {
		return nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// Result is the outcome of extracting one file. A non-nil Err means the
// file was skipped and Err carries the reason.
type Result struct {
	Path     string
	Metadata *ItemMetadata
	Err      error
}

// Skipped reports whether the file produced no metadata.
func (r Result) Skipped() bool {
	return r.Err != nil || r.Metadata == nil
}
