package geometry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paulsmith/gogeos/geos"

	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

// ErrEmptyItems is returned when an extent is requested for no items.
var ErrEmptyItems = errors.New("cannot build extent from empty item list")

// PropFrame is the item property holding the frame number.
const PropFrame = "opr:frame"

// Track is one frame's geometry.
type Track struct {
	Frame    int
	HasFrame bool
	Geometry *geojson.Geometry
}

// TracksFromItems reads the geometry and frame number of each item. Items
// whose geometry cannot be decoded contribute a track with a nil geometry.
func TracksFromItems(items []*stac.Item) []Track {
	tracks := make([]Track, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		g, _ := geojson.FromAny(item.Geometry)
		t := Track{Geometry: g}
		t.Frame, t.HasFrame = frameNumber(item.Properties[PropFrame])
		tracks = append(tracks, t)
	}
	return tracks
}

func frameNumber(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// ConcatenateTracks joins the tracks in ascending frame order into a single
// LineString. The first position of a frame is dropped when it equals the
// last position of the previous frame, so the shared boundary appears once.
// Repeats inside a frame are kept.
func ConcatenateTracks(tracks []Track) (*geojson.Geometry, error) {
	ordered := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if !t.Geometry.IsEmpty() {
			ordered = append(ordered, t)
		}
	}
	if len(ordered) == 0 {
		return nil, nil
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Frame < ordered[j].Frame })

	var line [][]float64
	for _, t := range ordered {
		pos, err := t.Geometry.Positions()
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", t.Frame, err)
		}
		if n := len(line); n > 0 && len(pos) > 0 && line[n-1][0] == pos[0][0] && line[n-1][1] == pos[0][1] {
			pos = pos[1:]
		}
		for _, p := range pos {
			line = append(line, []float64{p[0], p[1]})
		}
	}
	if len(line) == 1 {
		return geojson.NewPoint(line[0][0], line[0][1]), nil
	}
	return geojson.NewLineString(line), nil
}

// MergeItemGeometries merges frame tracks into one geometry and simplifies
// the result. Tracks are concatenated in frame order when every track has a
// frame number, otherwise they are unioned. Nil is returned when no track
// has a usable geometry.
func MergeItemGeometries(tracks []Track, toleranceM float64) (*geojson.Geometry, error) {
	ordered := true
	found := false
	for _, t := range tracks {
		if t.Geometry.IsEmpty() {
			continue
		}
		found = true
		if !t.HasFrame {
			ordered = false
		}
	}
	if !found {
		return nil, nil
	}

	var (
		merged *geojson.Geometry
		err    error
	)
	if ordered {
		merged, err = ConcatenateTracks(tracks)
	} else {
		merged, err = unionTracks(tracks)
	}
	if err != nil || merged == nil {
		return nil, err
	}
	return SimplifyPolar(merged, toleranceM)
}

func unionTracks(tracks []Track) (*geojson.Geometry, error) {
	var acc *geos.Geometry
	for _, t := range tracks {
		if t.Geometry.IsEmpty() {
			continue
		}
		g, err := toGEOS(t.Geometry)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = g
			continue
		}
		if acc, err = acc.Union(g); err != nil {
			return nil, fmt.Errorf("union: %w", err)
		}
	}
	if acc == nil {
		return nil, nil
	}
	if typ, err := acc.Type(); err == nil && typ == geos.MULTILINESTRING {
		if joined, err := acc.LineMerge(); err == nil {
			acc = joined
		}
	}
	return fromGEOS(acc)
}

// MergeFlightGeometries combines flight geometries into a MultiLineString.
// Nil entries are skipped, a single line collapses to a LineString, and no
// lines at all yields nil.
func MergeFlightGeometries(geoms []*geojson.Geometry) *geojson.Geometry {
	var lines [][][]float64
	for _, g := range geoms {
		if g.IsEmpty() {
			continue
		}
		ls, err := g.Lines()
		if err != nil {
			continue
		}
		for _, l := range ls {
			if len(l) > 0 {
				lines = append(lines, l)
			}
		}
	}
	switch len(lines) {
	case 0:
		return nil
	case 1:
		return geojson.NewLineString(lines[0])
	default:
		return geojson.NewMultiLineString(lines)
	}
}

// BuildCollectionExtentAndGeometry computes the extent of items, as
// BuildCollectionExtent does, plus their merged geometry.
func BuildCollectionExtentAndGeometry(items []*stac.Item, toleranceM float64) (*stac.Extent, *geojson.Geometry, error) {
	extent, err := BuildCollectionExtent(items)
	if err != nil {
		return nil, nil, err
	}
	merged, err := MergeItemGeometries(TracksFromItems(items), toleranceM)
	if err != nil {
		return nil, nil, fmt.Errorf("merge item geometries: %w", err)
	}
	return extent, merged, nil
}

// BuildCollectionExtent computes the union bbox and datetime range of
// items. Items without bboxes give the whole-globe extent and items without
// datetimes an open interval.
func BuildCollectionExtent(items []*stac.Item) (*stac.Extent, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}

	var (
		bbox       []float64
		start, end time.Time
	)
	for _, item := range items {
		if item == nil {
			continue
		}
		if len(item.Bbox) >= 4 {
			bbox = geojson.UnionBBox(bbox, stac.BBox2D(item.Bbox))
		}
		if dt, ok := stac.ItemDatetime(item); ok {
			if start.IsZero() || dt.Before(start) {
				start = dt
			}
			if end.IsZero() || dt.After(end) {
				end = dt
			}
		}
	}
	if bbox == nil {
		bbox = []float64{-180, -90, 180, 90}
	}
	return stac.NewExtent(bbox, start, end), nil
}
