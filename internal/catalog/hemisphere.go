package catalog

import (
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

// Hemisphere classifies a collection as Arctic or Antarctic.
type Hemisphere string

const (
	HemisphereNorth        Hemisphere = "north"
	HemisphereSouth        Hemisphere = "south"
	HemisphereUndetermined Hemisphere = "undetermined"
)

// hemisphereSamples caps how many items are inspected.
const hemisphereSamples = 10

// polarLatitude is the mean latitude beyond which a track counts as polar.
const polarLatitude = 45.0

// DetectHemisphere classifies a collection by its name, falling back to the
// mean latitude of up to ten evenly spaced items. Tracks that straddle the
// equator or stay within 45 degrees of it are undetermined.
func DetectHemisphere(name string, items []*stac.Item) Hemisphere {
	switch {
	case strings.Contains(name, "Antarctica"):
		return HemisphereSouth
	case strings.Contains(name, "Greenland"):
		return HemisphereNorth
	}

	var lats stats.Float64Data
	for _, item := range sampleItems(items, hemisphereSamples) {
		if lat, ok := itemLatitude(item); ok {
			lats = append(lats, lat)
		}
	}
	if len(lats) == 0 {
		return HemisphereUndetermined
	}

	lo, _ := lats.Min()
	hi, _ := lats.Max()
	if lo < 0 && hi > 0 {
		return HemisphereUndetermined
	}
	mean, err := lats.Mean()
	if err != nil {
		return HemisphereUndetermined
	}
	switch {
	case mean > polarLatitude:
		return HemisphereNorth
	case mean < -polarLatitude:
		return HemisphereSouth
	default:
		return HemisphereUndetermined
	}
}

// sampleItems picks at most n evenly spaced items.
func sampleItems(items []*stac.Item, n int) []*stac.Item {
	if len(items) <= n {
		return items
	}
	out := make([]*stac.Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, items[i*len(items)/n])
	}
	return out
}

// itemLatitude is the mean latitude of the item's geometry, or of its bbox
// when the geometry is missing.
func itemLatitude(item *stac.Item) (float64, bool) {
	if item == nil {
		return 0, false
	}
	if g, err := geojson.FromAny(item.Geometry); err == nil && !g.IsEmpty() {
		pos, err := g.Positions()
		if err == nil && len(pos) > 0 {
			lats := make(stats.Float64Data, len(pos))
			for i, p := range pos {
				lats[i] = p[1]
			}
			if m, err := lats.Mean(); err == nil {
				return m, true
			}
		}
	}
	if len(item.Bbox) >= 4 {
		b := stac.BBox2D(item.Bbox)
		return (b[1] + b[3]) / 2, true
	}
	return 0, false
}
