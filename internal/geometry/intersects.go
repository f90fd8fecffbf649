package geometry

import (
	"fmt"

	"github.com/rkm/opr-stac/pkg/geojson"
)

// Intersects reports whether two geometries share at least one point.
// Either argument being nil yields false.
func Intersects(a, b *geojson.Geometry) (bool, error) {
	if a == nil || b == nil {
		return false, nil
	}
	ga, err := toGEOS(a)
	if err != nil {
		return false, fmt.Errorf("intersects: %w", err)
	}
	gb, err := toGEOS(b)
	if err != nil {
		return false, fmt.Errorf("intersects: %w", err)
	}
	return ga.Intersects(gb)
}
