package geometry

import (
	"fmt"

	"github.com/paulsmith/gogeos/geos"

	"github.com/rkm/opr-stac/pkg/geojson"
)

// ToWKB encodes g as well-known binary.
func ToWKB(g *geojson.Geometry) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	gg, err := toGEOS(g)
	if err != nil {
		return nil, fmt.Errorf("encode %s as WKB: %w", g.Type, err)
	}
	return gg.ToWKB()
}

// FromWKB decodes well-known binary. Empty input yields a nil geometry.
func FromWKB(b []byte) (*geojson.Geometry, error) {
	if len(b) == 0 {
		return nil, nil
	}
	gg, err := geos.FromWKB(b)
	if err != nil {
		return nil, fmt.Errorf("decode WKB: %w", err)
	}
	return fromGEOS(gg)
}
