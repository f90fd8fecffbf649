package geometry

import (
	"fmt"

	"github.com/paulsmith/gogeos/geos"

	"github.com/rkm/opr-stac/pkg/geojson"
)

// SimplifyPolar simplifies g with a tolerance in meters. The geometry is
// projected to EPSG:3031 when its centroid is south of the equator and to
// EPSG:3413 otherwise, simplified with topology preserved, and projected
// back. Nil, empty and invalid geometries and non-positive tolerances are
// returned unchanged.
func SimplifyPolar(g *geojson.Geometry, toleranceM float64) (*geojson.Geometry, error) {
	if g == nil || g.IsEmpty() || toleranceM <= 0 {
		return g, nil
	}

	gg, err := toGEOS(g)
	if err != nil {
		return g, nil
	}
	if ok, err := usable(gg); err != nil || !ok {
		return g, nil
	}

	centroid, err := gg.Centroid()
	if err != nil {
		return nil, fmt.Errorf("centroid: %w", err)
	}
	lat, err := centroid.Y()
	if err != nil {
		return nil, fmt.Errorf("centroid latitude: %w", err)
	}
	proj := ForPoleOf(lat)

	projected, err := transform(g, proj.Forward)
	if err != nil {
		return nil, err
	}
	pg, err := toGEOS(projected)
	if err != nil {
		return nil, err
	}
	simplified, err := pg.SimplifyP(toleranceM)
	if err != nil {
		return nil, fmt.Errorf("simplify in %s: %w", proj.Name, err)
	}
	back, err := fromGEOS(simplified)
	if err != nil {
		return nil, err
	}
	return transform(back, proj.Inverse)
}

// usable reports whether g is non-empty. Degenerate input, such as a
// one-position line, already fails construction in toGEOS.
func usable(g *geos.Geometry) (bool, error) {
	empty, err := g.IsEmpty()
	if err != nil {
		return false, err
	}
	return !empty, nil
}

// transform applies fn to every position of g.
func transform(g *geojson.Geometry, fn func(a, b float64) (float64, float64)) (*geojson.Geometry, error) {
	mapLine := func(line [][]float64) [][]float64 {
		out := make([][]float64, len(line))
		for i, p := range line {
			x, y := fn(p[0], p[1])
			out[i] = []float64{x, y}
		}
		return out
	}

	switch g.Type {
	case geojson.TypePoint:
		p, err := g.Point()
		if err != nil {
			return nil, err
		}
		x, y := fn(p[0], p[1])
		return geojson.NewPoint(x, y), nil
	case geojson.TypeLineString:
		line, err := g.LineString()
		if err != nil {
			return nil, err
		}
		return geojson.NewLineString(mapLine(line)), nil
	case geojson.TypeMultiLineString:
		lines, err := g.MultiLineString()
		if err != nil {
			return nil, err
		}
		for i := range lines {
			lines[i] = mapLine(lines[i])
		}
		return geojson.NewMultiLineString(lines), nil
	case geojson.TypePolygon:
		rings, err := g.Polygon()
		if err != nil {
			return nil, err
		}
		for i := range rings {
			rings[i] = mapLine(rings[i])
		}
		return geojson.NewPolygon(rings), nil
	case geojson.TypeMultiPolygon:
		polys, err := g.MultiPolygon()
		if err != nil {
			return nil, err
		}
		for i := range polys {
			for j := range polys[i] {
				polys[i][j] = mapLine(polys[i][j])
			}
		}
		return geojson.NewMultiPolygon(polys), nil
	default:
		return nil, fmt.Errorf("unsupported geometry type: %s", g.Type)
	}
}

func coords(line [][]float64) []geos.Coord {
	out := make([]geos.Coord, 0, len(line))
	for _, p := range line {
		out = append(out, geos.NewCoord(p[0], p[1]))
	}
	return out
}

func positions(cs []geos.Coord) [][]float64 {
	out := make([][]float64, len(cs))
	for i, c := range cs {
		out[i] = []float64{c.X, c.Y}
	}
	return out
}

// toGEOS converts a GeoJSON geometry to a GEOS geometry.
func toGEOS(g *geojson.Geometry) (*geos.Geometry, error) {
	switch g.Type {
	case geojson.TypePoint:
		p, err := g.Point()
		if err != nil {
			return nil, err
		}
		return geos.NewPoint(geos.NewCoord(p[0], p[1]))
	case geojson.TypeLineString:
		line, err := g.LineString()
		if err != nil {
			return nil, err
		}
		return geos.NewLineString(coords(line)...)
	case geojson.TypeMultiLineString:
		lines, err := g.MultiLineString()
		if err != nil {
			return nil, err
		}
		parts := make([]*geos.Geometry, 0, len(lines))
		for _, line := range lines {
			part, err := geos.NewLineString(coords(line)...)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		return geos.NewCollection(geos.MULTILINESTRING, parts...)
	case geojson.TypePolygon:
		rings, err := g.Polygon()
		if err != nil {
			return nil, err
		}
		return polygonToGEOS(rings)
	case geojson.TypeMultiPolygon:
		polys, err := g.MultiPolygon()
		if err != nil {
			return nil, err
		}
		parts := make([]*geos.Geometry, 0, len(polys))
		for _, rings := range polys {
			part, err := polygonToGEOS(rings)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		return geos.NewCollection(geos.MULTIPOLYGON, parts...)
	default:
		return nil, fmt.Errorf("unsupported geometry type: %s", g.Type)
	}
}

func polygonToGEOS(rings [][][]float64) (*geos.Geometry, error) {
	if len(rings) == 0 {
		return geos.EmptyPolygon()
	}
	holes := make([][]geos.Coord, 0, len(rings)-1)
	for _, r := range rings[1:] {
		holes = append(holes, coords(r))
	}
	return geos.NewPolygon(coords(rings[0]), holes...)
}

// fromGEOS converts a GEOS geometry back to GeoJSON. Geometry collections
// and multi-points are reduced to their line work.
func fromGEOS(g *geos.Geometry) (*geojson.Geometry, error) {
	typ, err := g.Type()
	if err != nil {
		return nil, err
	}

	switch typ {
	case geos.POINT:
		cs, err := g.Coords()
		if err != nil {
			return nil, err
		}
		if len(cs) == 0 {
			return nil, geojson.ErrEmptyGeometry
		}
		return geojson.NewPoint(cs[0].X, cs[0].Y), nil
	case geos.LINESTRING, geos.LINEARRING:
		cs, err := g.Coords()
		if err != nil {
			return nil, err
		}
		return geojson.NewLineString(positions(cs)), nil
	case geos.POLYGON:
		rings, err := polygonRings(g)
		if err != nil {
			return nil, err
		}
		return geojson.NewPolygon(rings), nil
	case geos.MULTIPOLYGON:
		n, err := g.NGeometry()
		if err != nil {
			return nil, err
		}
		polys := make([][][][]float64, 0, n)
		for i := 0; i < n; i++ {
			part, err := g.Geometry(i)
			if err != nil {
				return nil, err
			}
			rings, err := polygonRings(part)
			if err != nil {
				return nil, err
			}
			polys = append(polys, rings)
		}
		return geojson.NewMultiPolygon(polys), nil
	case geos.MULTILINESTRING, geos.GEOMETRYCOLLECTION, geos.MULTIPOINT:
		n, err := g.NGeometry()
		if err != nil {
			return nil, err
		}
		var lines [][][]float64
		for i := 0; i < n; i++ {
			part, err := g.Geometry(i)
			if err != nil {
				return nil, err
			}
			sub, err := fromGEOS(part)
			if err != nil {
				return nil, err
			}
			sl, err := sub.Lines()
			if err != nil {
				return nil, err
			}
			lines = append(lines, sl...)
		}
		if typ != geos.MULTILINESTRING && len(lines) == 1 {
			return geojson.NewLineString(lines[0]), nil
		}
		return geojson.NewMultiLineString(lines), nil
	default:
		return nil, fmt.Errorf("unsupported GEOS geometry type %v", typ)
	}
}

func polygonRings(g *geos.Geometry) ([][][]float64, error) {
	shell, err := g.Shell()
	if err != nil {
		return nil, err
	}
	cs, err := shell.Coords()
	if err != nil {
		return nil, err
	}
	rings := [][][]float64{positions(cs)}
	holes, err := g.Holes()
	if err != nil {
		return nil, err
	}
	for _, h := range holes {
		rings = append(rings, positions(h))
	}
	return rings, nil
}
