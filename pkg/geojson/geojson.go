// Package geojson provides GeoJSON geometry types and utilities.
package geojson

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Geometry type names.
const (
	TypePoint           = "Point"
	TypeLineString      = "LineString"
	TypeMultiLineString = "MultiLineString"
	TypePolygon         = "Polygon"
	TypeMultiPolygon    = "MultiPolygon"
)

// ErrEmptyGeometry is returned when a geometry has no coordinates.
var ErrEmptyGeometry = errors.New("empty geometry")

// Geometry represents a GeoJSON geometry object.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// NewPoint creates a Point geometry.
func NewPoint(lon, lat float64) *Geometry {
	return mustGeometry(TypePoint, []float64{lon, lat})
}

// NewLineString creates a LineString geometry from [lon, lat] positions.
func NewLineString(coords [][]float64) *Geometry {
	return mustGeometry(TypeLineString, coords)
}

// NewMultiLineString creates a MultiLineString geometry.
func NewMultiLineString(lines [][][]float64) *Geometry {
	return mustGeometry(TypeMultiLineString, lines)
}

// NewPolygon creates a Polygon geometry from rings.
func NewPolygon(rings [][][]float64) *Geometry {
	return mustGeometry(TypePolygon, rings)
}

// NewMultiPolygon creates a MultiPolygon geometry.
func NewMultiPolygon(polygons [][][][]float64) *Geometry {
	return mustGeometry(TypeMultiPolygon, polygons)
}

// mustGeometry marshals coordinates. Callers must pass finite values.
func mustGeometry(typ string, coords any) *Geometry {
	raw, err := json.Marshal(coords)
	if err != nil {
		panic(fmt.Sprintf("geojson: marshal %s coordinates: %v", typ, err))
	}
	return &Geometry{Type: typ, Coordinates: raw}
}

// FromAny converts a decoded geometry value into a Geometry. It accepts a
// *Geometry, a Geometry, a map produced by encoding/json, or raw JSON bytes.
// A nil value yields a nil geometry and no error.
func FromAny(v any) (*Geometry, error) {
	switch g := v.(type) {
	case nil:
		return nil, nil
	case *Geometry:
		return g, nil
	case Geometry:
		return &g, nil
	case json.RawMessage:
		return decode(g)
	case []byte:
		return decode(g)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal geometry value: %w", err)
		}
		return decode(raw)
	}
}

func decode(raw []byte) (*Geometry, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var g Geometry
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal geometry: %w", err)
	}
	if g.Type == "" {
		return nil, fmt.Errorf("geometry has no type")
	}
	return &g, nil
}

// Point returns the coordinates as a Point [lon, lat].
// Returns error if geometry is not a Point.
func (g *Geometry) Point() ([]float64, error) {
	if g.Type != TypePoint {
		return nil, fmt.Errorf("geometry is not a Point, got %s", g.Type)
	}
	var coords []float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Point coordinates: %w", err)
	}
	if len(coords) < 2 {
		return nil, fmt.Errorf("invalid Point coordinates: expected at least 2 values, got %d", len(coords))
	}
	return coords, nil
}

// LineString returns the coordinates as a LineString [][lon, lat].
// Returns error if geometry is not a LineString.
func (g *Geometry) LineString() ([][]float64, error) {
	if g.Type != TypeLineString {
		return nil, fmt.Errorf("geometry is not a LineString, got %s", g.Type)
	}
	var coords [][]float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LineString coordinates: %w", err)
	}
	return coords, nil
}

// MultiLineString returns the coordinates as a MultiLineString [][][lon, lat].
func (g *Geometry) MultiLineString() ([][][]float64, error) {
	if g.Type != TypeMultiLineString {
		return nil, fmt.Errorf("geometry is not a MultiLineString, got %s", g.Type)
	}
	var coords [][][]float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MultiLineString coordinates: %w", err)
	}
	return coords, nil
}

// Polygon returns the coordinates as a Polygon [][][lon, lat].
// Returns error if geometry is not a Polygon.
func (g *Geometry) Polygon() ([][][]float64, error) {
	if g.Type != TypePolygon {
		return nil, fmt.Errorf("geometry is not a Polygon, got %s", g.Type)
	}
	var coords [][][]float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Polygon coordinates: %w", err)
	}
	return coords, nil
}

// MultiPolygon returns the coordinates as a MultiPolygon [][][][lon, lat].
// Returns error if geometry is not a MultiPolygon.
func (g *Geometry) MultiPolygon() ([][][][]float64, error) {
	if g.Type != TypeMultiPolygon {
		return nil, fmt.Errorf("geometry is not a MultiPolygon, got %s", g.Type)
	}
	var coords [][][][]float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MultiPolygon coordinates: %w", err)
	}
	return coords, nil
}

// Lines returns the geometry as a list of lines. Points become a single
// one-position line and polygons contribute their rings.
func (g *Geometry) Lines() ([][][]float64, error) {
	switch g.Type {
	case TypePoint:
		p, err := g.Point()
		if err != nil {
			return nil, err
		}
		return [][][]float64{{p}}, nil
	case TypeLineString:
		line, err := g.LineString()
		if err != nil {
			return nil, err
		}
		return [][][]float64{line}, nil
	case TypeMultiLineString:
		return g.MultiLineString()
	case TypePolygon:
		return g.Polygon()
	case TypeMultiPolygon:
		polys, err := g.MultiPolygon()
		if err != nil {
			return nil, err
		}
		var rings [][][]float64
		for _, p := range polys {
			rings = append(rings, p...)
		}
		return rings, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type: %s", g.Type)
	}
}

// Positions returns every vertex of the geometry in order.
func (g *Geometry) Positions() ([][]float64, error) {
	lines, err := g.Lines()
	if err != nil {
		return nil, err
	}
	var out [][]float64
	for _, line := range lines {
		for _, p := range line {
			if len(p) >= 2 {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// IsEmpty reports whether the geometry has no usable positions.
func (g *Geometry) IsEmpty() bool {
	if g == nil {
		return true
	}
	pos, err := g.Positions()
	return err != nil || len(pos) == 0
}

// BBox computes the bounding box of the geometry.
// Returns [west, south, east, north].
func (g *Geometry) BBox() ([]float64, error) {
	return ComputeBBox(g)
}

// ComputeBBox computes the bounding box of a geometry.
// Returns [west, south, east, north].
func ComputeBBox(g *Geometry) ([]float64, error) {
	if g == nil {
		return nil, fmt.Errorf("geometry is nil")
	}

	positions, err := g.Positions()
	if err != nil {
		return nil, err
	}

	minLon, minLat := math.Inf(1), math.Inf(1)
	maxLon, maxLat := math.Inf(-1), math.Inf(-1)
	for _, point := range positions {
		minLon = math.Min(minLon, point[0])
		maxLon = math.Max(maxLon, point[0])
		minLat = math.Min(minLat, point[1])
		maxLat = math.Max(maxLat, point[1])
	}

	if math.IsInf(minLon, 0) || math.IsInf(minLat, 0) {
		return nil, fmt.Errorf("failed to compute bounding box: no valid coordinates found")
	}

	return []float64{minLon, minLat, maxLon, maxLat}, nil
}

// UnionBBox returns the smallest bbox covering both a and b. Either may be nil.
func UnionBBox(a, b []float64) []float64 {
	if len(a) < 4 {
		if len(b) < 4 {
			return nil
		}
		return append([]float64(nil), b[:4]...)
	}
	if len(b) < 4 {
		return append([]float64(nil), a[:4]...)
	}
	return []float64{
		math.Min(a[0], b[0]),
		math.Min(a[1], b[1]),
		math.Max(a[2], b[2]),
		math.Max(a[3], b[3]),
	}
}

// BBoxIntersects reports whether two [west, south, east, north] boxes overlap.
func BBoxIntersects(a, b []float64) bool {
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	return a[0] <= b[2] && b[0] <= a[2] && a[1] <= b[3] && b[1] <= a[3]
}

// NewPolygonFromBBox creates a polygon geometry from a bounding box.
// bbox should be [west, south, east, north].
func NewPolygonFromBBox(bbox []float64) (*Geometry, error) {
	if len(bbox) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values [west, south, east, north], got %d", len(bbox))
	}

	west, south, east, north := bbox[0], bbox[1], bbox[2], bbox[3]

	return NewPolygon([][][]float64{
		{
			{west, south},
			{east, south},
			{east, north},
			{west, north},
			{west, south},
		},
	}), nil
}

// ToWKT converts a GeoJSON geometry to WKT format.
func ToWKT(g *Geometry) (string, error) {
	if g == nil {
		return "", fmt.Errorf("geometry is nil")
	}

	switch g.Type {
	case TypePoint:
		coords, err := g.Point()
		if err != nil {
			return "", err
		}
		return "POINT(" + formatPosition(coords) + ")", nil
	case TypeLineString:
		coords, err := g.LineString()
		if err != nil {
			return "", err
		}
		if len(coords) == 0 {
			return "LINESTRING EMPTY", nil
		}
		seq, err := formatSequence(coords)
		if err != nil {
			return "", err
		}
		return "LINESTRING" + seq, nil
	case TypeMultiLineString:
		lines, err := g.MultiLineString()
		if err != nil {
			return "", err
		}
		parts, err := formatSequences(lines)
		if err != nil {
			return "", err
		}
		return "MULTILINESTRING(" + strings.Join(parts, ",") + ")", nil
	case TypePolygon:
		rings, err := g.Polygon()
		if err != nil {
			return "", err
		}
		parts, err := formatSequences(rings)
		if err != nil {
			return "", err
		}
		return "POLYGON(" + strings.Join(parts, ",") + ")", nil
	case TypeMultiPolygon:
		polys, err := g.MultiPolygon()
		if err != nil {
			return "", err
		}
		var polygons []string
		for _, rings := range polys {
			parts, err := formatSequences(rings)
			if err != nil {
				return "", err
			}
			polygons = append(polygons, "("+strings.Join(parts, ",")+")")
		}
		return "MULTIPOLYGON(" + strings.Join(polygons, ",") + ")", nil
	default:
		return "", fmt.Errorf("unsupported geometry type for WKT conversion: %s", g.Type)
	}
}

func formatPosition(p []float64) string {
	return formatFloat(p[0]) + " " + formatFloat(p[1])
}

func formatSequence(coords [][]float64) (string, error) {
	points := make([]string, len(coords))
	for i, point := range coords {
		if len(point) < 2 {
			return "", fmt.Errorf("invalid position: expected at least 2 coordinates")
		}
		points[i] = formatPosition(point)
	}
	return "(" + strings.Join(points, ",") + ")", nil
}

func formatSequences(seqs [][][]float64) ([]string, error) {
	parts := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		s, err := formatSequence(seq)
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	return parts, nil
}

// FromWKT parses a WKT string into a GeoJSON geometry.
// Supports Point, LineString, MultiLineString, Polygon, and MultiPolygon.
// "EMPTY" geometries return ErrEmptyGeometry.
func FromWKT(wkt string) (*Geometry, error) {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return nil, fmt.Errorf("empty WKT string")
	}

	upperWKT := strings.ToUpper(wkt)
	if strings.HasSuffix(upperWKT, "EMPTY") {
		return nil, ErrEmptyGeometry
	}

	start := strings.Index(wkt, "(")
	end := strings.LastIndex(wkt, ")")
	if start == -1 || end == -1 || start >= end {
		return nil, fmt.Errorf("invalid WKT format: %q", wkt)
	}
	content := wkt[start+1 : end]

	switch {
	case strings.HasPrefix(upperWKT, "POINT"):
		coords, err := parseCoordPair(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse POINT coordinates: %w", err)
		}
		return NewPoint(coords[0], coords[1]), nil
	case strings.HasPrefix(upperWKT, "MULTILINESTRING"):
		lines, err := parseRings(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse MULTILINESTRING: %w", err)
		}
		return NewMultiLineString(lines), nil
	case strings.HasPrefix(upperWKT, "LINESTRING"):
		line, err := parseRing("(" + content + ")")
		if err != nil {
			return nil, fmt.Errorf("failed to parse LINESTRING: %w", err)
		}
		return NewLineString(line), nil
	case strings.HasPrefix(upperWKT, "MULTIPOLYGON"):
		polygons, err := parsePolygons(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse MULTIPOLYGON polygons: %w", err)
		}
		return NewMultiPolygon(polygons), nil
	case strings.HasPrefix(upperWKT, "POLYGON"):
		rings, err := parseRings(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse POLYGON rings: %w", err)
		}
		return NewPolygon(rings), nil
	default:
		return nil, fmt.Errorf("unsupported WKT geometry type")
	}
}

// parseCoordPair parses a coordinate pair "lon lat" into [lon, lat]
func parseCoordPair(s string) ([]float64, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid coordinate pair: %s", s)
	}

	lon, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude: %s", parts[0])
	}

	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude: %s", parts[1])
	}

	return []float64{lon, lat}, nil
}

// parseRing parses a ring string like "(lon lat,lon lat,...)" into [][]float64
func parseRing(s string) ([][]float64, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("ring must be enclosed in parentheses")
	}

	content := s[1 : len(s)-1]
	coordPairs := strings.Split(content, ",")

	ring := make([][]float64, 0, len(coordPairs))
	for _, pair := range coordPairs {
		coords, err := parseCoordPair(pair)
		if err != nil {
			return nil, err
		}
		ring = append(ring, coords)
	}

	return ring, nil
}

// parseRings parses a list of parenthesised coordinate sequences.
func parseRings(s string) ([][][]float64, error) {
	groups, err := splitGroups(s)
	if err != nil {
		return nil, err
	}

	rings := make([][][]float64, 0, len(groups))
	for _, g := range groups {
		ring, err := parseRing(g)
		if err != nil {
			return nil, err
		}
		rings = append(rings, ring)
	}

	return rings, nil
}

// parsePolygons parses multiple polygons for a multipolygon
func parsePolygons(s string) ([][][][]float64, error) {
	groups, err := splitGroups(s)
	if err != nil {
		return nil, err
	}

	polygons := make([][][][]float64, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		rings, err := parseRings(g[1 : len(g)-1])
		if err != nil {
			return nil, err
		}
		polygons = append(polygons, rings)
	}

	return polygons, nil
}

// splitGroups splits "(a),(b)" style content into its top-level
// parenthesised groups, keeping each group's own parentheses.
func splitGroups(s string) ([]string, error) {
	var result []string
	var current strings.Builder
	depth := 0

	for i, ch := range s {
		switch ch {
		case '(':
			current.WriteRune(ch)
			depth++
		case ')':
			current.WriteRune(ch)
			depth--
			if depth == 0 {
				result = append(result, current.String())
				current.Reset()
			} else if depth < 0 {
				return nil, fmt.Errorf("unmatched closing parenthesis at position %d", i)
			}
		default:
			if depth > 0 {
				current.WriteRune(ch)
			}
		}
	}

	if depth != 0 {
		return nil, fmt.Errorf("unmatched parentheses")
	}

	return result, nil
}

// formatFloat formats a float64 for WKT output
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
