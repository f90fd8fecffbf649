package geojson

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestPoint(t *testing.T) {
	g := NewPoint(-75.5, -79.1)

	result, err := g.Point()
	if err != nil {
		t.Fatalf("Point() error: %v", err)
	}

	if len(result) != 2 || result[0] != -75.5 || result[1] != -79.1 {
		t.Errorf("Point() = %v, want [-75.5, -79.1]", result)
	}
}

func TestPoint_WrongType(t *testing.T) {
	g := NewLineString([][]float64{{-75.5, -79.1}, {-75.6, -79.2}})

	if _, err := g.Point(); err == nil {
		t.Error("Point() should return error for non-Point geometry")
	}
}

func TestLineString(t *testing.T) {
	g := NewLineString([][]float64{{-75.5, -79.1}, {-75.6, -79.2}})

	result, err := g.LineString()
	if err != nil {
		t.Fatalf("LineString() error: %v", err)
	}

	if len(result) != 2 {
		t.Errorf("LineString() length = %d, want 2", len(result))
	}
}

func TestMultiLineString(t *testing.T) {
	g := NewMultiLineString([][][]float64{
		{{-75.5, -79.1}, {-75.6, -79.2}},
		{{-70.0, -80.0}, {-70.1, -80.1}, {-70.2, -80.2}},
	})

	lines, err := g.MultiLineString()
	if err != nil {
		t.Fatalf("MultiLineString() error: %v", err)
	}
	if len(lines) != 2 || len(lines[1]) != 3 {
		t.Errorf("MultiLineString() structure incorrect: %v", lines)
	}
}

func TestPolygon(t *testing.T) {
	g := NewPolygon([][][]float64{
		{{-122.4, 37.8}, {-122.5, 37.8}, {-122.5, 37.9}, {-122.4, 37.9}, {-122.4, 37.8}},
	})

	result, err := g.Polygon()
	if err != nil {
		t.Fatalf("Polygon() error: %v", err)
	}

	if len(result) != 1 || len(result[0]) != 5 {
		t.Errorf("Polygon() structure incorrect")
	}
}

func TestPositions(t *testing.T) {
	tests := []struct {
		name string
		g    *Geometry
		want int
	}{
		{"point", NewPoint(1, 2), 1},
		{"linestring", NewLineString([][]float64{{0, 0}, {1, 1}, {2, 2}}), 3},
		{"multilinestring", NewMultiLineString([][][]float64{{{0, 0}, {1, 1}}, {{2, 2}, {3, 3}}}), 4},
		{"polygon", NewPolygon([][][]float64{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}), 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := tt.g.Positions()
			if err != nil {
				t.Fatalf("Positions() error: %v", err)
			}
			if len(pos) != tt.want {
				t.Errorf("Positions() length = %d, want %d", len(pos), tt.want)
			}
		})
	}
}

func TestIsEmpty(t *testing.T) {
	var nilGeom *Geometry
	if !nilGeom.IsEmpty() {
		t.Error("nil geometry should be empty")
	}
	if !NewLineString(nil).IsEmpty() {
		t.Error("LineString without positions should be empty")
	}
	if NewPoint(0, 0).IsEmpty() {
		t.Error("Point should not be empty")
	}
}

func TestComputeBBox(t *testing.T) {
	tests := []struct {
		name    string
		g       *Geometry
		want    []float64
		wantErr bool
	}{
		{
			name: "point",
			g:    NewPoint(-75.5, -79.1),
			want: []float64{-75.5, -79.1, -75.5, -79.1},
		},
		{
			name: "track",
			g:    NewLineString([][]float64{{-75.5, -79.1}, {-74.0, -80.2}, {-76.0, -79.5}}),
			want: []float64{-76.0, -80.2, -74.0, -79.1},
		},
		{
			name: "multilinestring",
			g:    NewMultiLineString([][][]float64{{{-50, 70}, {-49, 71}}, {{-45, 72}, {-44, 69}}}),
			want: []float64{-50, 69, -44, 72},
		},
		{
			name:    "nil geometry",
			g:       nil,
			wantErr: true,
		},
		{
			name:    "empty track",
			g:       NewLineString(nil),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bbox, err := ComputeBBox(tt.g)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ComputeBBox() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			for i := range tt.want {
				if math.Abs(bbox[i]-tt.want[i]) > 1e-9 {
					t.Errorf("bbox[%d] = %f, want %f", i, bbox[i], tt.want[i])
				}
			}
		})
	}
}

func TestUnionBBox(t *testing.T) {
	got := UnionBBox([]float64{0, 0, 1, 1}, []float64{-1, 0.5, 0.5, 2})
	want := []float64{-1, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("UnionBBox()[%d] = %f, want %f", i, got[i], want[i])
		}
	}

	if got := UnionBBox(nil, []float64{1, 2, 3, 4}); len(got) != 4 || got[0] != 1 {
		t.Errorf("UnionBBox(nil, b) = %v", got)
	}
	if got := UnionBBox(nil, nil); got != nil {
		t.Errorf("UnionBBox(nil, nil) = %v, want nil", got)
	}
}

func TestBBoxIntersects(t *testing.T) {
	a := []float64{0, 0, 10, 10}
	if !BBoxIntersects(a, []float64{5, 5, 15, 15}) {
		t.Error("overlapping boxes should intersect")
	}
	if BBoxIntersects(a, []float64{11, 11, 12, 12}) {
		t.Error("disjoint boxes should not intersect")
	}
	if BBoxIntersects(a, nil) {
		t.Error("missing box should not intersect")
	}
}

func TestNewPolygonFromBBox(t *testing.T) {
	bbox := []float64{-122.5, 37.8, -122.4, 37.9}
	g, err := NewPolygonFromBBox(bbox)
	if err != nil {
		t.Fatalf("NewPolygonFromBBox() error: %v", err)
	}

	if g.Type != TypePolygon {
		t.Errorf("Type = %s, want Polygon", g.Type)
	}

	coords, err := g.Polygon()
	if err != nil {
		t.Fatalf("Polygon() error: %v", err)
	}
	if len(coords) != 1 || len(coords[0]) != 5 {
		t.Fatal("Polygon should have 1 ring with 5 points")
	}

	if _, err := NewPolygonFromBBox([]float64{1, 2, 3}); err == nil {
		t.Error("NewPolygonFromBBox() should reject a 3-value bbox")
	}
}

func TestToWKT(t *testing.T) {
	tests := []struct {
		name string
		g    *Geometry
		want string
	}{
		{"point", NewPoint(-75.5, -79.1), "POINT(-75.5 -79.1)"},
		{"linestring", NewLineString([][]float64{{0, 0}, {1.5, 2}}), "LINESTRING(0 0,1.5 2)"},
		{"empty linestring", NewLineString(nil), "LINESTRING EMPTY"},
		{
			"multilinestring",
			NewMultiLineString([][][]float64{{{0, 0}, {1, 1}}, {{2, 2}, {3, 3}}}),
			"MULTILINESTRING((0 0,1 1),(2 2,3 3))",
		},
		{
			"polygon",
			NewPolygon([][][]float64{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}),
			"POLYGON((0 0,1 0,1 1,0 0))",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToWKT(tt.g)
			if err != nil {
				t.Fatalf("ToWKT() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ToWKT() = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := ToWKT(nil); err == nil {
		t.Error("ToWKT(nil) should return error")
	}
}

func TestFromWKT(t *testing.T) {
	tests := []struct {
		name     string
		wkt      string
		wantType string
		wantPos  int
		wantErr  bool
	}{
		{name: "point", wkt: "POINT(-75.5 -79.1)", wantType: TypePoint, wantPos: 1},
		{name: "point with space", wkt: "POINT (-75.5 -79.1)", wantType: TypePoint, wantPos: 1},
		{name: "linestring", wkt: "LINESTRING (0 0, 1 1, 2 2)", wantType: TypeLineString, wantPos: 3},
		{name: "multilinestring", wkt: "MULTILINESTRING ((0 0, 1 1), (2 2, 3 3, 4 4))", wantType: TypeMultiLineString, wantPos: 5},
		{name: "polygon", wkt: "POLYGON((0 0,1 0,1 1,0 0))", wantType: TypePolygon, wantPos: 4},
		{name: "multipolygon", wkt: "MULTIPOLYGON(((0 0,1 0,1 1,0 0)),((5 5,6 5,6 6,5 5)))", wantType: TypeMultiPolygon, wantPos: 8},
		{name: "empty string", wkt: "", wantErr: true},
		{name: "unsupported", wkt: "TRIANGLE((0 0,1 0,1 1,0 0))", wantErr: true},
		{name: "unbalanced", wkt: "LINESTRING(0 0, 1 1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := FromWKT(tt.wkt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromWKT() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if g.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", g.Type, tt.wantType)
			}
			pos, err := g.Positions()
			if err != nil {
				t.Fatalf("Positions() error: %v", err)
			}
			if len(pos) != tt.wantPos {
				t.Errorf("positions = %d, want %d", len(pos), tt.wantPos)
			}
		})
	}
}

func TestFromWKT_Empty(t *testing.T) {
	_, err := FromWKT("GEOMETRYCOLLECTION EMPTY")
	if !errors.Is(err, ErrEmptyGeometry) {
		t.Errorf("FromWKT(EMPTY) error = %v, want ErrEmptyGeometry", err)
	}
}

func TestWKTRoundTrip(t *testing.T) {
	original := NewMultiLineString([][][]float64{
		{{-75.123456, -79.5}, {-75.2, -79.6}},
		{{-70.0, -80.0}, {-70.1, -80.1}},
	})

	wkt, err := ToWKT(original)
	if err != nil {
		t.Fatalf("ToWKT() error: %v", err)
	}

	parsed, err := FromWKT(wkt)
	if err != nil {
		t.Fatalf("FromWKT() error: %v", err)
	}

	if string(parsed.Coordinates) != string(original.Coordinates) {
		t.Errorf("round trip mismatch: %s vs %s", parsed.Coordinates, original.Coordinates)
	}
}

func TestFromAny(t *testing.T) {
	decoded := map[string]any{
		"type":        "LineString",
		"coordinates": []any{[]any{1.0, 2.0}, []any{3.0, 4.0}},
	}

	g, err := FromAny(decoded)
	if err != nil {
		t.Fatalf("FromAny() error: %v", err)
	}
	if g.Type != TypeLineString {
		t.Errorf("Type = %s, want LineString", g.Type)
	}

	raw, _ := json.Marshal(g)
	g2, err := FromAny(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("FromAny(raw) error: %v", err)
	}
	if !strings.EqualFold(g2.Type, g.Type) {
		t.Errorf("FromAny(raw) type = %s", g2.Type)
	}

	if g, err := FromAny(nil); g != nil || err != nil {
		t.Errorf("FromAny(nil) = %v, %v", g, err)
	}

	if _, err := FromAny(map[string]any{"coordinates": []any{}}); err == nil {
		t.Error("FromAny() should reject geometry without type")
	}
}
