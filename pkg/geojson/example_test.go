package geojson_test

import (
	"fmt"
	"log"

	"github.com/rkm/opr-stac/pkg/geojson"
)

func ExampleGeometry_BBox() {
	track := geojson.NewLineString([][]float64{
		{-75.5, -79.1},
		{-74.0, -80.2},
		{-76.0, -79.5},
	})

	bbox, err := track.BBox()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("BBox: [%.1f, %.1f, %.1f, %.1f]\n", bbox[0], bbox[1], bbox[2], bbox[3])
	// Output: BBox: [-76.0, -80.2, -74.0, -79.1]
}

func ExampleToWKT() {
	track := geojson.NewLineString([][]float64{{-75.5, -79.1}, {-74, -80.2}})

	wkt, err := geojson.ToWKT(track)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(wkt)
	// Output: LINESTRING(-75.5 -79.1,-74 -80.2)
}

func ExampleFromWKT() {
	g, err := geojson.FromWKT("MULTILINESTRING ((0 0, 1 1), (2 2, 3 3))")
	if err != nil {
		log.Fatal(err)
	}

	lines, _ := g.MultiLineString()
	fmt.Printf("Type: %s, lines: %d\n", g.Type, len(lines))
	// Output: Type: MultiLineString, lines: 2
}
