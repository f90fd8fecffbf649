package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/metadata"
	"github.com/rkm/opr-stac/internal/opr"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

type fakeLoader map[string]*metadata.ItemMetadata

func (f fakeLoader) Extract(_ context.Context, path string) (*metadata.ItemMetadata, error) {
	md, ok := f[path]
	if !ok {
		return nil, errors.New("unreadable frame")
	}
	return md, nil
}

func ptr[T any](v T) *T { return &v }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.Data.PrimaryProduct = "CSARP_standard"
	cfg.Data.ExtraProducts = []string{"CSARP_layer"}
	cfg.Metadata.Geometry.Simplify = false
	cfg.Output.STACVersion = stac.Version
	return cfg
}

var antarctica = opr.Campaign{Name: "2016_Antarctica_DC8", Year: 2016, Location: "Antarctica", Aircraft: "DC8"}

func frameMetadata(lat float64, at time.Time) *metadata.ItemMetadata {
	return &metadata.ItemMetadata{
		Geometry:  geojson.NewLineString([][]float64{{-100, lat}, {-100.5, lat - 0.1}}),
		Datetime:  at,
		Frequency: ptr(195e6),
		Bandwidth: ptr(30e6),
		DOI:       ptr("10.5281/example"),
		MimeType:  metadata.MimeMATLAB,
	}
}

func testFlight() (opr.Flight, fakeLoader) {
	flight := opr.Flight{
		ID:       "20161014_03",
		Date:     "20161014",
		Segment:  3,
		Campaign: antarctica.Name,
		DataFiles: map[string]map[string]string{
			"CSARP_standard": {
				"Data_20161014_03_002.mat": "/data/std/Data_20161014_03_002.mat",
				"Data_20161014_03_001.mat": "/data/std/Data_20161014_03_001.mat",
				"Data_20161014_03_003.mat": "/data/std/Data_20161014_03_003.mat",
				"notes.mat":                "/data/std/notes.mat",
			},
			"CSARP_layer": {
				"Data_20161014_03_001.mat": "/data/layer/Data_20161014_03_001.mat",
			},
		},
	}
	t0 := time.Date(2016, 10, 14, 13, 0, 0, 0, time.UTC)
	loader := fakeLoader{
		"/data/std/Data_20161014_03_001.mat": frameMetadata(-75, t0),
		"/data/std/Data_20161014_03_002.mat": frameMetadata(-75.2, t0.Add(time.Minute)),
	}
	return flight, loader
}

func TestCreateItemsFromFlight(t *testing.T) {
	cfg := testConfig(t)
	flight, loader := testFlight()

	items, results, err := NewBuilder(cfg, loader).CreateItemsFromFlight(context.Background(), antarctica, flight)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Data_20161014_03_001", items[0].Id)
	assert.Equal(t, "Data_20161014_03_002", items[1].Id)

	var skipped int
	for _, r := range results {
		if r.Skipped() {
			skipped++
		}
	}
	assert.Len(t, results, 4)
	assert.Equal(t, 2, skipped)

	item := items[0]
	assert.Equal(t, flight.ID, item.Collection)
	assert.Equal(t, "20161014", item.Properties[PropDate])
	assert.Equal(t, 3, item.Properties[PropSegment])
	assert.Equal(t, 1, item.Properties[PropFrame])
	assert.Equal(t, "10.5281/example", item.Properties[PropDOI])
	assert.Equal(t, 195e6, item.Properties[PropFrequency])
	assert.True(t, stac.HasExtension(item.Extensions, stac.ExtensionScientific))
	assert.Len(t, item.Bbox, 4)

	base := cfg.Assets.BaseURL
	require.Contains(t, item.Assets, "CSARP_standard")
	assert.Equal(t, base+"2016_Antarctica_DC8/CSARP_standard/20161014_03/Data_20161014_03_001.mat", item.Assets["CSARP_standard"].Href)
	assert.Same(t, item.Assets["CSARP_standard"], item.Assets[AssetData])
	assert.Equal(t, base+"2016_Antarctica_DC8/CSARP_layer/20161014_03/Data_20161014_03_001.mat", item.Assets["CSARP_layer"].Href)
	assert.Equal(t, base+"2016_Antarctica_DC8/images/20161014_03/20161014_03_001_2echo_picks.jpg", item.Assets[AssetThumbnail].Href)
	assert.Equal(t, base+"2016_Antarctica_DC8/images/20161014_03/20161014_03_001_0maps.jpg", item.Assets[AssetFlightPath].Href)
	assert.Equal(t, []string{"overview"}, item.Assets[AssetFlightPath].Roles)

	assert.NotContains(t, items[1].Assets, "CSARP_layer")
}

func TestCreateItemsFromFlightWithoutScientific(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metadata.Scientific.Include = false
	flight, loader := testFlight()

	items, _, err := NewBuilder(cfg, loader).CreateItemsFromFlight(context.Background(), antarctica, flight)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.NotContains(t, items[0].Properties, PropDOI)
	assert.False(t, stac.HasExtension(items[0].Extensions, stac.ExtensionScientific))
}

func TestCreateItemsFromFlightErrors(t *testing.T) {
	cfg := testConfig(t)

	t.Run("bad flight id", func(t *testing.T) {
		_, _, err := NewBuilder(cfg, fakeLoader{}).CreateItemsFromFlight(context.Background(), antarctica, opr.Flight{ID: "2016_x"})
		assert.ErrorIs(t, err, opr.ErrInvalidFlightID)
	})

	t.Run("duplicate frame", func(t *testing.T) {
		flight := opr.Flight{ID: "20161014_03", DataFiles: map[string]map[string]string{
			"CSARP_standard": {
				"Data_20161014_03_001.mat":  "/a",
				"Data_20161014_03_0001.mat": "/b",
			},
		}}
		_, _, err := NewBuilder(cfg, fakeLoader{}).CreateItemsFromFlight(context.Background(), antarctica, flight)
		assert.ErrorIs(t, err, ErrDuplicateFrame)
	})

	t.Run("all skipped", func(t *testing.T) {
		flight, _ := testFlight()
		items, results, err := NewBuilder(cfg, fakeLoader{}).CreateItemsFromFlight(context.Background(), antarctica, flight)
		require.NoError(t, err)
		assert.Empty(t, items)
		assert.Len(t, results, 4)
	})
}

func itemWith(id, collection string, frame int, props map[string]any) *stac.Item {
	item := stac.NewItem(id, collection, stac.Version)
	for k, v := range props {
		item.Properties[k] = v
	}
	item.Properties[PropFrame] = frame
	return item
}

func TestAggregateProperties(t *testing.T) {
	a := itemWith("a", "f", 1, map[string]any{PropDOI: "10.1/x", PropFrequency: 195e6, PropBandwidth: 30e6})
	b := itemWith("b", "f", 2, map[string]any{PropDOI: "10.1/x", PropFrequency: 195e6, PropBandwidth: 10e6})

	exts, fields := AggregateProperties([]*stac.Item{a, b})
	assert.Equal(t, []string{stac.ExtensionScientific}, exts)
	assert.Equal(t, map[string]any{PropDOI: "10.1/x", PropFrequency: 195e6}, fields)

	c := itemWith("c", "f", 3, map[string]any{PropDOI: "10.1/y"})
	exts, fields = AggregateProperties([]*stac.Item{a, c})
	assert.Empty(t, exts)
	assert.Empty(t, fields)

	exts, fields = AggregateProperties(nil)
	assert.Empty(t, exts)
	assert.Empty(t, fields)
}

func TestDetectHemisphere(t *testing.T) {
	at := func(lat float64) *stac.Item {
		item := stac.NewItem("x", "c", stac.Version)
		item.Geometry = geojson.NewLineString([][]float64{{10, lat}, {11, lat}})
		return item
	}

	assert.Equal(t, HemisphereSouth, DetectHemisphere("2016_Antarctica_DC8", []*stac.Item{at(70)}))
	assert.Equal(t, HemisphereNorth, DetectHemisphere("2011_Greenland_P3", nil))
	assert.Equal(t, HemisphereNorth, DetectHemisphere("2019_Arctic_X", []*stac.Item{at(70), at(80)}))
	assert.Equal(t, HemisphereSouth, DetectHemisphere("2019_Other_X", []*stac.Item{at(-70)}))
	assert.Equal(t, HemisphereUndetermined, DetectHemisphere("2019_Other_X", []*stac.Item{at(-70), at(70)}))
	assert.Equal(t, HemisphereUndetermined, DetectHemisphere("2019_Other_X", []*stac.Item{at(10)}))
	assert.Equal(t, HemisphereUndetermined, DetectHemisphere("2019_Other_X", nil))

	bboxOnly := stac.NewItem("y", "c", stac.Version)
	bboxOnly.Bbox = []float64{0, 60, 1, 62}
	assert.Equal(t, HemisphereNorth, DetectHemisphere("2019_Other_X", []*stac.Item{bboxOnly}))
}

func TestCreateCollectionWithGeometry(t *testing.T) {
	line := geojson.NewLineString([][]float64{{0, -80}, {1, -81}})
	c := CreateCollection(CollectionOptions{
		ID:          "c1",
		Description: "d",
		Extensions:  []string{stac.ExtensionScientific},
		Geometry:    line,
	})
	assert.Equal(t, "various", c.License)
	assert.Equal(t, stac.Version, c.Version)
	assert.Equal(t, []string{stac.ExtensionScientific, stac.ExtensionProjection}, stac.ExtensionURIs(c.Extensions))
	assert.Equal(t, line, c.Extra[PropProjGeometry])

	plain := CreateCollection(CollectionOptions{ID: "c2", Description: "d"})
	assert.Empty(t, plain.Extensions)
	assert.NotContains(t, plain.Extra, PropProjGeometry)
}

func buildCampaign(t *testing.T) (*config.Config, *CampaignCollection) {
	t.Helper()
	cfg := testConfig(t)
	cfg.Metadata.Provider = "CReSIS"
	flight, loader := testFlight()

	items, _, err := NewBuilder(cfg, loader).CreateItemsFromFlight(context.Background(), antarctica, flight)
	require.NoError(t, err)
	fc, err := BuildFlightCollection(cfg, antarctica, flight.ID, items)
	require.NoError(t, err)
	cc, err := BuildCampaignCollection(cfg, antarctica, []*FlightCollection{fc})
	require.NoError(t, err)
	return cfg, cc
}

func TestBuildCampaignCollection(t *testing.T) {
	_, cc := buildCampaign(t)

	coll := cc.Collection
	assert.Equal(t, "2016_Antarctica_DC8", coll.Id)
	assert.Equal(t, "2016 DC8 flights over Antarctica", coll.Description)
	assert.Equal(t, "south", coll.Extra[PropHemisphere])
	assert.Equal(t, "CReSIS", coll.Extra[PropProvider])
	require.Len(t, coll.Providers, 1)
	assert.Equal(t, []string{"producer"}, coll.Providers[0].Roles)
	assert.Equal(t, "10.5281/example", coll.Extra[PropDOI])
	assert.Contains(t, coll.Extra, PropProjGeometry)
	assert.Len(t, cc.AllItems(), 2)

	flight := cc.Flights[0].Collection
	assert.Equal(t, "20161014_03", flight.Id)
	assert.Equal(t, "Flight 20161014_03 data from 2016 DC8 over Antarctica", flight.Description)
	assert.Len(t, cc.Flights[0].Items, 2)

	geom, err := geojson.FromAny(flight.Extra[PropProjGeometry])
	require.NoError(t, err)
	require.Equal(t, geojson.TypeLineString, geom.Type)
	line, err := geom.LineString()
	require.NoError(t, err)
	assert.Equal(t, [][]float64{
		{-100, -75}, {-100.5, -75.1},
		{-100, -75.2}, {-100.5, -75.3},
	}, line)
}

func TestBuildFlatCampaignCollection(t *testing.T) {
	cfg := testConfig(t)
	a := itemWith("b2", "20161015_01", 1, nil)
	b := itemWith("a1", "20161014_03", 2, nil)
	c := itemWith("a0", "20161014_03", 1, nil)

	cc, err := BuildFlatCampaignCollection(cfg, antarctica, []*stac.Item{a, b, c})
	require.NoError(t, err)
	assert.NotContains(t, cc.Collection.Extra, PropProjGeometry)
	ids := make([]string, 0, 3)
	for _, item := range cc.Items {
		ids = append(ids, item.Id)
	}
	assert.Equal(t, []string{"a0", "a1", "b2"}, ids)

	_, err = BuildFlatCampaignCollection(cfg, antarctica, nil)
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestWriteAndReadTree(t *testing.T) {
	_, cc := buildCampaign(t)
	dir := t.TempDir()
	root := stac.NewCatalog("OPR", "", "Open Polar Radar", stac.Version)

	require.NoError(t, WriteTree(dir, root, []*CampaignCollection{cc}))

	for _, p := range []string{
		CatalogFile,
		"2016_Antarctica_DC8/collection.json",
		"2016_Antarctica_DC8/20161014_03/collection.json",
		"2016_Antarctica_DC8/20161014_03/Data_20161014_03_001.json",
	} {
		assert.FileExists(t, filepath.Join(dir, p))
	}

	var doc map[string]any
	data, err := os.ReadFile(filepath.Join(dir, "2016_Antarctica_DC8/20161014_03/Data_20161014_03_001.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	links := doc["links"].([]any)
	assert.Equal(t, "../../catalog.json", links[0].(map[string]any)["href"])

	assert.Empty(t, root.Links, "root catalog must not be modified")
	assert.Empty(t, cc.Collection.Links)

	tree, err := ReadTree(dir)
	require.NoError(t, err)
	assert.Len(t, tree.Collections, 2)
	assert.Len(t, tree.Items["20161014_03"], 2)
	assert.Equal(t, []string{"20161014_03"}, tree.Children["2016_Antarctica_DC8"])
}

func TestParquetExportAndAggregate(t *testing.T) {
	_, cc := buildCampaign(t)
	dir := t.TempDir()

	path, err := ExportCollectionToParquet(cc.Collection, cc.AllItems(), dir, ParquetOptions{
		Hemisphere: cc.Hemisphere,
		Provider:   cc.Provider,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2016_Antarctica_DC8.parquet"), path)

	md, err := ReadCollectionMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), md.NumRows)
	assert.Equal(t, "2016_Antarctica_DC8", md.Collection.Id)
	assert.Equal(t, cc.Collection.Description, md.Collection.Description)
	assert.Equal(t, "south", md.Hemisphere)
	assert.Equal(t, "CReSIS", md.Provider)

	items, err := ReadItems(path)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Data_20161014_03_001", items[0].Id)
	assert.Equal(t, "20161014", items[0].Properties[PropDate])
	assert.NotNil(t, items[0].Geometry)

	empty, err := ExportCollectionToParquet(cc.Collection, nil, dir, ParquetOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	bogus := filepath.Join(dir, "bogus.parquet")
	require.NoError(t, os.WriteFile(bogus, []byte("not parquet"), 0o644))

	out := filepath.Join(dir, CatalogFile)
	err = BuildCatalogFromParquetMetadata([]string{path, bogus}, out, "OPR", "Open Polar Radar", AggregateOptions{
		BaseURL: "https://example.org/opr/",
	})
	require.NoError(t, err)

	var cat map[string]any
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &cat))
	links := cat["links"].([]any)
	require.Len(t, links, 3)
	child := links[2].(map[string]any)
	assert.Equal(t, "./2016_Antarctica_DC8.parquet", child["href"])
	assert.Equal(t, stac.MediaTypeParquet, child["type"])

	var colls []map[string]any
	data, err = os.ReadFile(filepath.Join(dir, CollectionsSummaryFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &colls))
	require.Len(t, colls, 1)
	asset := colls[0]["assets"].(map[string]any)["data"].(map[string]any)
	assert.Equal(t, "https://example.org/opr/2016_Antarctica_DC8.parquet", asset["href"])
	assert.Equal(t, "south", colls[0][PropHemisphere])

	err = BuildCatalogFromParquetMetadata([]string{bogus}, out, "OPR", "d", AggregateOptions{})
	assert.ErrorIs(t, err, ErrNoCollectionMetadata)
}

// writeLegacyParquet writes items with only the older stac-geoparquet
// footer key.
func writeLegacyParquet(t *testing.T, path string, coll *stac.Collection, items []*stac.Item) {
	t.Helper()
	legacy, err := json.Marshal(map[string]any{"collection": coll})
	require.NoError(t, err)

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := parquet.NewGenericWriter[itemRow](f, parquet.KeyValueMetadata(MetaLegacyGeoParquet, string(legacy)))
	for _, item := range items {
		row, err := toRow(item, ParquetOptions{})
		require.NoError(t, err)
		_, err = w.Write([]itemRow{row})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func TestReadCollectionMetadataLegacyFooter(t *testing.T) {
	_, cc := buildCampaign(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "2016_Antarctica_DC8.parquet")
	writeLegacyParquet(t, path, cc.Collection, cc.AllItems())

	md, err := ReadCollectionMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), md.NumRows)
	assert.Equal(t, "2016_Antarctica_DC8", md.Collection.Id)
	assert.Equal(t, cc.Collection.Description, md.Collection.Description)
	assert.Equal(t, stac.Version, md.Version)

	out := filepath.Join(dir, CatalogFile)
	require.NoError(t, BuildCatalogFromParquetMetadata([]string{path}, out, "OPR", "Open Polar Radar", AggregateOptions{}))

	var colls []map[string]any
	data, err := os.ReadFile(filepath.Join(dir, CollectionsSummaryFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &colls))
	require.Len(t, colls, 1)
	assert.Equal(t, "2016_Antarctica_DC8", colls[0]["id"])

	bare := filepath.Join(dir, "bare.parquet")
	writeLegacyParquet(t, bare, nil, cc.AllItems())
	_, err = ReadCollectionMetadata(bare)
	assert.ErrorIs(t, err, errNoFooterCollection)
}

func TestExpandPatterns(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.parquet", "a.parquet", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	a := filepath.Join(dir, "a.parquet")
	b := filepath.Join(dir, "b.parquet")

	got, err := ExpandPatterns([]string{
		b,
		filepath.Join(dir, "*.parquet"),
		filepath.Join(dir, "missing.parquet"),
		filepath.Join(dir, "*.none"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{b, a}, got)
}
