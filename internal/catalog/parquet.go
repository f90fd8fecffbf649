package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/rkm/opr-stac/internal/geometry"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

// Footer metadata keys.
const (
	MetaCollections = "stac:collections"
	MetaVersion     = "stac:version"
	MetaHemisphere  = "opr:hemisphere"
	MetaProvider    = "opr:provider"
	MetaCollection  = "opr:collection"

	// MetaLegacyGeoParquet is the key older stac-geoparquet releases wrote,
	// holding {"collection": {...}}.
	MetaLegacyGeoParquet = "stac-geoparquet"
)

type bboxColumn struct {
	XMin float64 `parquet:"xmin"`
	YMin float64 `parquet:"ymin"`
	XMax float64 `parquet:"xmax"`
	YMax float64 `parquet:"ymax"`
}

// itemRow is one item in a collection's Parquet table.
type itemRow struct {
	Type           string     `parquet:"type"`
	STACVersion    string     `parquet:"stac_version"`
	STACExtensions []string   `parquet:"stac_extensions,list"`
	ID             string     `parquet:"id"`
	Collection     string     `parquet:"collection"`
	Datetime       time.Time  `parquet:"datetime,timestamp(microsecond)"`
	Geometry       []byte     `parquet:"geometry,optional"`
	BBox           bboxColumn `parquet:"bbox"`
	Properties     string     `parquet:"properties"`
	Assets         string     `parquet:"assets"`
	Links          string     `parquet:"links"`
	Hemisphere     string     `parquet:"opr_hemisphere,optional"`
	Provider       string     `parquet:"opr_provider,optional"`
}

// ParquetOptions adds campaign level values to every row and the footer.
type ParquetOptions struct {
	Hemisphere Hemisphere
	Provider   string
}

// ExportCollectionToParquet writes items as <outDir>/<collection id>.parquet
// with the collection JSON in the footer. It returns the written path, or ""
// when there are no items.
func ExportCollectionToParquet(coll *stac.Collection, items []*stac.Item, outDir string, opts ParquetOptions) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	rows := make([]itemRow, 0, len(items))
	for _, item := range items {
		row, err := toRow(item, opts)
		if err != nil {
			return "", fmt.Errorf("item %s: %w", item.Id, err)
		}
		rows = append(rows, row)
	}

	collJSON, err := json.Marshal(map[string]*stac.Collection{coll.Id: coll})
	if err != nil {
		return "", fmt.Errorf("encode collection: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(MetaCollections, string(collJSON)),
		parquet.KeyValueMetadata(MetaVersion, coll.Version),
		parquet.KeyValueMetadata(MetaCollection, coll.Id),
	}
	if opts.Hemisphere != "" {
		writerOpts = append(writerOpts, parquet.KeyValueMetadata(MetaHemisphere, string(opts.Hemisphere)))
	}
	if opts.Provider != "" {
		writerOpts = append(writerOpts, parquet.KeyValueMetadata(MetaProvider, opts.Provider))
	}

	path := filepath.Join(outDir, coll.Id+".parquet")
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	w := parquet.NewGenericWriter[itemRow](f, writerOpts...)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return path, nil
}

func toRow(item *stac.Item, opts ParquetOptions) (itemRow, error) {
	row := itemRow{
		Type:           "Feature",
		STACVersion:    item.Version,
		STACExtensions: stac.ExtensionURIs(item.Extensions),
		ID:             item.Id,
		Collection:     item.Collection,
		Hemisphere:     string(opts.Hemisphere),
		Provider:       opts.Provider,
	}
	if t, ok := stac.ItemDatetime(item); ok {
		row.Datetime = t
	}

	if item.Geometry != nil {
		g, err := geojson.FromAny(item.Geometry)
		if err != nil {
			return row, fmt.Errorf("geometry: %w", err)
		}
		if row.Geometry, err = geometry.ToWKB(g); err != nil {
			return row, fmt.Errorf("geometry: %w", err)
		}
	}
	if b := stac.BBox2D(item.Bbox); len(b) == 4 {
		row.BBox = bboxColumn{XMin: b[0], YMin: b[1], XMax: b[2], YMax: b[3]}
	}

	props, err := json.Marshal(item.Properties)
	if err != nil {
		return row, fmt.Errorf("properties: %w", err)
	}
	assets, err := json.Marshal(item.Assets)
	if err != nil {
		return row, fmt.Errorf("assets: %w", err)
	}
	links := make([]*stac.Link, 0, len(item.Links))
	for _, l := range item.Links {
		if l.Href != "" {
			links = append(links, l)
		}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return row, fmt.Errorf("links: %w", err)
	}
	row.Properties = string(props)
	row.Assets = string(assets)
	row.Links = string(linksJSON)
	return row, nil
}

// ParquetMetadata is the footer of an exported collection file.
type ParquetMetadata struct {
	Path       string
	Collection *stac.Collection
	NumRows    int64
	Version    string
	Hemisphere string
	Provider   string
}

var errNoFooterCollection = errors.New("missing " + MetaCollections + " or " + MetaLegacyGeoParquet)

func openParquet(path string) (*os.File, *parquet.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size(), parquet.SkipPageIndex(true), parquet.SkipBloomFilters(true))
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, pf, nil
}

// ReadCollectionMetadata reads the collection stored in a file's footer
// without reading any rows. Files without stac:collections fall back to the
// legacy stac-geoparquet key.
func ReadCollectionMetadata(path string) (*ParquetMetadata, error) {
	f, pf, err := openParquet(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	md := &ParquetMetadata{Path: path, NumRows: pf.NumRows()}
	md.Version, _ = pf.Lookup(MetaVersion)
	md.Hemisphere, _ = pf.Lookup(MetaHemisphere)
	md.Provider, _ = pf.Lookup(MetaProvider)

	if raw, ok := pf.Lookup(MetaCollections); ok && raw != "" {
		var colls map[string]*stac.Collection
		if err := json.Unmarshal([]byte(raw), &colls); err != nil {
			return nil, fmt.Errorf("%s: decode %s: %w", path, MetaCollections, err)
		}
		id, _ := pf.Lookup(MetaCollection)
		if c, ok := colls[id]; ok && c != nil {
			md.Collection = c
			return md, nil
		}
		for _, c := range colls {
			if c != nil {
				md.Collection = c
				return md, nil
			}
		}
		return nil, fmt.Errorf("%s: %w", path, errNoFooterCollection)
	}

	if raw, ok := pf.Lookup(MetaLegacyGeoParquet); ok && raw != "" {
		var legacy struct {
			Collection *stac.Collection `json:"collection"`
		}
		if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
			return nil, fmt.Errorf("%s: decode %s: %w", path, MetaLegacyGeoParquet, err)
		}
		if legacy.Collection != nil {
			md.Collection = legacy.Collection
			if md.Version == "" {
				md.Version = legacy.Collection.Version
			}
			return md, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", path, errNoFooterCollection)
}

// ReadItems reads every item row of an exported collection file.
func ReadItems(path string) ([]*stac.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	rows, err := parquet.Read[itemRow](f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	items := make([]*stac.Item, 0, len(rows))
	for _, row := range rows {
		item, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("%s: item %s: %w", path, row.ID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func fromRow(row itemRow) (*stac.Item, error) {
	item := stac.NewItem(row.ID, row.Collection, row.STACVersion)
	item.Extensions = stac.Extensions(row.STACExtensions...)

	if row.Properties != "" {
		if err := json.Unmarshal([]byte(row.Properties), &item.Properties); err != nil {
			return nil, fmt.Errorf("properties: %w", err)
		}
	}
	if _, ok := item.Properties["datetime"]; !ok && !row.Datetime.IsZero() {
		stac.SetItemDatetime(item, row.Datetime)
	}
	if row.Assets != "" {
		if err := json.Unmarshal([]byte(row.Assets), &item.Assets); err != nil {
			return nil, fmt.Errorf("assets: %w", err)
		}
	}
	if row.Links != "" {
		if err := json.Unmarshal([]byte(row.Links), &item.Links); err != nil {
			return nil, fmt.Errorf("links: %w", err)
		}
	}

	if len(row.Geometry) > 0 {
		g, err := geometry.FromWKB(row.Geometry)
		if err != nil {
			return nil, fmt.Errorf("geometry: %w", err)
		}
		if g != nil {
			item.Geometry = g
		}
	}
	b := row.BBox
	if b != (bboxColumn{}) {
		item.Bbox = []float64{b.XMin, b.YMin, b.XMax, b.YMax}
	}
	return item, nil
}
