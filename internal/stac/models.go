// Package stac provides STAC types and utilities, wrapping planetlabs/go-stac
// for core types and adding catalog and API specific types.
package stac

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	gostac "github.com/planetlabs/go-stac"
)

// Re-export core types from planetlabs/go-stac for convenience
type (
	Item           = gostac.Item
	Catalog        = gostac.Catalog
	Asset          = gostac.Asset
	Link           = gostac.Link
	Provider       = gostac.Provider
	Extent         = gostac.Extent
	SpatialExtent  = gostac.SpatialExtent
	TemporalExtent = gostac.TemporalExtent
)

// Version is the STAC version written when none is configured.
const Version = "1.1.0"

// STAC extension URIs
const (
	ExtensionScientific = "https://stac-extensions.github.io/scientific/v1.0.0/schema.json"
	ExtensionProjection = "https://stac-extensions.github.io/projection/v2.0.0/schema.json"
	ExtensionFile       = "https://stac-extensions.github.io/file/v2.1.0/schema.json"
)

// Media types used in links and assets.
const (
	MediaTypeJSON    = "application/json"
	MediaTypeGeoJSON = "application/geo+json"
	MediaTypeParquet = "application/vnd.apache.parquet"
	MediaTypeJPEG    = "image/jpeg"
)

// SchemaExtension declares an extension schema on an item or collection.
// Its fields live in the item properties or collection extra fields, so
// encoding only contributes the URI.
type SchemaExtension struct {
	Schema string
}

var _ gostac.Extension = (*SchemaExtension)(nil)

func (e *SchemaExtension) URI() string                 { return e.Schema }
func (e *SchemaExtension) Encode(map[string]any) error { return nil }
func (e *SchemaExtension) Decode(map[string]any) error { return nil }

func schemaProvider(uri string) func() gostac.Extension {
	return func() gostac.Extension { return &SchemaExtension{Schema: uri} }
}

func init() {
	for _, uri := range []string{ExtensionScientific, ExtensionProjection, ExtensionFile} {
		pattern := regexp.MustCompile("^" + regexp.QuoteMeta(uri) + "$")
		gostac.RegisterItemExtension(pattern, schemaProvider(uri))
	}
}

// Extensions builds extension values from URIs, skipping duplicates.
func Extensions(uris ...string) []gostac.Extension {
	seen := make(map[string]bool, len(uris))
	out := make([]gostac.Extension, 0, len(uris))
	for _, uri := range uris {
		if uri == "" || seen[uri] {
			continue
		}
		seen[uri] = true
		out = append(out, &SchemaExtension{Schema: uri})
	}
	return out
}

// ExtensionURIs returns the schema URIs declared by exts.
func ExtensionURIs(exts []gostac.Extension) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		out = append(out, e.URI())
	}
	return out
}

// HasExtension reports whether uri is declared in exts.
func HasExtension(exts []gostac.Extension, uri string) bool {
	for _, e := range exts {
		if e.URI() == uri {
			return true
		}
	}
	return false
}

// Collection is a go-stac collection plus the top-level fields go-stac does
// not model, such as proj:geometry and the aggregated item properties.
type Collection struct {
	gostac.Collection
	Extra map[string]any
}

// collectionKeys are the top-level keys owned by gostac.Collection.
var collectionKeys = map[string]bool{
	"type": true, "stac_version": true, "stac_extensions": true, "id": true,
	"title": true, "description": true, "keywords": true, "license": true,
	"providers": true, "extent": true, "summaries": true, "links": true,
	"assets": true,
}

// MarshalJSON encodes the collection with its extra fields at the top level.
func (c Collection) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(&c.Collection)
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var m map[string]any
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if collectionKeys[k] {
			continue
		}
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits a collection document into the go-stac collection
// and its extra fields. Declared extensions are kept as SchemaExtensions.
func (c *Collection) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	var uris []string
	if raw, ok := m["stac_extensions"]; ok {
		if err := json.Unmarshal(raw, &uris); err != nil {
			return fmt.Errorf("stac_extensions: %w", err)
		}
		delete(m, "stac_extensions")
	}

	extra := make(map[string]any)
	for k, raw := range m {
		if collectionKeys[k] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		extra[k] = v
		delete(m, k)
	}

	core, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var base gostac.Collection
	if err := json.Unmarshal(core, &base); err != nil {
		return err
	}
	base.Extensions = Extensions(uris...)

	c.Collection = base
	c.Extra = nil
	if len(extra) > 0 {
		c.Extra = extra
	}
	return nil
}

// SetExtra sets a top-level extra field.
func (c *Collection) SetExtra(key string, v any) {
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[key] = v
}

// AddExtension declares uri unless it already is.
func (c *Collection) AddExtension(uri string) {
	if !HasExtension(c.Extensions, uri) {
		c.Extensions = append(c.Extensions, &SchemaExtension{Schema: uri})
	}
}

// ItemCollection represents a STAC ItemCollection (GeoJSON FeatureCollection)
type ItemCollection struct {
	Type           string         `json:"type"` // "FeatureCollection"
	Features       []*gostac.Item `json:"features"`
	Links          []*gostac.Link `json:"links"`
	NumberMatched  *int           `json:"numberMatched,omitempty"`
	NumberReturned int            `json:"numberReturned"`
}

// NewItemCollection creates a new ItemCollection with the given items.
func NewItemCollection(items []*gostac.Item) *ItemCollection {
	if items == nil {
		items = make([]*gostac.Item, 0)
	}
	return &ItemCollection{
		Type:           "FeatureCollection",
		Features:       items,
		Links:          make([]*gostac.Link, 0),
		NumberReturned: len(items),
	}
}

// AddLink adds a link to the ItemCollection.
func (ic *ItemCollection) AddLink(rel, href, mediaType string) {
	ic.Links = append(ic.Links, &gostac.Link{
		Rel:  rel,
		Href: href,
		Type: mediaType,
	})
}

// NextLink returns the href of the "next" link, or "".
func (ic *ItemCollection) NextLink() string {
	for _, l := range ic.Links {
		if l.Rel == "next" {
			return l.Href
		}
	}
	return ""
}

// NewItem creates a new STAC Item with the given ID and collection.
func NewItem(id, collection, version string) *gostac.Item {
	return &gostac.Item{
		Version:    version,
		Id:         id,
		Collection: collection,
		Properties: make(map[string]any),
		Assets:     make(map[string]*gostac.Asset),
		Links:      make([]*gostac.Link, 0),
	}
}

// NewCollection creates a new STAC Collection with the given ID.
func NewCollection(id, title, description, version string) *Collection {
	return &Collection{Collection: gostac.Collection{
		Version:     version,
		Id:          id,
		Title:       title,
		Description: description,
		Links:       make([]*gostac.Link, 0),
	}}
}

// NewCatalog creates a new STAC Catalog.
func NewCatalog(id, title, description, version string) *gostac.Catalog {
	return &gostac.Catalog{
		Version:     version,
		Id:          id,
		Title:       title,
		Description: description,
		Links:       make([]*gostac.Link, 0),
	}
}

// NewExtent builds an extent from one bbox and a closed time interval.
func NewExtent(bbox []float64, start, end time.Time) *gostac.Extent {
	interval := []any{nil, nil}
	if !start.IsZero() {
		interval[0] = start.UTC().Format(time.RFC3339)
	}
	if !end.IsZero() {
		interval[1] = end.UTC().Format(time.RFC3339)
	}
	return &gostac.Extent{
		Spatial:  &gostac.SpatialExtent{Bbox: [][]float64{bbox}},
		Temporal: &gostac.TemporalExtent{Interval: [][]any{interval}},
	}
}

// ItemDatetime returns the item's datetime property.
func ItemDatetime(item *gostac.Item) (time.Time, bool) {
	if item == nil {
		return time.Time{}, false
	}
	switch v := item.Properties["datetime"].(type) {
	case time.Time:
		return v.UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

// SetItemDatetime stores t as the item's RFC 3339 datetime property.
func SetItemDatetime(item *gostac.Item, t time.Time) {
	item.Properties["datetime"] = t.UTC().Format(time.RFC3339Nano)
}

// CollectionsList represents a list of collections response.
type CollectionsList struct {
	Collections []*Collection  `json:"collections"`
	Links       []*gostac.Link `json:"links"`
}

// NewCollectionsList creates a new CollectionsList.
func NewCollectionsList(collections []*Collection) *CollectionsList {
	if collections == nil {
		collections = make([]*Collection, 0)
	}
	return &CollectionsList{
		Collections: collections,
		Links:       make([]*gostac.Link, 0),
	}
}

// Conformance represents the conformance classes response.
type Conformance struct {
	ConformsTo []string `json:"conformsTo"`
}

// LandingPage represents the STAC API landing page response.
type LandingPage struct {
	Type        string         `json:"type"` // "Catalog"
	Id          string         `json:"id"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	StacVersion string         `json:"stac_version"`
	ConformsTo  []string       `json:"conformsTo,omitempty"`
	Links       []*gostac.Link `json:"links"`
}

// NewLandingPage creates a new landing page response.
func NewLandingPage(id, title, description, version string, conformsTo []string) *LandingPage {
	return &LandingPage{
		Type:        "Catalog",
		Id:          id,
		Title:       title,
		Description: description,
		StacVersion: version,
		ConformsTo:  conformsTo,
		Links:       make([]*gostac.Link, 0),
	}
}

// AddLink adds a link to the landing page.
func (lp *LandingPage) AddLink(rel, href, mediaType string) {
	lp.Links = append(lp.Links, &gostac.Link{
		Rel:  rel,
		Href: href,
		Type: mediaType,
	})
}

// Standard STAC conformance URIs
const (
	ConformanceCore           = "https://api.stacspec.org/v1.0.0/core"
	ConformanceCollections    = "https://api.stacspec.org/v1.0.0/collections"
	ConformanceOGCFeatures    = "https://api.stacspec.org/v1.0.0/ogcapi-features"
	ConformanceItemSearch     = "https://api.stacspec.org/v1.0.0/item-search"
	ConformanceFilter         = "https://api.stacspec.org/v1.0.0/item-search#filter"
	ConformanceCQL2JSON       = "http://www.opengis.net/spec/cql2/1.0/conf/cql2-json"
	ConformanceOGCFeatCore    = "http://www.opengis.net/spec/ogcapi-features-1/1.0/conf/core"
	ConformanceOGCFeatGeoJSON = "http://www.opengis.net/spec/ogcapi-features-1/1.0/conf/geojson"
)

// DefaultConformance returns the conformance classes of the catalog server.
func DefaultConformance() []string {
	return []string{
		ConformanceCore,
		ConformanceCollections,
		ConformanceOGCFeatures,
		ConformanceItemSearch,
		ConformanceFilter,
		ConformanceCQL2JSON,
		ConformanceOGCFeatCore,
		ConformanceOGCFeatGeoJSON,
	}
}
