package catalog

import (
	"fmt"
	"sort"

	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/geometry"
	"github.com/rkm/opr-stac/internal/opr"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

// PropProjGeometry holds a collection's merged footprint.
const PropProjGeometry = "proj:geometry"

// CollectionOptions describes a collection to create.
type CollectionOptions struct {
	ID          string
	Title       string
	Description string
	Version     string
	License     string
	Extent      *stac.Extent
	// Geometry, when set, is stored as proj:geometry and declares the
	// projection extension.
	Geometry   *geojson.Geometry
	Extensions []string
	Providers  []*stac.Provider
	Extra      map[string]any
}

// CreateCollection builds a collection. Declared extensions are kept in
// order and the projection extension is appended when a geometry is given.
func CreateCollection(opts CollectionOptions) *stac.Collection {
	version := opts.Version
	if version == "" {
		version = stac.Version
	}
	license := opts.License
	if license == "" {
		license = "various"
	}

	c := stac.NewCollection(opts.ID, opts.Title, opts.Description, version)
	c.License = license
	c.Extent = opts.Extent
	c.Providers = opts.Providers
	c.Extensions = stac.Extensions(opts.Extensions...)
	for k, v := range opts.Extra {
		c.SetExtra(k, v)
	}
	if opts.Geometry != nil {
		c.AddExtension(stac.ExtensionProjection)
		c.SetExtra(PropProjGeometry, opts.Geometry)
	}
	return c
}

// aggregatedProps are the item properties lifted to collections, with the
// extension each one requires.
var aggregatedProps = []struct {
	key string
	ext string
}{
	{PropDOI, stac.ExtensionScientific},
	{PropCitation, stac.ExtensionScientific},
	{PropFrequency, ""},
	{PropBandwidth, ""},
}

// AggregateProperties returns the properties every item carries with the
// same non-null value, and the extensions they require. A property missing
// from any item, or differing between items, is left out.
func AggregateProperties(items []*stac.Item) (extensions []string, fields map[string]any) {
	fields = make(map[string]any)
	if len(items) == 0 {
		return nil, fields
	}
	for _, p := range aggregatedProps {
		v, ok := uniformProperty(items, p.key)
		if !ok {
			continue
		}
		fields[p.key] = v
		if p.ext != "" && !contains(extensions, p.ext) {
			extensions = append(extensions, p.ext)
		}
	}
	return extensions, fields
}

func uniformProperty(items []*stac.Item, key string) (any, bool) {
	var first any
	for i, item := range items {
		v, ok := item.Properties[key]
		if !ok || v == nil {
			return nil, false
		}
		if i == 0 {
			first = v
			continue
		}
		if !sameValue(first, v) {
			return nil, false
		}
	}
	return first, true
}

func sameValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// FlightCollection is a flight's collection with its items, sorted by frame.
type FlightCollection struct {
	Collection *stac.Collection
	Items      []*stac.Item
	Geometry   *geojson.Geometry
}

// BuildFlightCollection creates the collection of one flight. Its id is the
// flight id.
func BuildFlightCollection(cfg *config.Config, campaign opr.Campaign, flightID string, items []*stac.Item) (*FlightCollection, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("flight %s: %w", flightID, ErrNoItems)
	}
	sorted := SortByFrame(items)

	extent, geom, err := geometry.BuildCollectionExtentAndGeometry(sorted, cfg.Metadata.Geometry.EffectiveTolerance())
	if err != nil {
		return nil, fmt.Errorf("flight %s: %w", flightID, err)
	}
	exts, fields := AggregateProperties(sorted)

	coll := CreateCollection(CollectionOptions{
		ID: flightID,
		Description: fmt.Sprintf("Flight %s data from %d %s over %s",
			flightID, campaign.Year, campaign.Aircraft, campaign.Location),
		Version:    cfg.Output.STACVersion,
		License:    cfg.Output.License,
		Extent:     extent,
		Geometry:   geom,
		Extensions: exts,
		Extra:      fields,
	})
	return &FlightCollection{Collection: coll, Items: sorted, Geometry: geom}, nil
}

// CampaignCollection is a campaign's collection with its flights, or with
// its items directly when flights are not grouped.
type CampaignCollection struct {
	Collection *stac.Collection
	Flights    []*FlightCollection
	Items      []*stac.Item
	Hemisphere Hemisphere
	Provider   string
}

// AllItems returns the campaign's items in flight and frame order.
func (c *CampaignCollection) AllItems() []*stac.Item {
	if len(c.Flights) == 0 {
		return c.Items
	}
	var out []*stac.Item
	for _, f := range c.Flights {
		out = append(out, f.Items...)
	}
	return out
}

// BuildCampaignCollection creates the collection of one campaign from its
// flight collections. The campaign geometry merges the flight geometries.
func BuildCampaignCollection(cfg *config.Config, campaign opr.Campaign, flights []*FlightCollection) (*CampaignCollection, error) {
	sort.Slice(flights, func(i, j int) bool { return flights[i].Collection.Id < flights[j].Collection.Id })

	var (
		items []*stac.Item
		geoms []*geojson.Geometry
	)
	for _, f := range flights {
		items = append(items, f.Items...)
		if f.Geometry != nil {
			geoms = append(geoms, f.Geometry)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("campaign %s: %w", campaign.Name, ErrNoItems)
	}

	cc, err := campaignCollection(cfg, campaign, items, geometry.MergeFlightGeometries(geoms))
	if err != nil {
		return nil, err
	}
	cc.Flights = flights
	return cc, nil
}

// BuildFlatCampaignCollection creates a campaign collection holding items
// directly. It carries a bbox extent and no geometry.
func BuildFlatCampaignCollection(cfg *config.Config, campaign opr.Campaign, items []*stac.Item) (*CampaignCollection, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("campaign %s: %w", campaign.Name, ErrNoItems)
	}
	cc, err := campaignCollection(cfg, campaign, SortByFlightAndFrame(items), nil)
	if err != nil {
		return nil, err
	}
	cc.Items = SortByFlightAndFrame(items)
	return cc, nil
}

func campaignCollection(cfg *config.Config, campaign opr.Campaign, items []*stac.Item, geom *geojson.Geometry) (*CampaignCollection, error) {
	extent, err := geometry.BuildCollectionExtent(items)
	if err != nil {
		return nil, fmt.Errorf("campaign %s: %w", campaign.Name, err)
	}
	exts, fields := AggregateProperties(items)

	hemisphere := DetectHemisphere(campaign.Name, items)
	fields[PropHemisphere] = string(hemisphere)

	var providers []*stac.Provider
	provider := cfg.Metadata.Provider
	if provider != "" {
		fields[PropProvider] = provider
		providers = []*stac.Provider{{Name: provider, Roles: []string{"producer"}}}
	}

	coll := CreateCollection(CollectionOptions{
		ID:          campaign.Name,
		Description: fmt.Sprintf("%d %s flights over %s", campaign.Year, campaign.Aircraft, campaign.Location),
		Version:     cfg.Output.STACVersion,
		License:     cfg.Output.License,
		Extent:      extent,
		Geometry:    geom,
		Extensions:  exts,
		Providers:   providers,
		Extra:       fields,
	})
	return &CampaignCollection{Collection: coll, Hemisphere: hemisphere, Provider: provider}, nil
}

// SortByFrame returns items ordered by frame number, then id.
func SortByFrame(items []*stac.Item) []*stac.Item {
	out := append([]*stac.Item(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		fi, fj := frameOf(out[i]), frameOf(out[j])
		if fi != fj {
			return fi < fj
		}
		return out[i].Id < out[j].Id
	})
	return out
}

// SortByFlightAndFrame returns items ordered by collection, then frame.
func SortByFlightAndFrame(items []*stac.Item) []*stac.Item {
	out := SortByFrame(items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Collection < out[j].Collection })
	return out
}

func frameOf(item *stac.Item) int {
	if f, ok := toFloat(item.Properties[PropFrame]); ok {
		return int(f)
	}
	return -1
}
