package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rkm/opr-stac/internal/catalog"
	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/frame"
	"github.com/rkm/opr-stac/internal/observability"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

// ErrAssetNotFound is returned by LoadFrame when an item has no asset for
// the requested product.
var ErrAssetNotFound = errors.New("asset not found")

// DefaultPageSize is the search limit used when Filters.Limit is unset.
const DefaultPageSize = 100

// Filters narrow a frame query. Different kinds are combined with AND;
// values within one list with OR.
type Filters struct {
	Collections []string
	FlightIDs   []string
	BBox        []float64
	Geometry    *geojson.Geometry
	DateTime    string
	// Limit is the page size requested from the API.
	Limit int
	// MaxItems caps the number of items returned. Zero means no cap.
	MaxItems int
	// FullFlights replaces the matches with every frame of each matched
	// flight.
	FullFlights bool
}

// Connection queries one STAC API and loads frames through a cache.
type Connection struct {
	client    *Client
	cache     *FileCache
	frameOpts frame.Options
	logger    *slog.Logger
}

// NewConnection wires a client and a cache together.
func NewConnection(client *Client, cache *FileCache, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		client:    client,
		cache:     cache,
		frameOpts: frame.Options{Logger: logger},
		logger:    logger,
	}
}

// Connect builds a Connection from the access and cache sections of cfg.
// apiURL overrides access.api_url when non-empty.
func Connect(cfg *config.Config, apiURL string, logger *slog.Logger, metrics *observability.Metrics) (*Connection, error) {
	if apiURL == "" {
		apiURL = cfg.Access.APIURL
	}
	if apiURL == "" {
		return nil, errors.New("no STAC API url configured")
	}
	client := NewClient(apiURL, cfg.Access.Timeout).WithLogger(logger)

	dir := ""
	if cfg.Cache.Enabled {
		dir = cfg.Cache.Directory
	}
	cache, err := NewFileCache(CacheOptions{
		Dir:        dir,
		HTTPClient: client.HTTPClient(),
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}

	conn := NewConnection(client, cache, logger)
	conn.frameOpts.Strict = cfg.Validation.StrictDecode
	return conn, nil
}

// Close releases the cache.
func (c *Connection) Close() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Close()
}

// Client returns the underlying API client.
func (c *Connection) Client() *Client { return c.client }

// ListCollections returns the API's collections.
func (c *Connection) ListCollections(ctx context.Context) ([]*stac.Collection, error) {
	return c.client.ListCollections(ctx)
}

// GetCollection returns one collection.
func (c *Connection) GetCollection(ctx context.Context, id string) (*stac.Collection, error) {
	return c.client.GetCollection(ctx, id)
}

// QueryFrames returns the items matching f, following pagination.
func (c *Connection) QueryFrames(ctx context.Context, f Filters) ([]*stac.Item, error) {
	req, ok, err := c.searchRequest(f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []*stac.Item{}, nil
	}

	items, err := c.paginate(ctx, req, f.MaxItems)
	if err != nil {
		return nil, err
	}
	if !f.FullFlights {
		return items, nil
	}
	return c.fullFlights(ctx, items, f)
}

// searchRequest translates f. ok is false when flight ids were requested
// but none of them is well formed.
func (c *Connection) searchRequest(f Filters) (req *stac.SearchRequest, ok bool, err error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	req = &stac.SearchRequest{
		Collections: f.Collections,
		BBox:        f.BBox,
		DateTime:    f.DateTime,
		Limit:       limit,
	}
	if f.Geometry != nil {
		raw, err := json.Marshal(f.Geometry)
		if err != nil {
			return nil, false, fmt.Errorf("encode geometry: %w", err)
		}
		req.Intersects = raw
	}
	if len(f.FlightIDs) > 0 {
		filter := FlightFilter(f.FlightIDs, c.logger)
		if filter == nil {
			c.logger.Warn("no valid flight ids, query matches nothing")
			return nil, false, nil
		}
		req.Filter = filter
		req.FilterLang = FilterLangCQL2JSON
	}
	return req, true, nil
}

func (c *Connection) paginate(ctx context.Context, req *stac.SearchRequest, maxItems int) ([]*stac.Item, error) {
	page, err := c.client.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	var items []*stac.Item
	for {
		items = append(items, page.Features...)
		if maxItems > 0 && len(items) >= maxItems {
			return items[:maxItems], nil
		}
		next := page.NextLink()
		if next == "" || len(page.Features) == 0 {
			break
		}
		if page, err = c.client.Next(ctx, next); err != nil {
			return nil, err
		}
	}
	if items == nil {
		items = []*stac.Item{}
	}
	return items, nil
}

type flightKey struct {
	collection string
	date       string
	segment    int
}

// fullFlights issues one query per distinct flight among items and returns
// all of their frames, in the order the flights were first seen.
func (c *Connection) fullFlights(ctx context.Context, items []*stac.Item, f Filters) ([]*stac.Item, error) {
	var keys []flightKey
	seen := make(map[flightKey]bool)
	for _, item := range items {
		date, _ := item.Properties[catalog.PropDate].(string)
		segment, ok := segmentOf(item.Properties[catalog.PropSegment])
		if date == "" || !ok {
			c.logger.Warn("item has no flight properties", slog.String("item_id", item.Id))
			continue
		}
		k := flightKey{collection: item.Collection, date: date, segment: segment}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	var out []*stac.Item
	ids := make(map[string]bool)
	for _, k := range keys {
		req := &stac.SearchRequest{
			Filter:     FlightTerm(k.date, k.segment),
			FilterLang: FilterLangCQL2JSON,
			Limit:      DefaultPageSize,
		}
		if f.Limit > 0 {
			req.Limit = f.Limit
		}
		if k.collection != "" {
			req.Collections = []string{k.collection}
		}
		flightItems, err := c.paginate(ctx, req, 0)
		if err != nil {
			return nil, fmt.Errorf("flight %s_%02d: %w", k.date, k.segment, err)
		}
		for _, item := range flightItems {
			if !ids[item.Id] {
				ids[item.Id] = true
				out = append(out, item)
			}
		}
	}
	if out == nil {
		out = []*stac.Item{}
	}
	return out, nil
}

func segmentOf(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// LoadFrame downloads the item's asset for product, falling back to the
// "data" asset, and decodes it.
func (c *Connection) LoadFrame(ctx context.Context, item *stac.Item, product string) (*frame.Dataset, error) {
	asset, ok := item.Assets[product]
	if !ok || asset == nil || asset.Href == "" {
		asset, ok = item.Assets[catalog.AssetData]
	}
	if !ok || asset == nil || asset.Href == "" {
		return nil, fmt.Errorf("item %s product %q: %w", item.Id, product, ErrAssetNotFound)
	}

	path, err := c.cache.Fetch(ctx, asset.Href)
	if err != nil {
		return nil, err
	}
	return frame.Load(path, c.frameOpts)
}

// GetItem finds an item by id, optionally within one collection.
func (c *Connection) GetItem(ctx context.Context, id, collection string) (*stac.Item, error) {
	req := &stac.SearchRequest{IDs: []string{id}, Limit: 1}
	if collection != "" {
		req.Collections = []string{collection}
	}
	page, err := c.client.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(page.Features) == 0 {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return page.Features[0], nil
}
