package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/rkm/opr-stac/internal/catalog"
	"github.com/rkm/opr-stac/internal/geometry"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

// Backend names.
const (
	NameJSON    = "json"
	NameParquet = "parquet"
)

// CatalogBackend serves a catalog directory held in memory.
type CatalogBackend struct {
	name        string
	collections []*stac.Collection
	byID        map[string]*stac.Collection
	// members maps a collection id to its items, including those of its
	// descendants, sorted by id.
	members map[string][]*stac.Item
	all     []*stac.Item
	logger  *slog.Logger
}

// Open loads the catalog in dir. Parquet collection files take precedence
// over a catalog.json tree when the directory has both.
func Open(dir string, logger *slog.Logger) (*CatalogBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if st, err := os.Stat(dir); err != nil {
		return nil, err
	} else if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	files, err := catalog.ExpandPatterns([]string{filepath.Join(dir, "*.parquet")}, discardLogger())
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		return openParquet(files, logger)
	}

	if _, err := os.Stat(filepath.Join(dir, catalog.CatalogFile)); err == nil {
		return openTree(dir, logger)
	}
	return nil, fmt.Errorf("%s: %w", dir, ErrNoCatalog)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openParquet(files []string, logger *slog.Logger) (*CatalogBackend, error) {
	b := newCatalogBackend(NameParquet, logger)
	for _, path := range files {
		md, err := catalog.ReadCollectionMetadata(path)
		if err != nil {
			logger.Warn("skipping unreadable collection file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		items, err := catalog.ReadItems(path)
		if err != nil {
			return nil, err
		}
		b.addCollection(md.Collection)
		b.members[md.Collection.Id] = items
	}
	if len(b.collections) == 0 {
		return nil, ErrNoCatalog
	}
	b.finish()
	return b, nil
}

func openTree(dir string, logger *slog.Logger) (*CatalogBackend, error) {
	tree, err := catalog.ReadTree(dir)
	if err != nil {
		return nil, err
	}
	b := newCatalogBackend(NameJSON, logger)
	for _, coll := range tree.Collections {
		b.addCollection(coll)
	}

	var collect func(id string, seen map[string]bool) []*stac.Item
	collect = func(id string, seen map[string]bool) []*stac.Item {
		if seen[id] {
			return nil
		}
		seen[id] = true
		out := append([]*stac.Item(nil), tree.Items[id]...)
		for _, child := range tree.Children[id] {
			out = append(out, collect(child, seen)...)
		}
		return out
	}
	for _, coll := range tree.Collections {
		b.members[coll.Id] = collect(coll.Id, make(map[string]bool))
	}
	b.finish()
	return b, nil
}

func newCatalogBackend(name string, logger *slog.Logger) *CatalogBackend {
	return &CatalogBackend{
		name:    name,
		byID:    make(map[string]*stac.Collection),
		members: make(map[string][]*stac.Item),
		logger:  logger,
	}
}

func (b *CatalogBackend) addCollection(coll *stac.Collection) {
	if _, dup := b.byID[coll.Id]; dup {
		b.logger.Warn("duplicate collection id, keeping the first", slog.String("collection_id", coll.Id))
		return
	}
	b.byID[coll.Id] = coll
	b.collections = append(b.collections, coll)
}

// finish sorts collections and members and builds the deduplicated list
// of every item.
func (b *CatalogBackend) finish() {
	sort.Slice(b.collections, func(i, j int) bool { return b.collections[i].Id < b.collections[j].Id })

	seen := make(map[string]bool)
	for id, items := range b.members {
		stac.SortItemsByID(items)
		b.members[id] = items
		for _, item := range items {
			if !seen[item.Id] {
				seen[item.Id] = true
				b.all = append(b.all, item)
			}
		}
	}
	stac.SortItemsByID(b.all)

	b.logger.Info("loaded catalog",
		slog.String("backend", b.name),
		slog.Int("collections", len(b.collections)),
		slog.Int("items", len(b.all)),
	)
}

// Name returns "json" or "parquet".
func (b *CatalogBackend) Name() string { return b.name }

// Collections lists every collection, sorted by id.
func (b *CatalogBackend) Collections(ctx context.Context) ([]*stac.Collection, error) {
	return b.collections, nil
}

// Collection returns one collection by id.
func (b *CatalogBackend) Collection(ctx context.Context, id string) (*stac.Collection, error) {
	coll, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrCollectionNotFound)
	}
	return coll, nil
}

// GetItem returns the item with itemID from collection.
func (b *CatalogBackend) GetItem(ctx context.Context, collection, itemID string) (*stac.Item, error) {
	if _, ok := b.byID[collection]; !ok {
		return nil, fmt.Errorf("%q: %w", collection, ErrCollectionNotFound)
	}
	for _, item := range b.members[collection] {
		if item.Id == itemID {
			return item, nil
		}
	}
	return nil, fmt.Errorf("%q in %q: %w", itemID, collection, ErrItemNotFound)
}

// Search returns the page of matching items starting at params.Offset.
func (b *CatalogBackend) Search(ctx context.Context, params *SearchParams) (*SearchResult, error) {
	candidates, err := b.candidates(params.Collections)
	if err != nil {
		return nil, err
	}

	var ids map[string]bool
	if len(params.IDs) > 0 {
		ids = make(map[string]bool, len(params.IDs))
		for _, id := range params.IDs {
			ids[id] = true
		}
	}

	var matched []*stac.Item
	for _, item := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ids != nil && !ids[item.Id] {
			continue
		}
		ok, err := b.match(item, params)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, item)
		}
	}

	res := &SearchResult{Matched: len(matched)}
	if params.Offset < len(matched) {
		end := len(matched)
		if params.Limit > 0 && params.Offset+params.Limit < end {
			end = params.Offset + params.Limit
		}
		res.Items = matched[params.Offset:end]
	}
	return res, nil
}

func (b *CatalogBackend) candidates(collections []string) ([]*stac.Item, error) {
	if len(collections) == 0 {
		return b.all, nil
	}
	var out []*stac.Item
	seen := make(map[string]bool)
	for _, id := range collections {
		if _, ok := b.byID[id]; !ok {
			return nil, fmt.Errorf("%q: %w", id, ErrCollectionNotFound)
		}
		for _, item := range b.members[id] {
			if !seen[item.Id] {
				seen[item.Id] = true
				out = append(out, item)
			}
		}
	}
	if len(collections) > 1 {
		stac.SortItemsByID(out)
	}
	return out, nil
}

func (b *CatalogBackend) match(item *stac.Item, params *SearchParams) (bool, error) {
	if len(params.BBox) > 0 && !geojson.BBoxIntersects(stac.BBox2D(item.Bbox), stac.BBox2D(params.BBox)) {
		return false, nil
	}
	if params.Start != nil || params.End != nil {
		if !inInterval(item, params) {
			return false, nil
		}
	}
	if params.Intersects != nil {
		if box, err := params.Intersects.BBox(); err == nil && len(item.Bbox) >= 4 &&
			!geojson.BBoxIntersects(stac.BBox2D(item.Bbox), box) {
			return false, nil
		}
		g, err := geojson.FromAny(item.Geometry)
		if err != nil {
			b.logger.Warn("item geometry unreadable", slog.String("item_id", item.Id), slog.String("error", err.Error()))
			return false, nil
		}
		ok, err := geometry.Intersects(g, params.Intersects)
		if err != nil {
			if errors.Is(err, geojson.ErrEmptyGeometry) {
				return false, nil
			}
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if params.Filter != nil && !params.Filter(item) {
		return false, nil
	}
	return true, nil
}

func inInterval(item *stac.Item, params *SearchParams) bool {
	t, ok := stac.ItemDatetime(item)
	if !ok {
		return false
	}
	if params.Start != nil && t.Before(*params.Start) {
		return false
	}
	if params.End != nil && t.After(*params.End) {
		return false
	}
	return true
}
