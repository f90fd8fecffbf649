// Package backend answers STAC searches over a catalog built by the
// build pipeline.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

var (
	// ErrCollectionNotFound is returned when a referenced collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrItemNotFound is returned by GetItem for an unknown item.
	ErrItemNotFound = errors.New("item not found")

	// ErrUnsupportedFilter is returned when a filter expression cannot be evaluated.
	ErrUnsupportedFilter = errors.New("unsupported filter expression")

	// ErrNoCatalog is returned by Open for a directory holding neither a
	// catalog.json tree nor Parquet collection files.
	ErrNoCatalog = errors.New("no catalog found")
)

// SearchBackend defines the interface the API handlers search through.
type SearchBackend interface {
	// Search executes a search query and returns one page of items.
	Search(ctx context.Context, params *SearchParams) (*SearchResult, error)

	// GetItem retrieves a single item by ID.
	GetItem(ctx context.Context, collection, itemID string) (*stac.Item, error)

	// Collections lists every collection, sorted by id.
	Collections(ctx context.Context) ([]*stac.Collection, error)

	// Collection returns one collection by id.
	Collection(ctx context.Context, id string) (*stac.Collection, error)

	// Name returns the backend name (e.g., "json", "parquet").
	Name() string
}

// SearchParams contains the parsed parameters of a search.
type SearchParams struct {
	Collections []string

	// Spatial filters
	BBox       []float64
	Intersects *geojson.Geometry

	// Temporal filters
	Start *time.Time
	End   *time.Time

	IDs []string

	// Filter is a compiled CQL2-JSON expression, or nil.
	Filter Predicate

	Limit  int
	Offset int
}

// SearchResult contains the results of a search query.
type SearchResult struct {
	Items []*stac.Item

	// Matched is the number of items matching the query across all pages.
	Matched int
}
