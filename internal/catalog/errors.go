package catalog

import "errors"

var (
	// ErrDuplicateFrame is returned when two files of a flight share a frame number.
	ErrDuplicateFrame = errors.New("duplicate frame number")

	// ErrNoCollectionMetadata is returned when none of the given Parquet files
	// carries collection metadata.
	ErrNoCollectionMetadata = errors.New("no valid collections found in parquet files")

	// ErrNoItems is returned when a collection is requested for zero items.
	ErrNoItems = errors.New("no items")
)
