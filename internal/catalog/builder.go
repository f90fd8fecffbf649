// Package catalog assembles STAC items and collections from discovered
// radar flights and writes them as a JSON tree or as Parquet files.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/frame"
	"github.com/rkm/opr-stac/internal/geometry"
	"github.com/rkm/opr-stac/internal/metadata"
	"github.com/rkm/opr-stac/internal/opr"
	"github.com/rkm/opr-stac/internal/stac"
)

// FrameLoader extracts item metadata from one frame file.
type FrameLoader interface {
	Extract(ctx context.Context, path string) (*metadata.ItemMetadata, error)
}

// FileLoader opens frame files from the local filesystem.
type FileLoader struct {
	Frame    frame.Options
	Metadata metadata.Options
}

// Extract loads the file at path and extracts its item metadata.
func (l FileLoader) Extract(ctx context.Context, path string) (*metadata.ItemMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ds, err := frame.Load(path, l.Frame)
	if err != nil {
		return nil, err
	}
	defer ds.Close()
	return metadata.ExtractItemMetadata(ds, l.Metadata)
}

// NewFileLoader returns a FileLoader configured from cfg.
func NewFileLoader(cfg *config.Config, logger *slog.Logger) FileLoader {
	return FileLoader{
		Frame: frame.Options{Strict: cfg.Validation.StrictDecode, Logger: logger},
	}
}

// Builder turns flights into STAC items. It never modifies its config.
type Builder struct {
	cfg      *config.Config
	loader   FrameLoader
	logger   *slog.Logger
	failures *slog.Logger
}

// NewBuilder creates a builder reading frames through loader.
func NewBuilder(cfg *config.Config, loader FrameLoader) *Builder {
	return &Builder{
		cfg:    cfg,
		loader: loader,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for progress and warnings.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithFailureLogger sets a separate logger for skipped files. Without one,
// skipped files are reported through the main logger.
func (b *Builder) WithFailureLogger(logger *slog.Logger) *Builder {
	b.failures = logger
	return b
}

// Config returns the builder's configuration.
func (b *Builder) Config() *config.Config { return b.cfg }

func (b *Builder) failureLogger() *slog.Logger {
	if b.failures != nil {
		return b.failures
	}
	return b.logger
}

type frameFile struct {
	name  string
	path  string
	frame int
}

// CreateItemsFromFlight builds one item per primary-product file of flight.
// Files that cannot be read are skipped and reported in the results; a
// flight where every file is skipped yields no items and no error.
func (b *Builder) CreateItemsFromFlight(ctx context.Context, campaign opr.Campaign, flight opr.Flight) ([]*stac.Item, []metadata.Result, error) {
	date, segment, err := opr.ParseFlightID(flight.ID)
	if err != nil {
		return nil, nil, err
	}

	primary := b.cfg.Data.PrimaryProduct
	var (
		files   []frameFile
		results []metadata.Result
		seen    = make(map[int]string)
	)
	for _, name := range flight.Files(primary) {
		path := flight.DataFiles[primary][name]
		n, err := opr.FrameNumber(name)
		if err != nil {
			results = append(results, b.skip(ctx, flight.ID, path, err))
			continue
		}
		if prev, ok := seen[n]; ok {
			return nil, nil, fmt.Errorf("%w: flight %s frame %d in %s and %s", ErrDuplicateFrame, flight.ID, n, prev, name)
		}
		seen[n] = name
		files = append(files, frameFile{name: name, path: path, frame: n})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].frame < files[j].frame })

	items := make([]*stac.Item, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		md, err := b.loader.Extract(ctx, f.path)
		if err != nil {
			results = append(results, b.skip(ctx, flight.ID, f.path, err))
			continue
		}

		item, err := b.newItem(campaign, flight, date, segment, f, md)
		if err == nil && b.cfg.Validation.ValidateItems {
			err = stac.ValidateItem(item)
		}
		if err != nil {
			results = append(results, b.skip(ctx, flight.ID, f.path, err))
			continue
		}

		results = append(results, metadata.Result{Path: f.path, Metadata: md})
		items = append(items, item)
	}

	b.logger.DebugContext(ctx, "created flight items",
		slog.String("campaign", campaign.Name),
		slog.String("flight_id", flight.ID),
		slog.Int("items", len(items)),
		slog.Int("files", len(files)),
	)
	return items, results, nil
}

func (b *Builder) skip(ctx context.Context, flightID, path string, err error) metadata.Result {
	b.failureLogger().WarnContext(ctx, "skipping frame file",
		slog.String("flight_id", flightID),
		slog.String("file", path),
		slog.String("error", err.Error()),
	)
	return metadata.Result{Path: path, Err: err}
}

func (b *Builder) newItem(campaign opr.Campaign, flight opr.Flight, date string, segment int, f frameFile, md *metadata.ItemMetadata) (*stac.Item, error) {
	item := stac.NewItem(opr.ItemID(f.name), flight.ID, b.cfg.Output.STACVersion)

	geom := md.Geometry
	if tol := b.cfg.Metadata.Geometry.EffectiveTolerance(); tol > 0 {
		simplified, err := geometry.SimplifyPolar(geom, tol)
		if err != nil {
			return nil, fmt.Errorf("simplify geometry: %w", err)
		}
		geom = simplified
	}
	if geom != nil {
		item.Geometry = geom
		bbox, err := geom.BBox()
		if err != nil {
			return nil, fmt.Errorf("compute bbox: %w", err)
		}
		item.Bbox = bbox
	}

	stac.SetItemDatetime(item, md.Datetime)
	item.Properties[PropDate] = date
	item.Properties[PropSegment] = segment
	item.Properties[PropFrame] = f.frame

	uris := []string{stac.ExtensionFile}
	if b.cfg.Metadata.Scientific.Include {
		if md.DOI != nil {
			item.Properties[PropDOI] = *md.DOI
		}
		if md.Citation != nil {
			item.Properties[PropCitation] = *md.Citation
		}
		if md.DOI != nil || md.Citation != nil {
			uris = append(uris, stac.ExtensionScientific)
		}
	}
	if md.Frequency != nil {
		item.Properties[PropFrequency] = *md.Frequency
	}
	if md.Bandwidth != nil {
		item.Properties[PropBandwidth] = *md.Bandwidth
	}
	item.Extensions = stac.Extensions(uris...)

	addAssets(item, AssetRef{
		BaseURL:  b.cfg.Assets.BaseURL,
		Campaign: campaign.Name,
		FlightID: flight.ID,
		Filename: f.name,
		Frame:    frameSuffix(f.name),
	}, b.cfg, flight, md.MimeType)
	return item, nil
}
