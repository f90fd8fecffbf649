// Package build runs a full catalog build: discover campaigns and flights,
// extract items on a worker pool, assemble collections and write outputs.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/rkm/opr-stac/internal/catalog"
	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/matfile"
	"github.com/rkm/opr-stac/internal/metadata"
	"github.com/rkm/opr-stac/internal/observability"
	"github.com/rkm/opr-stac/internal/opr"
	"github.com/rkm/opr-stac/internal/pool"
	"github.com/rkm/opr-stac/internal/stac"
)

var (
	// ErrTooManyFailures is returned after outputs are written when the share
	// of failed units exceeds processing.max_failure_ratio.
	ErrTooManyFailures = errors.New("too many failed units")

	// ErrUnitFailed is returned when a unit fails and continue_on_error is off.
	ErrUnitFailed = errors.New("unit failed")

	// ErrCampaignNotFound is returned by RunCampaign for an unknown campaign.
	ErrCampaignNotFound = errors.New("campaign not found")
)

// ConfigUsedFile is the effective configuration written next to the outputs.
const ConfigUsedFile = "config_used.yaml"

// JSONTreeDir holds the hierarchical catalog when Parquet output is also
// enabled, so the two catalog.json files do not collide.
const JSONTreeDir = "json"

// Deps are the collaborators of a build. Zero values get defaults.
type Deps struct {
	Loader        catalog.FrameLoader
	Logger        *slog.Logger
	FailureLogger *slog.Logger
	Metrics       *observability.Metrics
	Clock         clockwork.Clock
}

func (d Deps) withDefaults(cfg *config.Config) Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Loader == nil {
		d.Loader = catalog.NewFileLoader(cfg, d.Logger)
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return d
}

// Report summarizes a build.
type Report struct {
	RunID        string
	Units        int
	Failed       int
	Items        int
	FilesSkipped int
	Collections  []string
	Outputs      []string
	Duration     time.Duration
}

// Succeeded is the number of units that completed.
func (r *Report) Succeeded() int { return r.Units - r.Failed }

// FailureRatio is Failed over Units, or 0 for an empty build.
func (r *Report) FailureRatio() float64 {
	if r.Units == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Units)
}

type runner struct {
	cfg     *config.Config
	deps    Deps
	logger  *slog.Logger
	builder *catalog.Builder
	report  *Report
}

func newRunner(cfg *config.Config, deps Deps) *runner {
	deps = deps.withDefaults(cfg)
	report := &Report{RunID: uuid.NewString()}
	logger := deps.Logger.With(slog.String("run_id", report.RunID))

	builder := catalog.NewBuilder(cfg, deps.Loader).WithLogger(logger)
	if deps.FailureLogger != nil {
		builder = builder.WithFailureLogger(deps.FailureLogger)
	}
	return &runner{cfg: cfg, deps: deps, logger: logger, builder: builder, report: report}
}

// Run builds the catalog described by cfg. Campaigns are processed one after
// another, each on a fresh worker pool. The report is returned even when an
// error is.
func Run(ctx context.Context, cfg *config.Config, deps Deps) (*Report, error) {
	r := newRunner(cfg, deps)
	start := r.deps.Clock.Now()
	defer func() { r.report.Duration = r.deps.Clock.Since(start) }()

	if err := r.prepare(); err != nil {
		return r.report, err
	}

	campaigns, err := opr.DiscoverCampaigns(cfg.Data.Root, opr.NameFilter{
		Include: cfg.Data.Campaigns.Include,
		Exclude: cfg.Data.Campaigns.Exclude,
	})
	if err != nil {
		return r.report, err
	}
	r.logger.Info("discovered campaigns", slog.Int("count", len(campaigns)))

	var (
		built        []*catalog.CampaignCollection
		parquetFiles []string
	)
	for _, c := range campaigns {
		if err := ctx.Err(); err != nil {
			return r.report, err
		}
		cc, err := r.campaign(ctx, c)
		if err != nil {
			return r.report, err
		}
		if cc == nil {
			continue
		}
		built = append(built, cc)
		r.report.Collections = append(r.report.Collections, cc.Collection.Id)

		if cfg.Output.HasFormat("parquet") {
			path, err := r.exportParquet(cc)
			if err != nil {
				return r.report, err
			}
			if path != "" {
				parquetFiles = append(parquetFiles, path)
			}
		}
	}

	if err := r.writeCatalogs(built, parquetFiles); err != nil {
		return r.report, err
	}
	return r.report, r.finish()
}

// RunCampaign builds one campaign into a single Parquet file under
// output.path and returns its path.
func RunCampaign(ctx context.Context, cfg *config.Config, deps Deps, name string) (*Report, string, error) {
	r := newRunner(cfg, deps)
	start := r.deps.Clock.Now()
	defer func() { r.report.Duration = r.deps.Clock.Since(start) }()

	if err := r.prepare(); err != nil {
		return r.report, "", err
	}

	c, err := opr.ParseCampaignName(name)
	if err != nil {
		return r.report, "", fmt.Errorf("%w: %v", ErrCampaignNotFound, err)
	}
	c.Path = filepath.Join(cfg.Data.Root, name)

	cc, err := r.campaign(ctx, c)
	if err != nil {
		return r.report, "", err
	}
	if cc == nil {
		return r.report, "", r.finish()
	}
	r.report.Collections = append(r.report.Collections, cc.Collection.Id)

	path, err := r.exportParquet(cc)
	if err != nil {
		return r.report, "", err
	}
	if err := cfg.WriteYAML(filepath.Join(cfg.Output.Path, ConfigUsedFile)); err != nil {
		return r.report, path, err
	}
	return r.report, path, r.finish()
}

func (r *runner) prepare() error {
	limit, err := r.cfg.Processing.MemoryLimitBytes()
	if err != nil {
		return err
	}
	if limit > 0 {
		debug.SetMemoryLimit(limit)
		r.logger.Info("memory limit set", slog.String("limit", r.cfg.Processing.MemoryLimit))
	}
	if r.cfg.Processing.Mode == config.ModeDistributed {
		r.logger.Warn("distributed mode has no external scheduler, running in parallel mode")
	}
	return nil
}

type unitOutput struct {
	flight  opr.Flight
	items   []*stac.Item
	results []metadata.Result
}

// campaign processes every flight of c and assembles its collection. A
// campaign without flights or items yields nil.
func (r *runner) campaign(ctx context.Context, c opr.Campaign) (*catalog.CampaignCollection, error) {
	logger := r.logger.With(slog.String("campaign", c.Name))

	flights, err := opr.DiscoverFlights(c.Path, r.cfg.Data.PrimaryProduct, r.cfg.Data.ExtraProducts, opr.FlightOptions{
		Filter: opr.NameFilter{
			Include: r.cfg.Data.Flights.Include,
			Exclude: r.cfg.Data.Flights.Exclude,
		},
		MaxFlights: r.cfg.Data.Flights.MaxPerCampaign,
	})
	if err != nil {
		if errors.Is(err, opr.ErrNoPrimaryProduct) {
			logger.Warn("skipping campaign", slog.String("error", err.Error()))
			if !r.cfg.Processing.ContinueOnError {
				return nil, fmt.Errorf("%w: campaign %s: %v", ErrUnitFailed, c.Name, err)
			}
			r.report.Units++
			r.report.Failed++
			return nil, nil
		}
		return nil, fmt.Errorf("campaign %s: %w", c.Name, err)
	}
	if len(flights) == 0 {
		logger.Warn("campaign has no flights")
		return nil, nil
	}
	logger.Info("processing campaign", slog.Int("flights", len(flights)))

	outputs, err := r.runUnits(ctx, c, flights, logger)
	if err != nil {
		return nil, err
	}
	return r.assemble(c, outputs, logger)
}

func (r *runner) runUnits(ctx context.Context, c opr.Campaign, flights []opr.Flight, logger *slog.Logger) ([]unitOutput, error) {
	tasks := make([]pool.Named, len(flights))
	for i, f := range flights {
		tasks[i] = pool.Named{Name: f.ID, Fn: func(ctx context.Context) (any, error) {
			items, results, err := r.builder.CreateItemsFromFlight(ctx, c, f)
			if err != nil {
				return nil, err
			}
			return unitOutput{flight: f, items: items, results: results}, nil
		}}
	}

	var results []pool.Result
	if r.cfg.Processing.Mode == config.ModeSequential {
		results = r.runSequential(ctx, tasks)
	} else {
		results = pool.Run(ctx, pool.Options{
			Workers:         r.cfg.Processing.NWorkers,
			TeardownTimeout: r.cfg.Processing.TeardownTimeout,
			Clock:           r.deps.Clock,
			Logger:          logger,
		}, tasks)
	}

	var outputs []unitOutput
	for _, res := range results {
		r.report.Units++
		if res.Err != nil {
			r.report.Failed++
			r.deps.Metrics.ObserveUnit(true, res.Duration, 0)
			logger.Error("flight failed",
				slog.String("flight_id", res.Name),
				slog.String("error", res.Err.Error()),
			)
			if !r.cfg.Processing.ContinueOnError {
				return nil, fmt.Errorf("%w: flight %s: %v", ErrUnitFailed, res.Name, res.Err)
			}
			continue
		}

		out := res.Value.(unitOutput)
		r.deps.Metrics.ObserveUnit(false, res.Duration, len(out.items))
		r.report.Items += len(out.items)
		for _, fr := range out.results {
			if fr.Skipped() {
				r.report.FilesSkipped++
				r.deps.Metrics.ObserveSkip(SkipReason(fr.Err))
			}
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// runSequential runs tasks inline on the calling goroutine, stopping at the
// first task when ContinueOnError is off.
func (r *runner) runSequential(ctx context.Context, tasks []pool.Named) []pool.Result {
	results := make([]pool.Result, 0, len(tasks))
	for _, t := range tasks {
		start := r.deps.Clock.Now()
		res := pool.Result{Name: t.Name}
		if err := ctx.Err(); err != nil {
			res.Err = err
		} else {
			res.Value, res.Err = t.Fn(ctx)
		}
		res.Duration = r.deps.Clock.Since(start)
		results = append(results, res)
		if res.Err != nil && !r.cfg.Processing.ContinueOnError {
			break
		}
	}
	return results
}

func (r *runner) assemble(c opr.Campaign, outputs []unitOutput, logger *slog.Logger) (*catalog.CampaignCollection, error) {
	if r.cfg.Output.Grouping == "campaign" {
		var items []*stac.Item
		for _, out := range outputs {
			items = append(items, out.items...)
		}
		if len(items) == 0 {
			logger.Warn("campaign produced no items")
			return nil, nil
		}
		return catalog.BuildFlatCampaignCollection(r.cfg, c, items)
	}

	var flights []*catalog.FlightCollection
	for _, out := range outputs {
		if len(out.items) == 0 {
			logger.Warn("flight produced no items", slog.String("flight_id", out.flight.ID))
			continue
		}
		fc, err := catalog.BuildFlightCollection(r.cfg, c, out.flight.ID, out.items)
		if err != nil {
			return nil, err
		}
		flights = append(flights, fc)
	}
	if len(flights) == 0 {
		logger.Warn("campaign produced no items")
		return nil, nil
	}
	return catalog.BuildCampaignCollection(r.cfg, c, flights)
}

func (r *runner) exportParquet(cc *catalog.CampaignCollection) (string, error) {
	path, err := catalog.ExportCollectionToParquet(cc.Collection, cc.AllItems(), r.cfg.Output.Path, catalog.ParquetOptions{
		Hemisphere: cc.Hemisphere,
		Provider:   cc.Provider,
	})
	if err != nil {
		return "", fmt.Errorf("export %s: %w", cc.Collection.Id, err)
	}
	if path != "" {
		r.report.Outputs = append(r.report.Outputs, path)
		r.logger.Info("wrote parquet", slog.String("path", path), slog.Int("items", len(cc.AllItems())))
	}
	return path, nil
}

func (r *runner) writeCatalogs(built []*catalog.CampaignCollection, parquetFiles []string) error {
	out := r.cfg.Output
	if out.HasFormat("parquet") && len(parquetFiles) > 0 {
		catalogPath := filepath.Join(out.Path, catalog.CatalogFile)
		err := catalog.BuildCatalogFromParquetMetadata(parquetFiles, catalogPath, out.CatalogID, out.CatalogDescription, catalog.AggregateOptions{
			Title:       out.CatalogTitle,
			Version:     out.STACVersion,
			SkipSummary: !out.CollectionsSummary,
			Logger:      r.logger,
		})
		if err != nil {
			return err
		}
		r.report.Outputs = append(r.report.Outputs, catalogPath)
	}

	if out.HasFormat("json") && len(built) > 0 {
		dir := out.Path
		if out.HasFormat("parquet") {
			dir = filepath.Join(out.Path, JSONTreeDir)
		}
		root := stac.NewCatalog(out.CatalogID, out.CatalogTitle, out.CatalogDescription, out.STACVersion)
		if err := catalog.WriteTree(dir, root, built); err != nil {
			return err
		}
		r.report.Outputs = append(r.report.Outputs, filepath.Join(dir, catalog.CatalogFile))
		r.logger.Info("wrote catalog tree", slog.String("path", dir))
	}

	return r.cfg.WriteYAML(filepath.Join(out.Path, ConfigUsedFile))
}

// finish logs the summary line and applies the failure ratio.
func (r *runner) finish() error {
	rep := r.report
	r.logger.Info(fmt.Sprintf("processed %d of %d units", rep.Succeeded(), rep.Units),
		slog.Int("failed", rep.Failed),
		slog.Int("items", rep.Items),
		slog.Int("files_skipped", rep.FilesSkipped),
	)
	if rep.Units > 0 && rep.FailureRatio() > r.cfg.Processing.MaxFailureRatio {
		return fmt.Errorf("%w: %d of %d units failed (max ratio %g)",
			ErrTooManyFailures, rep.Failed, rep.Units, r.cfg.Processing.MaxFailureRatio)
	}
	return nil
}

// SkipReason classifies why a frame file was skipped, for metrics.
func SkipReason(err error) string {
	switch {
	case err == nil:
		return "empty"
	case errors.Is(err, matfile.ErrUnsupportedClass):
		return "unsupported_class"
	case errors.Is(err, matfile.ErrDecode):
		return "decode"
	case errors.Is(err, metadata.ErrAmbiguousFrequency):
		return "ambiguous_frequency"
	case errors.Is(err, opr.ErrInvalidFrameName):
		return "frame_name"
	case errors.Is(err, stac.ErrInvalidItem):
		return "invalid_item"
	default:
		return "other"
	}
}
