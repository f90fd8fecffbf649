package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/rkm/opr-stac/internal/access"
	"github.com/rkm/opr-stac/internal/build"
	"github.com/rkm/opr-stac/internal/catalog"
	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/observability"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
	"github.com/rkm/opr-stac/pkg/server"
)

// splitArgs separates section.key=value overrides from other positional
// arguments.
func splitArgs(args []string) (overrides, rest []string) {
	for _, a := range args {
		if config.IsOverride(a) {
			overrides = append(overrides, a)
		} else {
			rest = append(rest, a)
		}
	}
	return overrides, rest
}

// env is what every command starts from: the effective configuration and
// its loggers.
type env struct {
	cfg  *config.Config
	logs *loggers
	args []string
}

func (e *env) Close() error { return e.logs.Close() }

// setup loads the configuration named by --config with the positional
// overrides applied. Build commands validate the build-only keys too.
func setup(cmd *cli.Command, forBuild bool) (*env, error) {
	overrides, rest := splitArgs(cmd.Args().Slice())
	if lvl := cmd.String("log-level"); lvl != "" {
		overrides = append(overrides, "logging.level="+lvl)
	}
	if f := cmd.String("log-format"); f != "" {
		overrides = append(overrides, "logging.format="+f)
	}

	load := config.LoadRuntime
	if forBuild {
		load = config.Load
	}
	cfg, err := load(cmd.String("config"), overrides)
	if err != nil {
		return nil, err
	}
	logs, err := newLoggers(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logs: logs, args: rest}, nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func newBuildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "Build the full catalog described by the configuration",
		ArgsUsage: "[section.key=value ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "Write build metrics in the Prometheus text format to this file",
			},
		},
		Action: executeBuild,
	}
}

func executeBuild(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	deps := build.Deps{Logger: e.logs.main, FailureLogger: e.logs.failures}
	metricsFile := cmd.String("metrics-file")
	if metricsFile != "" {
		deps.Metrics = observability.NewMetrics()
	}

	report, err := build.Run(ctx, e.cfg, deps)
	if metricsFile != "" {
		if werr := prometheus.WriteToTextfile(metricsFile, prometheus.DefaultGatherer); werr != nil {
			e.logs.main.Error("failed to write metrics", slog.String("file", metricsFile), slog.String("error", werr.Error()))
		}
	}
	if report != nil {
		e.logs.main.Info("build finished",
			slog.String("run_id", report.RunID),
			slog.Int("collections", len(report.Collections)),
			slog.Any("outputs", report.Outputs),
			slog.Duration("duration", report.Duration),
		)
	}
	return err
}

func newBuildCampaignCommand() *cli.Command {
	return &cli.Command{
		Name:      "build-campaign",
		Usage:     "Build a single campaign into one Parquet file",
		ArgsUsage: "[section.key=value ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "campaign",
				Usage:    "Campaign directory name, e.g. 2016_Antarctica_DC8",
				Required: true,
			},
		},
		Action: executeBuildCampaign,
	}
}

func executeBuildCampaign(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	_, path, err := build.RunCampaign(ctx, e.cfg, build.Deps{
		Logger:        e.logs.main,
		FailureLogger: e.logs.failures,
	}, cmd.String("campaign"))
	if path != "" {
		fmt.Fprintln(os.Stdout, path)
	}
	return err
}

func newAggregateCommand() *cli.Command {
	return &cli.Command{
		Name:      "aggregate",
		Usage:     "Write a catalog linking the collections of existing Parquet files",
		ArgsUsage: "PATTERN... [section.key=value ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Catalog file to write",
				Value:   catalog.CatalogFile,
			},
			&cli.StringFlag{Name: "catalog-id", Usage: "Catalog id (default output.catalog_id)"},
			&cli.StringFlag{Name: "catalog-description", Usage: "Catalog description (default output.catalog_description)"},
			&cli.StringFlag{Name: "title", Usage: "Catalog title (default output.catalog_title)"},
			&cli.StringFlag{Name: "base-url", Usage: "Base URL prepended to the Parquet file names in data asset links"},
		},
		Action: executeAggregate,
	}
}

func executeAggregate(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	if len(e.args) == 0 {
		return errors.New("aggregate needs at least one Parquet file or pattern")
	}
	paths, err := catalog.ExpandPatterns(e.args, e.logs.main)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no files match %v", e.args)
	}

	out := e.cfg.Output
	id := firstNonEmpty(cmd.String("catalog-id"), out.CatalogID, "OPR")
	desc := firstNonEmpty(cmd.String("catalog-description"), out.CatalogDescription, "Open Polar Radar catalog")
	output := cmd.String("output")

	err = catalog.BuildCatalogFromParquetMetadata(paths, output, id, desc, catalog.AggregateOptions{
		BaseURL:     cmd.String("base-url"),
		Title:       firstNonEmpty(cmd.String("title"), out.CatalogTitle),
		Version:     out.STACVersion,
		SkipSummary: !out.CollectionsSummary,
		Logger:      e.logs.main,
	})
	if err != nil {
		return err
	}
	e.logs.main.Info("wrote catalog", slog.String("file", output), slog.Int("parquet_files", len(paths)))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func apiURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "api-url",
		Usage:   "STAC API to query (default access.api_url)",
		Sources: cli.EnvVars(config.EnvPrefix + "ACCESS_API_URL"),
	}
}

func newQueryCommand() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Query frames from a STAC API and print them as a FeatureCollection",
		ArgsUsage: "[section.key=value ...]",
		Flags: []cli.Flag{
			apiURLFlag(),
			&cli.StringSliceFlag{Name: "collection", Usage: "Restrict to a collection (repeatable)"},
			&cli.StringSliceFlag{Name: "flight", Usage: "Flight id YYYYMMDD_SS (repeatable)"},
			&cli.StringFlag{Name: "bbox", Usage: "west,south,east,north"},
			&cli.StringFlag{Name: "intersects", Usage: "GeoJSON geometry the frames must intersect"},
			&cli.StringFlag{Name: "datetime", Usage: "RFC 3339 instant or interval"},
			&cli.BoolFlag{Name: "full-flights", Usage: "Return every frame of each matched flight"},
			&cli.IntFlag{Name: "max-items", Usage: "Stop after this many items (0 for no cap)"},
			&cli.IntFlag{Name: "limit", Usage: "Page size requested from the API", Value: access.DefaultPageSize},
		},
		Action: executeQuery,
	}
}

func executeQuery(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	f := access.Filters{
		Collections: cmd.StringSlice("collection"),
		FlightIDs:   cmd.StringSlice("flight"),
		DateTime:    cmd.String("datetime"),
		FullFlights: cmd.Bool("full-flights"),
		MaxItems:    int(cmd.Int("max-items")),
		Limit:       int(cmd.Int("limit")),
	}
	if s := cmd.String("bbox"); s != "" {
		if f.BBox, err = stac.ParseBBox(s); err != nil {
			return err
		}
	}
	if s := cmd.String("intersects"); s != "" {
		if f.Geometry, err = geojson.FromAny(json.RawMessage(s)); err != nil {
			return fmt.Errorf("parse intersects: %w", err)
		}
	}

	conn, err := access.Connect(e.cfg, cmd.String("api-url"), e.logs.main, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	items, err := conn.QueryFrames(ctx, f)
	if err != nil {
		return err
	}
	e.logs.main.Info("query finished", slog.Int("items", len(items)))
	return writeJSON(os.Stdout, stac.NewItemCollection(items))
}

func newLoadCommand() *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "Download and decode one frame and print a summary of its variables",
		ArgsUsage: "[section.key=value ...]",
		Flags: []cli.Flag{
			apiURLFlag(),
			&cli.StringFlag{Name: "item", Usage: "Item id, e.g. Data_20161014_03_001", Required: true},
			&cli.StringFlag{Name: "collection", Usage: "Collection holding the item"},
			&cli.StringFlag{Name: "product", Usage: "Asset to load (default data.primary_product, then the data asset)"},
		},
		Action: executeLoad,
	}
}

func executeLoad(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	conn, err := access.Connect(e.cfg, cmd.String("api-url"), e.logs.main, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	item, err := conn.GetItem(ctx, cmd.String("item"), cmd.String("collection"))
	if err != nil {
		return err
	}
	product := firstNonEmpty(cmd.String("product"), e.cfg.Data.PrimaryProduct, catalog.AssetData)
	ds, err := conn.LoadFrame(ctx, item, product)
	if err != nil {
		return err
	}
	defer ds.Close()

	return writeJSON(os.Stdout, ds.Summary())
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "Serve a built catalog as a STAC API",
		ArgsUsage: "[section.key=value ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "catalog",
				Usage: "Catalog directory (default output.path)",
			},
		},
		Action: executeServe,
	}
}

func executeServe(ctx context.Context, cmd *cli.Command) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, logger := e.cfg, e.logs.main

	dir := firstNonEmpty(cmd.String("catalog"), cfg.Output.Path)
	if dir == "" {
		return errors.New("serve needs --catalog or output.path")
	}

	var metrics *observability.Metrics
	if cfg.Server.Metrics {
		metrics = observability.NewMetrics()
	}
	srv, err := server.NewFromConfig(cfg, dir, logger, metrics)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			slog.String("addr", httpServer.Addr),
			slog.String("backend", srv.Backend()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down server", slog.Duration("timeout", cfg.Server.ShutdownTimeout))
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
