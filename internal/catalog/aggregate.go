package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rkm/opr-stac/internal/stac"
)

// CollectionsSummaryFile is written next to the aggregated catalog.
const CollectionsSummaryFile = "collections.json"

// summaryPrefixes select the extension fields carried into collections.json.
var summaryPrefixes = []string{"sci:", "sar:", "proj:", "opr:"}

// AggregateOptions controls BuildCatalogFromParquetMetadata.
type AggregateOptions struct {
	// BaseURL, when set, replaces the relative data asset href with
	// BaseURL/<file name>.
	BaseURL     string
	Title       string
	Version     string
	SkipSummary bool
	Logger      *slog.Logger
}

// BuildCatalogFromParquetMetadata reads the footer of each Parquet file and
// writes a catalog linking to them at outputFile, plus collections.json in
// the same directory. Files without collection metadata are skipped.
func BuildCatalogFromParquetMetadata(paths []string, outputFile, catalogID, description string, opts AggregateOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = stac.Version
	}

	var entries []*stac.Collection
	for _, p := range paths {
		md, err := ReadCollectionMetadata(p)
		if err != nil {
			logger.Warn("skipping parquet file", slog.String("file", p), slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, summaryCollection(md, opts.BaseURL))
		logger.Debug("read collection metadata",
			slog.String("file", p),
			slog.String("collection", md.Collection.Id),
			slog.Int64("rows", md.NumRows),
		)
	}
	if len(entries) == 0 {
		return ErrNoCollectionMetadata
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Id < entries[j].Id })

	cat := stac.NewCatalog(catalogID, opts.Title, description, version)
	cat.Links = append(cat.Links,
		link("root", "./"+CatalogFile, stac.MediaTypeJSON),
		link("self", "./"+CatalogFile, stac.MediaTypeJSON),
	)
	var uris []string
	for _, c := range entries {
		l := link("child", "./"+c.Id+".parquet", stac.MediaTypeParquet)
		l.Title = c.Title
		if l.Title == "" {
			l.Title = c.Description
		}
		cat.Links = append(cat.Links, l)
		for _, uri := range stac.ExtensionURIs(c.Extensions) {
			if !contains(uris, uri) {
				uris = append(uris, uri)
			}
		}
	}
	sort.Strings(uris)
	cat.Extensions = stac.Extensions(uris...)

	dir := filepath.Dir(outputFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := writeJSON(outputFile, cat); err != nil {
		return err
	}
	logger.Info("wrote catalog", slog.String("path", outputFile), slog.Int("collections", len(entries)))

	if opts.SkipSummary {
		return nil
	}
	summary := filepath.Join(dir, CollectionsSummaryFile)
	if err := writeJSON(summary, entries); err != nil {
		return err
	}
	logger.Info("wrote collections summary", slog.String("path", summary))
	return nil
}

// summaryCollection reduces a footer collection to its descriptive fields
// and a data asset pointing at the Parquet file.
func summaryCollection(md *ParquetMetadata, baseURL string) *stac.Collection {
	src := md.Collection
	c := stac.NewCollection(src.Id, src.Title, src.Description, src.Version)
	c.License = src.License
	c.Extent = src.Extent
	c.Extensions = stac.Extensions(stac.ExtensionURIs(src.Extensions)...)

	name := filepath.Base(md.Path)
	href := "./" + name
	if baseURL != "" {
		href = strings.TrimRight(baseURL, "/") + "/" + name
	}
	c.Assets = map[string]*stac.Asset{
		AssetData: {
			Href:  href,
			Title: "Collection data in Apache Parquet format",
			Type:  stac.MediaTypeParquet,
			Roles: []string{"data"},
		},
	}

	for k, v := range src.Extra {
		for _, prefix := range summaryPrefixes {
			if strings.HasPrefix(k, prefix) {
				c.SetExtra(k, v)
				break
			}
		}
	}
	return c
}

// ExpandPatterns resolves glob patterns and plain paths to existing files,
// keeping first-seen order and dropping duplicates. Patterns matching
// nothing are logged. Recursive "**" segments are not supported.
func ExpandPatterns(patterns []string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		out  []string
		seen = make(map[string]bool)
	)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, pattern := range patterns {
		if strings.ContainsAny(pattern, "*?[") {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", pattern, err)
			}
			if len(matches) == 0 {
				logger.Warn("no files match pattern", slog.String("pattern", pattern))
				continue
			}
			sort.Strings(matches)
			for _, m := range matches {
				add(m)
			}
			continue
		}

		st, err := os.Stat(pattern)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Warn("file not found", slog.String("file", pattern))
		case err != nil:
			return nil, err
		case st.IsDir():
			logger.Warn("skipping directory", slog.String("file", pattern))
		default:
			add(pattern)
		}
	}
	return out, nil
}
