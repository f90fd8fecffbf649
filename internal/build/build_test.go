package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkm/opr-stac/internal/catalog"
	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/matfile"
	"github.com/rkm/opr-stac/internal/metadata"
	"github.com/rkm/opr-stac/internal/observability"
	"github.com/rkm/opr-stac/internal/opr"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

type fakeLoader map[string]*metadata.ItemMetadata

func (f fakeLoader) Extract(_ context.Context, path string) (*metadata.ItemMetadata, error) {
	if md, ok := f[path]; ok {
		return md, nil
	}
	return nil, fmt.Errorf("%w: truncated file", matfile.ErrDecode)
}

// fixture lays out a data root with one readable campaign and one campaign
// missing its primary product.
func fixture(t *testing.T) (*config.Config, fakeLoader) {
	t.Helper()
	root := t.TempDir()
	loader := fakeLoader{}
	t0 := time.Date(2016, 10, 14, 13, 0, 0, 0, time.UTC)

	touch := func(parts ...string) string {
		p := filepath.Join(append([]string{root}, parts...)...)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		return p
	}
	for i := 1; i <= 2; i++ {
		p := touch("2016_Antarctica_DC8", "CSARP_standard", "20161014_03", fmt.Sprintf("Data_20161014_03_%03d.mat", i))
		lat := -75 - float64(i)/10
		loader[p] = &metadata.ItemMetadata{
			Geometry: geojson.NewLineString([][]float64{{-100, lat}, {-100.2, lat - 0.05}}),
			Datetime: t0.Add(time.Duration(i) * time.Minute),
			MimeType: metadata.MimeMATLAB,
		}
	}
	touch("2016_Antarctica_DC8", "CSARP_standard", "20161015_01", "Data_20161015_01_001.mat")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "2011_Greenland_P3", "CSARP_qlook"), 0o755))

	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.Data.Root = root
	cfg.Data.PrimaryProduct = "CSARP_standard"
	cfg.Output.Path = filepath.Join(t.TempDir(), "out")
	cfg.Output.CatalogID = "OPR"
	cfg.Output.CatalogDescription = "Open Polar Radar"
	cfg.Output.Formats = []string{"parquet", "json"}
	cfg.Metadata.Geometry.Simplify = false
	return cfg, loader
}

func TestRun(t *testing.T) {
	for _, mode := range []string{config.ModeParallel, config.ModeSequential} {
		t.Run(mode, func(t *testing.T) {
			cfg, loader := fixture(t)
			cfg.Processing.Mode = mode

			report, err := Run(context.Background(), cfg, Deps{Loader: loader, Metrics: observability.NewMetricsForTesting()})
			require.NoError(t, err)

			assert.NotEmpty(t, report.RunID)
			assert.Equal(t, 3, report.Units)
			assert.Equal(t, 1, report.Failed)
			assert.Equal(t, 2, report.Succeeded())
			assert.Equal(t, 2, report.Items)
			assert.Equal(t, 1, report.FilesSkipped)
			assert.Equal(t, []string{"2016_Antarctica_DC8"}, report.Collections)

			out := cfg.Output.Path
			for _, p := range []string{
				"2016_Antarctica_DC8.parquet",
				catalog.CatalogFile,
				catalog.CollectionsSummaryFile,
				ConfigUsedFile,
				filepath.Join(JSONTreeDir, catalog.CatalogFile),
				filepath.Join(JSONTreeDir, "2016_Antarctica_DC8", "20161014_03", "Data_20161014_03_002.json"),
			} {
				assert.FileExists(t, filepath.Join(out, p))
			}

			md, err := catalog.ReadCollectionMetadata(filepath.Join(out, "2016_Antarctica_DC8.parquet"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), md.NumRows)
			assert.Equal(t, "south", md.Hemisphere)

			tree, err := catalog.ReadTree(filepath.Join(out, JSONTreeDir))
			require.NoError(t, err)
			assert.Len(t, tree.Items["20161014_03"], 2)
			var flight *stac.Collection
			for _, c := range tree.Collections {
				if c.Id == "20161014_03" {
					flight = c
				}
			}
			require.NotNil(t, flight)
			geom, err := geojson.FromAny(flight.Extra[catalog.PropProjGeometry])
			require.NoError(t, err)
			require.NotNil(t, geom)
			require.Equal(t, geojson.TypeLineString, geom.Type)
			line, err := geom.LineString()
			require.NoError(t, err)
			assert.Equal(t, [][]float64{
				{-100, -75.1}, {-100.2, -75.15},
				{-100, -75.2}, {-100.2, -75.25},
			}, line)
		})
	}
}

func TestRunFailureRatio(t *testing.T) {
	cfg, loader := fixture(t)
	cfg.Processing.MaxFailureRatio = 0.2

	report, err := Run(context.Background(), cfg, Deps{Loader: loader})
	require.ErrorIs(t, err, ErrTooManyFailures)
	assert.Equal(t, 1, report.Failed)
	assert.FileExists(t, filepath.Join(cfg.Output.Path, catalog.CatalogFile))
}

func TestRunStopsOnErrorWhenConfigured(t *testing.T) {
	cfg, loader := fixture(t)
	cfg.Processing.ContinueOnError = false

	_, err := Run(context.Background(), cfg, Deps{Loader: loader})
	assert.ErrorIs(t, err, ErrUnitFailed)
}

func TestRunCampaign(t *testing.T) {
	cfg, loader := fixture(t)
	cfg.Output.Grouping = "campaign"

	report, path, err := RunCampaign(context.Background(), cfg, Deps{Loader: loader}, "2016_Antarctica_DC8")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Output.Path, "2016_Antarctica_DC8.parquet"), path)
	assert.Equal(t, 2, report.Items)

	items, err := catalog.ReadItems(path)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, _, err = RunCampaign(context.Background(), cfg, Deps{Loader: loader}, "not-a-campaign")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestSkipReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "empty"},
		{fmt.Errorf("x: %w", matfile.ErrDecode), "decode"},
		{matfile.ErrUnsupportedClass, "unsupported_class"},
		{metadata.ErrAmbiguousFrequency, "ambiguous_frequency"},
		{opr.ErrInvalidFrameName, "frame_name"},
		{stac.ErrInvalidItem, "invalid_item"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SkipReason(tt.err))
	}
}
