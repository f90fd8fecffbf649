// Package integration runs the whole pipeline against MAT files on disk:
// build a catalog, serve it, then query and load frames through the client.
package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkm/opr-stac/internal/access"
	"github.com/rkm/opr-stac/internal/build"
	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/matfile"
	"github.com/rkm/opr-stac/internal/matfile/mattest"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/server"
)

const product = "CSARP_standard"

type flight struct {
	campaign string
	id       string
	frames   int
	lon, lat float64
	start    time.Time
}

var flights = []flight{
	{"2016_Antarctica_DC8", "20161014_03", 3, -100, -75, time.Date(2016, 10, 14, 15, 0, 0, 0, time.UTC)},
	{"2016_Antarctica_DC8", "20161015_01", 2, 60, -70, time.Date(2016, 10, 15, 12, 0, 0, 0, time.UTC)},
	{"2018_Greenland_P3", "20180405_02", 2, -45, 72, time.Date(2018, 4, 5, 10, 0, 0, 0, time.UTC)},
}

func waveforms() *matfile.Struct {
	wfs := matfile.NewStruct()
	wfs.Set("f0", 180e6)
	wfs.Set("f1", 210e6)
	radar := matfile.NewStruct()
	radar.Set("wfs", wfs)
	p := matfile.NewStruct()
	p.Set("radar", radar)
	return p
}

// writeDataRoot lays out one MAT file per frame under
// <campaign>/CSARP_standard/<flight>/.
func writeDataRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range flights {
		dir := filepath.Join(root, f.campaign, product, f.id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 1; i <= f.frames; i++ {
			lat := f.lat - float64(i)/10
			gps := float64(f.start.Add(time.Duration(i) * time.Minute).Unix())
			data, err := mattest.Encode([]mattest.Var{
				{Name: "Latitude", Value: []float64{lat, lat - 0.02, lat - 0.04}},
				{Name: "Longitude", Value: []float64{f.lon, f.lon + 0.01, f.lon + 0.02}},
				{Name: "GPS_time", Value: []float64{gps - 1, gps, gps + 1}},
				{Name: "param_records", Value: waveforms()},
			}, mattest.Options{Compress: i%2 == 0})
			require.NoError(t, err)
			name := fmt.Sprintf("Data_%s_%03d.mat", f.id, i)
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
		}
	}
	return root
}

// pipeline builds the catalog, then serves the requested output directory.
type pipeline struct {
	cfg    *config.Config
	report *build.Report
	api    *httptest.Server
	conn   *access.Connection
}

func setup(t *testing.T, formats []string, serveDir func(out string) string) *pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	root := writeDataRoot(t)
	files := httptest.NewServer(http.FileServer(http.Dir(root)))
	t.Cleanup(files.Close)

	cfg, err := config.Defaults()
	require.NoError(t, err)
	cfg.Data.Root = root
	cfg.Data.PrimaryProduct = product
	cfg.Output.Path = filepath.Join(t.TempDir(), "out")
	cfg.Output.CatalogID = "OPR"
	cfg.Output.CatalogDescription = "Open Polar Radar"
	cfg.Output.Formats = formats
	cfg.Assets.BaseURL = files.URL + "/"
	cfg.Cache.Enabled = true
	cfg.Cache.Directory = t.TempDir()
	require.NoError(t, cfg.Validate())

	report, err := build.Run(context.Background(), cfg, build.Deps{Logger: logger})
	require.NoError(t, err)

	var handler http.Handler = http.NotFoundHandler()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(api.Close)

	srv, err := server.New(server.Options{
		CatalogDir: serveDir(cfg.Output.Path),
		BaseURL:    api.URL,
		CatalogID:  cfg.Output.CatalogID,
		MaxLimit:   2,
		Logger:     logger,
	})
	require.NoError(t, err)
	handler = srv.Router()

	conn, err := access.Connect(cfg, api.URL, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &pipeline{cfg: cfg, report: report, api: api, conn: conn}
}

func ids(items []*stac.Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Id
	}
	return out
}

func TestBuildServeQuery(t *testing.T) {
	layouts := map[string]struct {
		formats  []string
		serveDir func(string) string
	}{
		"parquet": {[]string{"parquet"}, func(out string) string { return out }},
		"json tree": {[]string{"parquet", "json"}, func(out string) string {
			return filepath.Join(out, build.JSONTreeDir)
		}},
	}

	for name, layout := range layouts {
		t.Run(name, func(t *testing.T) {
			p := setup(t, layout.formats, layout.serveDir)
			ctx := context.Background()

			assert.Equal(t, 3, p.report.Units)
			assert.Zero(t, p.report.Failed)
			assert.Equal(t, 7, p.report.Items)
			assert.ElementsMatch(t, []string{"2016_Antarctica_DC8", "2018_Greenland_P3"}, p.report.Collections)

			colls, err := p.conn.ListCollections(ctx)
			require.NoError(t, err)
			var collIDs []string
			for _, c := range colls {
				collIDs = append(collIDs, c.Id)
			}
			assert.Contains(t, collIDs, "2016_Antarctica_DC8")
			assert.Contains(t, collIDs, "2018_Greenland_P3")

			// MaxLimit 2 forces the client through the next links.
			items, err := p.conn.QueryFrames(ctx, access.Filters{FlightIDs: []string{"20161014_03"}})
			require.NoError(t, err)
			assert.Equal(t, []string{
				"Data_20161014_03_001",
				"Data_20161014_03_002",
				"Data_20161014_03_003",
			}, ids(items))

			items, err = p.conn.QueryFrames(ctx, access.Filters{BBox: []float64{-60, 60, -30, 80}})
			require.NoError(t, err)
			assert.Equal(t, []string{"Data_20180405_02_001", "Data_20180405_02_002"}, ids(items))

			items, err = p.conn.QueryFrames(ctx, access.Filters{
				Collections: []string{"2016_Antarctica_DC8"},
				DateTime:    "2016-10-15T00:00:00Z/..",
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"Data_20161015_01_001", "Data_20161015_01_002"}, ids(items))

			items, err = p.conn.QueryFrames(ctx, access.Filters{
				BBox:        []float64{-101, -76, -99, -75.15},
				FullFlights: true,
			})
			require.NoError(t, err)
			assert.Len(t, items, 3, "every frame of the matched flight")

			ds, err := p.conn.LoadFrame(ctx, items[0], product)
			require.NoError(t, err)
			defer ds.Close()
			assert.Contains(t, ds.Variables(), "Latitude")
			assert.Contains(t, ds.Variables(), "param_records")
		})
	}
}

func TestUnknownFlightIsEmpty(t *testing.T) {
	p := setup(t, []string{"parquet"}, func(out string) string { return out })

	items, err := p.conn.QueryFrames(context.Background(), access.Filters{FlightIDs: []string{"20990101_01"}})
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = p.conn.QueryFrames(context.Background(), access.Filters{FlightIDs: []string{"not-a-flight"}})
	require.NoError(t, err)
	assert.Empty(t, items)
}
