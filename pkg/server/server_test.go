package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkm/opr-stac/internal/backend"
	"github.com/rkm/opr-stac/internal/catalog"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

func writeParquetCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	at := time.Date(2016, 10, 14, 15, 0, 0, 0, time.UTC)

	coll := stac.NewCollection("2016_Antarctica_DC8", "", "DC8 flights", stac.Version)
	coll.Extent = stac.NewExtent([]float64{-101, -76, -99, -74}, at, at)

	var items []*stac.Item
	for _, id := range []string{"Data_20161014_03_001", "Data_20161014_03_002"} {
		item := stac.NewItem(id, "20161014_03", stac.Version)
		item.Geometry = geojson.NewLineString([][]float64{{-100, -75}, {-99.9, -75.1}})
		item.Bbox = []float64{-100, -75.1, -99.9, -75}
		stac.SetItemDatetime(item, at)
		items = append(items, item)
	}
	_, err := catalog.ExportCollectionToParquet(coll, items, dir, catalog.ParquetOptions{})
	require.NoError(t, err)
	return dir
}

func TestNew(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := New(Options{Logger: logger})
	assert.ErrorIs(t, err, ErrNoCatalogDir)

	_, err = New(Options{CatalogDir: t.TempDir(), Logger: logger})
	assert.ErrorIs(t, err, backend.ErrNoCatalog)

	_, err = New(Options{CatalogDir: t.TempDir(), DefaultLimit: 50, MaxLimit: 10, Logger: logger})
	assert.Error(t, err)

	srv, err := New(Options{
		CatalogDir: writeParquetCatalog(t),
		BaseURL:    "https://stac.example",
		CatalogID:  "opr",
		Logger:     logger,
	})
	require.NoError(t, err)
	assert.Equal(t, backend.NameParquet, srv.Backend())

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/search?limit=1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Features      []map[string]any `json:"features"`
		NumberMatched int              `json:"numberMatched"`
		Links         []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Features, 1)
	assert.Equal(t, 2, page.NumberMatched)

	var next string
	for _, l := range page.Links {
		if l.Rel == "next" {
			next = l.Href
		}
	}
	assert.Contains(t, next, "https://stac.example/search?")
}
