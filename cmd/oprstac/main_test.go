package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkm/opr-stac/internal/catalog"
	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/stac"
)

func TestSplitArgs(t *testing.T) {
	overrides, rest := splitArgs([]string{
		"out/*.parquet",
		"processing.n_workers=8",
		"a=b",
		"data.extra_products=[CSARP_qlook]",
	})
	assert.Equal(t, []string{"processing.n_workers=8", "data.extra_products=[CSARP_qlook]"}, overrides)
	assert.Equal(t, []string{"out/*.parquet", "a=b"}, rest)
}

func TestFailureLogTee(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.log")
	logs, err := newLoggers(config.LoggingConfig{Level: "info", Format: "text", File: path})
	require.NoError(t, err)

	logs.failures.With(slog.String("flight_id", "20161014_03")).Warn("skipping frame file")
	logs.failures.Info("not a failure")
	require.NoError(t, logs.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "flight_id=20161014_03")
	assert.NotContains(t, string(data), "not a failure")
}

func TestTeeHandler(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(teeHandler{
		slog.NewTextHandler(&a, nil),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}).WithGroup("unit").With(slog.String("name", "20161014_03"))

	logger.Info("started")
	logger.Warn("failed")

	assert.Contains(t, a.String(), "unit.name=20161014_03")
	assert.Contains(t, a.String(), "started")
	assert.NotContains(t, b.String(), "started")
	assert.Contains(t, b.String(), "msg=failed unit.name=20161014_03")
}

func TestLoggersWithoutFile(t *testing.T) {
	logs, err := newLoggers(config.LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Nil(t, logs.failures)
	assert.NoError(t, logs.Close())
}

func TestAggregateCommand(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2016, 10, 14, 15, 0, 0, 0, time.UTC)
	coll := stac.NewCollection("2016_Antarctica_DC8", "", "DC8 flights", stac.Version)
	coll.Extent = stac.NewExtent([]float64{-101, -76, -99, -74}, at, at)
	item := stac.NewItem("Data_20161014_03_001", "20161014_03", stac.Version)
	stac.SetItemDatetime(item, at)
	_, err := catalog.ExportCollectionToParquet(coll, []*stac.Item{item}, dir, catalog.ParquetOptions{})
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "catalog.json")
	err = newApp().Run(context.Background(), []string{
		"oprstac", "aggregate",
		"--output", out,
		"--catalog-id", "OPR",
		"--catalog-description", "test catalog",
		filepath.Join(dir, "*.parquet"),
		"logging.level=warn",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "OPR", doc["id"])
	assert.FileExists(t, filepath.Join(filepath.Dir(out), catalog.CollectionsSummaryFile))
}

func TestAggregateNeedsFiles(t *testing.T) {
	err := newApp().Run(context.Background(), []string{
		"oprstac", "aggregate", filepath.Join(t.TempDir(), "*.parquet"),
	})
	assert.Error(t, err)
}
