package frame

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkm/opr-stac/internal/matfile"
	"github.com/rkm/opr-stac/internal/matfile/mattest"
	"github.com/rkm/opr-stac/internal/metadata"
)

func writeFrame(t *testing.T, compress bool) string {
	t.Helper()

	w := matfile.NewStruct()
	w.Set("f0", 165e6)
	w.Set("f1", 215e6)
	radar := matfile.NewStruct()
	radar.Set("wfs", w)
	params := matfile.NewStruct()
	params.Set("radar", radar)

	path := filepath.Join(t.TempDir(), "Data_20161014_03_001.mat")
	err := mattest.WriteFile(path, mattest.Options{Compress: compress},
		mattest.Var{Name: "Latitude", Value: []float64{-71.35, -71.36, -71.37}},
		mattest.Var{Name: "Longitude", Value: []float64{-69.86, -69.85, -69.84}},
		mattest.Var{Name: "GPS_time", Value: []float64{1476461564, 1476461566}},
		mattest.Var{Name: "param_records", Value: params},
		mattest.Var{Name: "doi", Value: "10.18738/T8/J38CO5"},
	)
	require.NoError(t, err)
	return path
}

func TestLoadMATv5(t *testing.T) {
	for _, compress := range []bool{false, true} {
		ds, err := Load(writeFrame(t, compress), Options{})
		require.NoError(t, err)

		assert.Equal(t, FormatMATv5, ds.Format())
		assert.Equal(t, metadata.MimeMATLAB, ds.MimeType())
		assert.Equal(t, []string{"Latitude", "Longitude", "GPS_time", "param_records", "doi"}, ds.Variables())

		doi, err := ds.Variable("doi")
		require.NoError(t, err)
		assert.Equal(t, "10.18738/T8/J38CO5", doi)

		_, err = ds.Variable("missing")
		assert.ErrorIs(t, err, metadata.ErrVariableNotFound)

		require.NoError(t, ds.Close())
	}
}

func TestLoadFeedsMetadataExtraction(t *testing.T) {
	ds, err := Load(writeFrame(t, false), Options{})
	require.NoError(t, err)
	defer ds.Close()

	md, err := metadata.ExtractItemMetadata(ds, metadata.Options{})
	require.NoError(t, err)
	assert.Equal(t, 190e6, *md.Frequency)
	assert.Equal(t, "10.18738/T8/J38CO5", *md.DOI)
	assert.Equal(t, metadata.MimeMATLAB, md.MimeType)
}

func TestVariableIsCached(t *testing.T) {
	ds, err := Load(writeFrame(t, false), Options{})
	require.NoError(t, err)

	a, err := ds.Variable("param_records")
	require.NoError(t, err)
	b, err := ds.Variable("param_records")
	require.NoError(t, err)
	assert.Same(t, a.(*matfile.Struct), b.(*matfile.Struct))
}

func TestSummary(t *testing.T) {
	ds, err := Load(writeFrame(t, false), Options{})
	require.NoError(t, err)

	s := ds.Summary()
	assert.Equal(t, "MAT v5", s.Format)
	require.Len(t, s.Variables, 5)
	assert.Equal(t, "GPS_time", s.Variables[0].Name)
	assert.Equal(t, []int{1, 2}, s.Variables[0].Shape)

	require.NotNil(t, s.Waveform)
	assert.Equal(t, []string{"f0", "f1"}, s.Waveform.Keys())
	f0, _ := s.Waveform.Get("f0")
	assert.Equal(t, 165e6, f0)
}

func TestSummaryKeepsStableWaveformFields(t *testing.T) {
	wfs := make([]any, 2)
	for i, f0 := range []float64{180e6, 190e6} {
		w := matfile.NewStruct()
		w.Set("f0", f0)
		w.Set("f1", 210e6)
		wfs[i] = w
	}
	radar := matfile.NewStruct()
	radar.Set("wfs", wfs)
	params := matfile.NewStruct()
	params.Set("radar", radar)

	path := filepath.Join(t.TempDir(), "Data_20161014_03_002.mat")
	require.NoError(t, mattest.WriteFile(path, mattest.Options{},
		mattest.Var{Name: "param_records", Value: params},
	))
	ds, err := Load(path, Options{})
	require.NoError(t, err)
	defer ds.Close()

	s := ds.Summary()
	require.NotNil(t, s.Waveform)
	assert.Equal(t, []string{"f1"}, s.Waveform.Keys())
}

func TestSniff(t *testing.T) {
	dir := t.TempDir()

	v73 := filepath.Join(dir, "v73.mat")
	require.NoError(t, os.WriteFile(v73, mattest.V73Stub(), 0o644))
	format, err := Sniff(v73)
	require.NoError(t, err)
	assert.Equal(t, FormatHDF5, format)

	plain := filepath.Join(dir, "plain.h5")
	require.NoError(t, os.WriteFile(plain, append(append([]byte{}, hdf5Signature...), make([]byte, 64)...), 0o644))
	format, err = Sniff(plain)
	require.NoError(t, err)
	assert.Equal(t, FormatHDF5, format)

	junk := filepath.Join(dir, "junk.mat")
	require.NoError(t, os.WriteFile(junk, []byte("not a mat file"), 0o644))
	_, err = Sniff(junk)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	_, err = Load(filepath.Join(dir, "missing.mat"), Options{})
	assert.Error(t, err)
}
