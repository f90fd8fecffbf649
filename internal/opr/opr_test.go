package opr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func mkdir(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
}

func TestDiscoverCampaigns(t *testing.T) {
	root := t.TempDir()
	mkdir(t, filepath.Join(root, "2016_Antarctica_DC8"))
	mkdir(t, filepath.Join(root, "2011_Greenland_P3"))
	mkdir(t, filepath.Join(root, "2019_Antarctica_GV"))
	mkdir(t, filepath.Join(root, "scratch"))
	mkdir(t, filepath.Join(root, "16_Antarctica_DC8"))
	touch(t, filepath.Join(root, "2020_Greenland_P3"))

	campaigns, err := DiscoverCampaigns(root, NameFilter{})
	require.NoError(t, err)

	var names []string
	for _, c := range campaigns {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"2011_Greenland_P3", "2016_Antarctica_DC8", "2019_Antarctica_GV"}, names)

	dc8 := campaigns[1]
	assert.Equal(t, 2016, dc8.Year)
	assert.Equal(t, "Antarctica", dc8.Location)
	assert.Equal(t, "DC8", dc8.Aircraft)
	assert.Equal(t, filepath.Join(root, "2016_Antarctica_DC8"), dc8.Path)
}

func TestDiscoverCampaignsFilter(t *testing.T) {
	root := t.TempDir()
	for _, n := range []string{"2016_Antarctica_DC8", "2011_Greenland_P3", "2019_Antarctica_GV"} {
		mkdir(t, filepath.Join(root, n))
	}

	campaigns, err := DiscoverCampaigns(root, NameFilter{
		Include: []string{"2016_Antarctica_DC8", "2019_Antarctica_GV"},
		Exclude: []string{"2019_Antarctica_GV"},
	})
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, "2016_Antarctica_DC8", campaigns[0].Name)
}

func TestDiscoverCampaignsMissingRoot(t *testing.T) {
	_, err := DiscoverCampaigns(filepath.Join(t.TempDir(), "missing"), NameFilter{})
	assert.Error(t, err)
}

func TestParseCampaignNameMultiPartAircraft(t *testing.T) {
	c, err := ParseCampaignName("2018_Antarctica_Ground_Based")
	require.NoError(t, err)
	assert.Equal(t, "Antarctica", c.Location)
	assert.Equal(t, "Ground_Based", c.Aircraft)
}

func TestDiscoverFlights(t *testing.T) {
	campaign := filepath.Join(t.TempDir(), "2016_Antarctica_DC8")
	touch(t, filepath.Join(campaign, "CSARP_standard", "20161014_03", "Data_20161014_03_001.mat"))
	touch(t, filepath.Join(campaign, "CSARP_standard", "20161014_03", "Data_20161014_03_002.mat"))
	touch(t, filepath.Join(campaign, "CSARP_standard", "20161014_03", "notes.txt"))
	touch(t, filepath.Join(campaign, "CSARP_standard", "20161013_01", "Data_20161013_01_001.mat"))
	mkdir(t, filepath.Join(campaign, "CSARP_standard", "quicklook"))
	touch(t, filepath.Join(campaign, "CSARP_layer", "20161014_03", "Data_20161014_03_001.mat"))

	flights, err := DiscoverFlights(campaign, "CSARP_standard", []string{"CSARP_layer", "CSARP_missing"}, FlightOptions{})
	require.NoError(t, err)
	require.Len(t, flights, 2)

	assert.Equal(t, "20161013_01", flights[0].ID)
	f := flights[1]
	assert.Equal(t, "20161014_03", f.ID)
	assert.Equal(t, "20161014", f.Date)
	assert.Equal(t, 3, f.Segment)
	assert.Equal(t, "2016_Antarctica_DC8", f.Campaign)
	assert.Equal(t, []string{"Data_20161014_03_001.mat", "Data_20161014_03_002.mat"}, f.Files("CSARP_standard"))
	assert.Equal(t, []string{"Data_20161014_03_001.mat"}, f.Files("CSARP_layer"))
	assert.NotContains(t, f.DataFiles, "CSARP_missing")
}

func TestDiscoverFlightsMaxAndFilter(t *testing.T) {
	campaign := filepath.Join(t.TempDir(), "2016_Antarctica_DC8")
	for _, id := range []string{"20161010_01", "20161011_01", "20161012_01", "20161013_01"} {
		touch(t, filepath.Join(campaign, "CSARP_standard", id, "Data_"+id+"_001.mat"))
	}

	flights, err := DiscoverFlights(campaign, "CSARP_standard", nil, FlightOptions{
		Filter:     NameFilter{Exclude: []string{"20161010_01"}},
		MaxFlights: 2,
	})
	require.NoError(t, err)
	require.Len(t, flights, 2)
	assert.Equal(t, "20161011_01", flights[0].ID)
	assert.Equal(t, "20161012_01", flights[1].ID)
}

func TestDiscoverFlightsNoPrimary(t *testing.T) {
	campaign := filepath.Join(t.TempDir(), "2016_Antarctica_DC8")
	mkdir(t, campaign)

	_, err := DiscoverFlights(campaign, "CSARP_standard", nil, FlightOptions{})
	assert.ErrorIs(t, err, ErrNoPrimaryProduct)
}

func TestParseFlightID(t *testing.T) {
	tests := []struct {
		id      string
		date    string
		segment int
		wantErr bool
	}{
		{id: "20161014_03", date: "20161014", segment: 3},
		{id: "20110507_12", date: "20110507", segment: 12},
		{id: "2016_03", wantErr: true},
		{id: "20161014", wantErr: true},
		{id: "20161014_03_01", wantErr: true},
		{id: "abcdefgh_01", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			date, segment, err := ParseFlightID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFlightID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.date, date)
			assert.Equal(t, tt.segment, segment)
		})
	}
}

func TestFrameNumber(t *testing.T) {
	n, err := FrameNumber("/data/Data_20161014_03_007.mat")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = FrameNumber("Data_20161014_03.nc")
	assert.ErrorIs(t, err, ErrInvalidFrameName)

	assert.Equal(t, "Data_20161014_03_007", ItemID("/data/Data_20161014_03_007.mat"))
}
