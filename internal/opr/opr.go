// Package opr discovers radar campaigns, flights and frame files on disk and
// parses their identifiers.
package opr

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrNoPrimaryProduct is returned when a campaign lacks its primary product directory.
	ErrNoPrimaryProduct = errors.New("primary product directory not found")

	// ErrInvalidFlightID is returned for flight ids that are not date_segment.
	ErrInvalidFlightID = errors.New("invalid flight id")

	// ErrInvalidFrameName is returned when a filename has no _NNN.mat suffix.
	ErrInvalidFrameName = errors.New("invalid frame filename")
)

var (
	campaignPattern      = regexp.MustCompile(`^\d{4}_\w+_\w+$`)
	campaignPartsPattern = regexp.MustCompile(`^(\d{4})_([^_]+)_(.+)$`)
	flightPattern        = regexp.MustCompile(`^\d{8}_\d+$`)
	framePattern         = regexp.MustCompile(`_(\d+)\.mat$`)
)

// Campaign is one survey deployment directory, e.g. 2016_Antarctica_DC8.
type Campaign struct {
	Name     string
	Year     int
	Location string
	Aircraft string
	Path     string
}

// Flight is one day's survey segment within a campaign.
type Flight struct {
	ID       string
	Date     string
	Segment  int
	Campaign string
	// DataFiles maps product name to filename to absolute path.
	DataFiles map[string]map[string]string
}

// Files returns the sorted filenames present for product.
func (f Flight) Files(product string) []string {
	files := f.DataFiles[product]
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NameFilter keeps names listed in Include (when non-empty) and drops names
// listed in Exclude.
type NameFilter struct {
	Include []string
	Exclude []string
}

// Allows reports whether name passes the filter.
func (f NameFilter) Allows(name string) bool {
	if len(f.Include) > 0 && !contains(f.Include, name) {
		return false
	}
	return !contains(f.Exclude, name)
}

// FlightOptions narrows flight discovery.
type FlightOptions struct {
	Filter NameFilter
	// MaxFlights caps the number of flights returned. Zero means no cap.
	MaxFlights int
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// IsCampaignName reports whether name follows the YYYY_Location_Platform grammar.
func IsCampaignName(name string) bool {
	return campaignPattern.MatchString(name)
}

// ParseCampaignName splits a campaign name into its year, location and
// aircraft parts.
func ParseCampaignName(name string) (Campaign, error) {
	if !IsCampaignName(name) {
		return Campaign{}, fmt.Errorf("campaign name %q does not match YYYY_Location_Platform", name)
	}
	m := campaignPartsPattern.FindStringSubmatch(name)
	if m == nil {
		return Campaign{}, fmt.Errorf("campaign name %q does not match YYYY_Location_Platform", name)
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign year %q: %w", m[1], err)
	}
	return Campaign{Name: name, Year: year, Location: m[2], Aircraft: m[3]}, nil
}

// DiscoverCampaigns lists campaign directories under root, sorted by name.
// Entries not matching the campaign grammar are skipped.
func DiscoverCampaigns(root string, filter NameFilter) ([]Campaign, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read data root: %w", err)
	}

	var campaigns []Campaign
	for _, e := range entries {
		if !e.IsDir() || !filter.Allows(e.Name()) {
			continue
		}
		c, err := ParseCampaignName(e.Name())
		if err != nil {
			continue
		}
		c.Path = filepath.Join(root, e.Name())
		campaigns = append(campaigns, c)
	}

	sort.Slice(campaigns, func(i, j int) bool { return campaigns[i].Name < campaigns[j].Name })
	return campaigns, nil
}

// DiscoverFlights lists the flights of a campaign from its primary product
// directory and records the .mat files of every product that has the flight.
func DiscoverFlights(campaignPath, primary string, extra []string, opts FlightOptions) ([]Flight, error) {
	primaryDir := filepath.Join(campaignPath, primary)
	entries, err := os.ReadDir(primaryDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoPrimaryProduct, primaryDir)
		}
		return nil, fmt.Errorf("read primary product directory: %w", err)
	}

	products := append([]string{primary}, extra...)
	campaign := filepath.Base(campaignPath)

	var flights []Flight
	for _, e := range entries {
		if !e.IsDir() || !flightPattern.MatchString(e.Name()) || !opts.Filter.Allows(e.Name()) {
			continue
		}
		date, segment, err := ParseFlightID(e.Name())
		if err != nil {
			continue
		}

		flight := Flight{
			ID:        e.Name(),
			Date:      date,
			Segment:   segment,
			Campaign:  campaign,
			DataFiles: make(map[string]map[string]string),
		}
		for _, product := range products {
			if _, seen := flight.DataFiles[product]; seen {
				continue
			}
			files, err := matFiles(filepath.Join(campaignPath, product, e.Name()))
			if err != nil {
				return nil, err
			}
			if files != nil {
				flight.DataFiles[product] = files
			}
		}
		flights = append(flights, flight)
	}

	sort.Slice(flights, func(i, j int) bool { return flights[i].ID < flights[j].ID })
	if opts.MaxFlights > 0 && len(flights) > opts.MaxFlights {
		flights = flights[:opts.MaxFlights]
	}
	return flights, nil
}

// matFiles returns filename to path for the .mat files in dir, or nil when
// dir does not exist.
func matFiles(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read product directory %s: %w", dir, err)
	}
	files := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mat") {
			continue
		}
		files[e.Name()] = filepath.Join(dir, e.Name())
	}
	return files, nil
}

// ParseFlightID splits a date_segment flight id by position.
func ParseFlightID(id string) (date string, segment int, err error) {
	if !flightPattern.MatchString(id) {
		return "", 0, fmt.Errorf("%w: %q does not match YYYYMMDD_NN", ErrInvalidFlightID, id)
	}
	parts := strings.Split(id, "_")
	segment, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrInvalidFlightID, id, err)
	}
	return parts[0], segment, nil
}

// FrameNumber parses the frame index from a filename ending in _NNN.mat.
func FrameNumber(filename string) (int, error) {
	m := framePattern.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFrameName, filename)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidFrameName, filename, err)
	}
	return n, nil
}

// ItemID returns the file stem used as the STAC item id.
func ItemID(filename string) string {
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
