package stac

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gostac "github.com/planetlabs/go-stac"
)

// ErrInvalidItem is returned by ValidateItem.
var ErrInvalidItem = errors.New("invalid item")

// ValidateSearchRequest validates a STAC search request
func ValidateSearchRequest(req *SearchRequest) error {
	if req == nil {
		return fmt.Errorf("search request cannot be nil")
	}

	if len(req.BBox) > 0 {
		if err := ValidateBBox(req.BBox); err != nil {
			return fmt.Errorf("invalid bbox: %w", err)
		}
	}

	if req.DateTime != "" {
		if _, _, err := ParseDatetimeInterval(req.DateTime); err != nil {
			return fmt.Errorf("invalid datetime: %w", err)
		}
	}

	if len(req.BBox) > 0 && len(req.Intersects) > 0 {
		return fmt.Errorf("cannot specify both bbox and intersects")
	}

	if req.Limit < 0 {
		return fmt.Errorf("limit must be non-negative, got %d", req.Limit)
	}

	for i, coll := range req.Collections {
		if strings.TrimSpace(coll) == "" {
			return fmt.Errorf("collection at index %d cannot be empty", i)
		}
	}
	for i, id := range req.IDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("id at index %d cannot be empty", i)
		}
	}

	return nil
}

// ValidateBBox validates a 2D [west, south, east, north] or 3D
// [west, south, min_elev, east, north, max_elev] bounding box.
func ValidateBBox(bbox []float64) error {
	var west, south, east, north float64
	switch len(bbox) {
	case 4:
		west, south, east, north = bbox[0], bbox[1], bbox[2], bbox[3]
	case 6:
		west, south, east, north = bbox[0], bbox[1], bbox[3], bbox[4]
		if bbox[2] > bbox[5] {
			return fmt.Errorf("minimum elevation (%f) must be less than or equal to maximum elevation (%f)", bbox[2], bbox[5])
		}
	default:
		return fmt.Errorf("bbox must have 4 or 6 coordinates, got %d", len(bbox))
	}

	for _, lon := range []float64{west, east} {
		if lon < -180 || lon > 180 {
			return fmt.Errorf("longitude must be between -180 and 180, got %f", lon)
		}
	}
	for _, lat := range []float64{south, north} {
		if lat < -90 || lat > 90 {
			return fmt.Errorf("latitude must be between -90 and 90, got %f", lat)
		}
	}
	if west > east {
		return fmt.Errorf("west longitude (%f) must be less than or equal to east longitude (%f)", west, east)
	}
	if south > north {
		return fmt.Errorf("south latitude (%f) must be less than or equal to north latitude (%f)", south, north)
	}
	return nil
}

// BBox2D drops the elevation members of a 3D bbox.
func BBox2D(bbox []float64) []float64 {
	if len(bbox) == 6 {
		return []float64{bbox[0], bbox[1], bbox[3], bbox[4]}
	}
	return bbox
}

// ParseDatetimeInterval parses a STAC datetime parameter into start and end
// times. Supported forms:
//   - "2016-10-14T00:00:00Z" (instant, start == end)
//   - "2016-10-01T00:00:00Z/2016-10-31T23:59:59Z" (closed interval)
//   - "2016-10-01T00:00:00Z/.." (start only)
//   - "../2016-10-31T23:59:59Z" (end only)
//   - ".." or "../.." (open interval, both nil)
func ParseDatetimeInterval(dt string) (start, end *time.Time, err error) {
	if dt == "" {
		return nil, nil, fmt.Errorf("datetime cannot be empty")
	}
	if dt == ".." || dt == "../.." {
		return nil, nil, nil
	}

	if !strings.Contains(dt, "/") {
		t, err := time.Parse(time.RFC3339, dt)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid datetime format, expected RFC 3339: %w", err)
		}
		return &t, &t, nil
	}

	parts := strings.Split(dt, "/")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid datetime interval format, expected 'start/end', got: %s", dt)
	}

	parse := func(s, which string) (*time.Time, error) {
		s = strings.TrimSpace(s)
		if s == "" || s == ".." {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("invalid %s datetime: %w", which, err)
		}
		return &t, nil
	}
	if start, err = parse(parts[0], "start"); err != nil {
		return nil, nil, err
	}
	if end, err = parse(parts[1], "end"); err != nil {
		return nil, nil, err
	}

	if start != nil && end != nil && start.After(*end) {
		return nil, nil, fmt.Errorf("start datetime (%s) must be before or equal to end datetime (%s)", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}

// ValidateItem checks the fields every catalog item must carry: id,
// geometry, bbox and datetime.
func ValidateItem(item *gostac.Item) error {
	if item == nil {
		return fmt.Errorf("%w: nil item", ErrInvalidItem)
	}
	var missing []string
	if item.Id == "" {
		missing = append(missing, "id")
	}
	if item.Geometry == nil {
		missing = append(missing, "geometry")
	}
	if len(item.Bbox) < 4 {
		missing = append(missing, "bbox")
	}
	if _, ok := ItemDatetime(item); !ok {
		missing = append(missing, "datetime")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w %q: missing %s", ErrInvalidItem, item.Id, strings.Join(missing, ", "))
	}
	return nil
}
