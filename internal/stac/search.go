package stac

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// SearchRequest represents a STAC item search.
// Item properties such as opr:date and opr:segment are matched through a
// CQL2-JSON filter.
type SearchRequest struct {
	BBox        []float64       `json:"bbox,omitempty"`
	DateTime    string          `json:"datetime,omitempty"`
	Intersects  json.RawMessage `json:"intersects,omitempty"`
	IDs         []string        `json:"ids,omitempty"`
	Collections []string        `json:"collections,omitempty"`
	Limit       int             `json:"limit,omitempty"`

	// Token is the opaque offset token of a "next" link.
	Token string `json:"token,omitempty"`

	Filter     any    `json:"filter,omitempty"`
	FilterLang string `json:"filter-lang,omitempty"`
}

// ParseSearchRequest parses a STAC search request from GET query parameters
func ParseSearchRequest(r *http.Request) (*SearchRequest, error) {
	query := r.URL.Query()
	req := &SearchRequest{
		DateTime:   query.Get("datetime"),
		Token:      query.Get("token"),
		FilterLang: query.Get("filter-lang"),
	}

	if bboxStr := query.Get("bbox"); bboxStr != "" {
		bbox, err := ParseBBox(bboxStr)
		if err != nil {
			return nil, err
		}
		req.BBox = bbox
	}

	if intersects := query.Get("intersects"); intersects != "" {
		if !json.Valid([]byte(intersects)) {
			return nil, fmt.Errorf("intersects must be valid GeoJSON geometry")
		}
		req.Intersects = json.RawMessage(intersects)
	}

	req.IDs = splitList(query.Get("ids"))
	req.Collections = splitList(query.Get("collections"))

	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		if limit < 0 {
			return nil, fmt.Errorf("limit must be non-negative, got %d", limit)
		}
		req.Limit = limit
	}

	if filter := query.Get("filter"); filter != "" {
		if req.FilterLang != "" && req.FilterLang != "cql2-json" {
			return nil, fmt.Errorf("unsupported filter-lang %q, only cql2-json is accepted", req.FilterLang)
		}
		var filterObj any
		if err := json.Unmarshal([]byte(filter), &filterObj); err != nil {
			return nil, fmt.Errorf("filter is not valid CQL2-JSON: %w", err)
		}
		req.Filter = filterObj
	}

	return req, nil
}

// ParseBBox parses a comma-separated bbox of 4 or 6 numbers.
func ParseBBox(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 6 {
		return nil, fmt.Errorf("bbox must have 4 or 6 coordinates, got %d", len(parts))
	}
	bbox := make([]float64, len(parts))
	for i, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate at position %d: %w", i, err)
		}
		bbox[i] = val
	}
	return bbox, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	out := strings.Split(s, ",")
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

// ParseSearchRequestBody parses a STAC search request from POST JSON body
func ParseSearchRequestBody(body io.Reader) (*SearchRequest, error) {
	var req SearchRequest

	decoder := json.NewDecoder(body)
	if err := decoder.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to parse search request body: %w", err)
	}
	if req.FilterLang != "" && req.FilterLang != "cql2-json" {
		return nil, fmt.Errorf("unsupported filter-lang %q, only cql2-json is accepted", req.FilterLang)
	}

	return &req, nil
}

// ToQueryParams converts a SearchRequest to URL query parameters, so that
// pagination links of POST searches can be followed with GET.
// Limit and token are left to the link builder.
func (req *SearchRequest) ToQueryParams() url.Values {
	params := url.Values{}

	if len(req.BBox) >= 4 {
		bboxStrs := make([]string, len(req.BBox))
		for i, v := range req.BBox {
			bboxStrs[i] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		params.Set("bbox", strings.Join(bboxStrs, ","))
	}
	if req.DateTime != "" {
		params.Set("datetime", req.DateTime)
	}
	if len(req.Intersects) > 0 {
		params.Set("intersects", string(req.Intersects))
	}
	if len(req.IDs) > 0 {
		params.Set("ids", strings.Join(req.IDs, ","))
	}
	if len(req.Collections) > 0 {
		params.Set("collections", strings.Join(req.Collections, ","))
	}
	if req.Filter != nil {
		filterBytes, err := json.Marshal(req.Filter)
		if err == nil && string(filterBytes) != "null" {
			params.Set("filter", string(filterBytes))
			params.Set("filter-lang", "cql2-json")
		}
	}

	return params
}
