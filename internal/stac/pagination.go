package stac

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// pageToken is the decoded form of a "token" query parameter.
type pageToken struct {
	Offset int `json:"o"`
}

// EncodeToken encodes a result offset as an opaque URL-safe token.
func EncodeToken(offset int) string {
	data, err := json.Marshal(pageToken{Offset: offset})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken returns the offset held by token. The empty token is offset 0.
func DecodeToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid pagination token: %w", err)
	}
	var t pageToken
	if err := json.Unmarshal(data, &t); err != nil {
		return 0, fmt.Errorf("invalid pagination token: %w", err)
	}
	if t.Offset < 0 {
		return 0, fmt.Errorf("invalid pagination token: negative offset %d", t.Offset)
	}
	return t.Offset, nil
}

// PaginationInfo holds information needed to generate pagination links
type PaginationInfo struct {
	BaseURL     string
	QueryParams url.Values // Original query parameters
	Offset      int
	Limit       int
	Matched     int
}

// BuildPaginationLinks generates next and prev links for an offset page.
func BuildPaginationLinks(info PaginationInfo) []*Link {
	links := make([]*Link, 0, 2)
	if info.Limit <= 0 {
		return links
	}

	if info.Offset > 0 {
		prev := info.Offset - info.Limit
		if prev < 0 {
			prev = 0
		}
		links = append(links, &Link{
			Rel:  "prev",
			Href: buildPageURL(info.BaseURL, info.QueryParams, prev, info.Limit),
			Type: MediaTypeGeoJSON,
		})
	}

	if next := info.Offset + info.Limit; next < info.Matched {
		links = append(links, &Link{
			Rel:  "next",
			Href: buildPageURL(info.BaseURL, info.QueryParams, next, info.Limit),
			Type: MediaTypeGeoJSON,
		})
	}

	return links
}

// buildPageURL constructs a URL for the page starting at offset
func buildPageURL(baseURL string, params url.Values, offset, limit int) string {
	// Clone the params to avoid modifying the original
	newParams := url.Values{}
	for key, values := range params {
		for _, value := range values {
			newParams.Add(key, value)
		}
	}

	newParams.Set("limit", strconv.Itoa(limit))
	if offset > 0 {
		newParams.Set("token", EncodeToken(offset))
	} else {
		newParams.Del("token")
	}
	return baseURL + "?" + newParams.Encode()
}
