// Package access queries a STAC API for radar frames and loads the frame
// files they reference through a local cache.
package access

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rkm/opr-stac/internal/stac"
)

// ErrNotFound is returned for a collection the API does not have.
var ErrNotFound = errors.New("not found")

const userAgent = "oprstac/1.0"

// Client talks to a STAC API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger for the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Search posts req to /search and returns one page of results.
func (c *Client) Search(ctx context.Context, req *stac.SearchRequest) (*stac.ItemCollection, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search: %w", err)
	}
	c.logger.DebugContext(ctx, "executing STAC search", slog.String("body", string(body)))

	var page stac.ItemCollection
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Next fetches the page behind a "next" link href.
func (c *Client) Next(ctx context.Context, href string) (*stac.ItemCollection, error) {
	u, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("invalid next link %q: %w", href, err)
	}
	if !u.IsAbs() {
		base, err := url.Parse(c.baseURL + "/")
		if err != nil {
			return nil, err
		}
		u = base.ResolveReference(u)
	}

	var page stac.ItemCollection
	if err := c.do(ctx, http.MethodGet, u.String(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListCollections returns every collection the API serves.
func (c *Client) ListCollections(ctx context.Context) ([]*stac.Collection, error) {
	var list stac.CollectionsList
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/collections", nil, &list); err != nil {
		return nil, err
	}
	return list.Collections, nil
}

// GetCollection returns one collection by id.
func (c *Client) GetCollection(ctx context.Context, id string) (*stac.Collection, error) {
	var coll stac.Collection
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/collections/"+url.PathEscape(id), nil, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "STAC API request failed",
			slog.String("error", err.Error()),
			slog.String("url", target),
		)
		return fmt.Errorf("STAC API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", target, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.ErrorContext(ctx, "STAC API returned non-200 status",
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", string(msg)),
		)
		return fmt.Errorf("STAC API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode STAC API response: %w", err)
	}
	return nil
}
