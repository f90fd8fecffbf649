// Package server provides a public API for embedding the radar catalog
// STAC API in another application.
package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/rkm/opr-stac/internal/api"
	"github.com/rkm/opr-stac/internal/backend"
	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/observability"
)

// ErrNoCatalogDir is returned by New when Options.CatalogDir is empty.
var ErrNoCatalogDir = errors.New("catalog directory is required")

// Options configures the catalog server.
type Options struct {
	// CatalogDir holds a built catalog: Parquet collection files, or a
	// catalog.json tree (required).
	CatalogDir string

	// BaseURL is the public-facing URL for self-referential links.
	// Default: "http://localhost:8080"
	BaseURL string

	// CatalogID, Title and Description describe the landing page.
	// Defaults come from the OPR_OUTPUT_* environment.
	CatalogID   string
	Title       string
	Description string

	// DefaultLimit is the default number of items per page.
	// Default: 10
	DefaultLimit int

	// MaxLimit is the maximum number of items per page.
	// Default: 250
	MaxLimit int

	// Metrics, when set, counts requests and serves /metrics.
	Metrics *observability.Metrics

	// Logger is the slog logger to use.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Server is a read-only STAC API over a built catalog.
type Server struct {
	router  chi.Router
	backend *backend.CatalogBackend
}

// New loads the catalog in opts.CatalogDir and builds the router.
func New(opts Options) (*Server, error) {
	if opts.CatalogDir == "" {
		return nil, ErrNoCatalogDir
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg, err := config.Defaults()
	if err != nil {
		return nil, err
	}
	if opts.BaseURL != "" {
		cfg.Server.BaseURL = opts.BaseURL
	}
	if opts.CatalogID != "" {
		cfg.Output.CatalogID = opts.CatalogID
	}
	if opts.Title != "" {
		cfg.Output.CatalogTitle = opts.Title
	}
	if opts.Description != "" {
		cfg.Output.CatalogDescription = opts.Description
	}
	if opts.DefaultLimit > 0 {
		cfg.Server.DefaultLimit = opts.DefaultLimit
	}
	if opts.MaxLimit > 0 {
		cfg.Server.MaxLimit = opts.MaxLimit
	}
	return NewFromConfig(cfg, opts.CatalogDir, opts.Logger, opts.Metrics)
}

// NewFromConfig is New for callers that already hold a loaded Config.
func NewFromConfig(cfg *config.Config, catalogDir string, logger *slog.Logger, metrics *observability.Metrics) (*Server, error) {
	if catalogDir == "" {
		return nil, ErrNoCatalogDir
	}
	if cfg.Server.MaxLimit < cfg.Server.DefaultLimit {
		return nil, fmt.Errorf("%w: max limit (%d) must be >= default limit (%d)",
			config.ErrInvalidConfig, cfg.Server.MaxLimit, cfg.Server.DefaultLimit)
	}

	b, err := backend.Open(catalogDir, logger.With(slog.String("dir", catalogDir)))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	handlers := api.NewHandlers(cfg, b, logger)
	return &Server{
		router:  api.NewRouter(handlers, logger, metrics),
		backend: b,
	}, nil
}

// Router returns the chi.Router for mounting in another application.
func (s *Server) Router() chi.Router {
	return s.router
}

// Backend reports which catalog format is being served.
func (s *Server) Backend() string {
	return s.backend.Name()
}
