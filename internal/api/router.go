package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rkm/opr-stac/internal/catalog"
	"github.com/rkm/opr-stac/internal/observability"
)

// NewRouter creates the router with all routes and middleware. A nil
// metrics disables request counting and the /metrics endpoint.
func NewRouter(h *Handlers, logger *slog.Logger, metrics *observability.Metrics) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestIDResponse)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	if metrics != nil {
		r.Use(RequestMetrics(metrics))
	}
	r.Use(Recovery(logger))
	r.Use(middleware.Compress(5))
	r.Use(ContentTypeJSON)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length"},
		ExposedHeaders:   []string{"Link", RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/", h.LandingPage)
	r.Get("/conformance", h.Conformance)

	r.Get("/collections", h.Collections)
	r.Get("/collections/{collectionId}", h.Collection)
	r.Get("/collections/{collectionId}/items", h.Items)
	r.Get("/collections/{collectionId}/items/{itemId}", h.Item)

	r.Get("/search", h.Search)
	r.Post("/search", h.Search)

	r.Get("/queryables", h.Queryables)
	r.Get("/collections/{collectionId}/queryables", h.Queryables)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
	})

	return r
}

// Queryables returns the queryable properties of the catalog's items.
// GET /queryables
// GET /collections/{collectionId}/queryables
func (h *Handlers) Queryables(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionId")

	title := "Queryables for " + h.cfg.Output.CatalogID
	id := h.baseURL + "/queryables"
	var extra map[string]any
	if collectionID != "" {
		coll, err := h.backend.Collection(r.Context(), collectionID)
		if err != nil {
			h.writeBackendError(w, err)
			return
		}
		title = "Queryables for " + collectionID
		id = h.collectionURL(collectionID) + "/queryables"
		extra = coll.Extra
	}

	properties := map[string]any{
		"id": map[string]any{
			"description": "Item identifier, Data_YYYYMMDD_SS_FFF",
			"type":        "string",
		},
		"collection": map[string]any{
			"description": "Collection identifier",
			"type":        "string",
		},
		"datetime": map[string]any{
			"description": "Acquisition time of the frame's first sample",
			"type":        "string",
			"format":      "date-time",
		},
		catalog.PropDate: map[string]any{
			"description": "Flight date, YYYYMMDD",
			"type":        "string",
		},
		catalog.PropSegment: map[string]any{
			"description": "Flight segment number within the day",
			"type":        "integer",
		},
		catalog.PropFrame: map[string]any{
			"description": "Frame number within the segment",
			"type":        "integer",
		},
		catalog.PropFrequency: map[string]any{
			"description": "Radar center frequency in Hz",
			"type":        "number",
		},
		catalog.PropBandwidth: map[string]any{
			"description": "Radar bandwidth in Hz",
			"type":        "number",
		},
		catalog.PropDOI: map[string]any{
			"description": "Dataset DOI",
			"type":        "string",
		},
	}

	// Values uniform across a collection are advertised as a one-value enum.
	for name, v := range extra {
		prop, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		switch v.(type) {
		case string, float64, int, int64:
			prop["enum"] = []any{v}
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"$schema":              "https://json-schema.org/draft/2019-09/schema",
		"$id":                  id,
		"type":                 "object",
		"title":                title,
		"description":          "Queryable properties for STAC API search",
		"properties":           properties,
		"additionalProperties": true,
	})
}
