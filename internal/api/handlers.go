package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rkm/opr-stac/internal/backend"
	"github.com/rkm/opr-stac/internal/config"
	"github.com/rkm/opr-stac/internal/stac"
	"github.com/rkm/opr-stac/pkg/geojson"
)

// Handlers contains all HTTP handlers for the STAC API.
type Handlers struct {
	cfg     *config.Config
	backend backend.SearchBackend
	baseURL string
	logger  *slog.Logger
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(cfg *config.Config, searchBackend backend.SearchBackend, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:     cfg,
		backend: searchBackend,
		baseURL: strings.TrimRight(cfg.Server.BaseURL, "/"),
		logger:  logger,
	}
}

// LandingPage returns the STAC API landing page (root catalog).
// GET /
func (h *Handlers) LandingPage(w http.ResponseWriter, r *http.Request) {
	out := h.cfg.Output
	landing := stac.NewLandingPage(out.CatalogID, out.CatalogTitle, out.CatalogDescription,
		out.STACVersion, stac.DefaultConformance())

	landing.AddLink("self", h.baseURL+"/", stac.MediaTypeJSON)
	landing.AddLink("root", h.baseURL+"/", stac.MediaTypeJSON)
	landing.AddLink("conformance", h.baseURL+"/conformance", stac.MediaTypeJSON)
	landing.AddLink("data", h.baseURL+"/collections", stac.MediaTypeJSON)
	landing.AddLink("queryables", h.baseURL+"/queryables", "application/schema+json")
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		landing.Links = append(landing.Links, &stac.Link{
			Rel:  "search",
			Href: h.baseURL + "/search",
			Type: stac.MediaTypeGeoJSON,

			AdditionalFields: map[string]any{"method": method},
		})
	}

	collections, err := h.backend.Collections(r.Context())
	if err != nil {
		h.logger.Error("failed to list collections", slog.String("error", err.Error()))
		WriteInternalError(w, "failed to list collections")
		return
	}
	for _, coll := range collections {
		landing.Links = append(landing.Links, &stac.Link{
			Rel:   "child",
			Href:  h.collectionURL(coll.Id),
			Type:  stac.MediaTypeJSON,
			Title: coll.Title,
		})
	}

	WriteJSON(w, http.StatusOK, landing)
}

// Conformance returns the conformance classes supported by this API.
// GET /conformance
func (h *Handlers) Conformance(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, &stac.Conformance{ConformsTo: stac.DefaultConformance()})
}

// Collections returns the list of all available collections.
// GET /collections
func (h *Handlers) Collections(w http.ResponseWriter, r *http.Request) {
	collections, err := h.backend.Collections(r.Context())
	if err != nil {
		h.logger.Error("failed to list collections", slog.String("error", err.Error()))
		WriteInternalError(w, "failed to list collections")
		return
	}

	out := make([]*stac.Collection, 0, len(collections))
	for _, coll := range collections {
		out = append(out, h.withCollectionLinks(coll))
	}
	response := stac.NewCollectionsList(out)
	response.Links = append(response.Links,
		&stac.Link{Rel: "self", Href: h.baseURL + "/collections", Type: stac.MediaTypeJSON},
		&stac.Link{Rel: "root", Href: h.baseURL + "/", Type: stac.MediaTypeJSON},
	)

	WriteJSON(w, http.StatusOK, response)
}

// Collection returns a single collection by ID.
// GET /collections/{collectionId}
func (h *Handlers) Collection(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionId")
	coll, err := h.backend.Collection(r.Context(), collectionID)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.withCollectionLinks(coll))
}

// Items returns items from a specific collection.
// GET /collections/{collectionId}/items
func (h *Handlers) Items(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionId")
	if _, err := h.backend.Collection(r.Context(), collectionID); err != nil {
		h.writeBackendError(w, err)
		return
	}

	searchReq, err := stac.ParseSearchRequest(r)
	if err != nil {
		WriteInvalidParameter(w, fmt.Sprintf("invalid search parameters: %v", err))
		return
	}
	searchReq.Collections = []string{collectionID}

	selfURL := h.collectionURL(collectionID) + "/items"
	h.search(w, r, searchReq, selfURL, pageParams(r.URL.Query()), collectionID)
}

// Item returns a single item by ID from a collection.
// GET /collections/{collectionId}/items/{itemId}
func (h *Handlers) Item(w http.ResponseWriter, r *http.Request) {
	collectionID := chi.URLParam(r, "collectionId")
	itemID := chi.URLParam(r, "itemId")

	item, err := h.backend.GetItem(r.Context(), collectionID, itemID)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	WriteGeoJSON(w, http.StatusOK, h.withItemLinks(item, collectionID))
}

// Search performs a cross-collection search.
// GET/POST /search
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var (
		searchReq *stac.SearchRequest
		params    url.Values
		err       error
	)
	switch r.Method {
	case http.MethodGet:
		searchReq, err = stac.ParseSearchRequest(r)
		params = pageParams(r.URL.Query())
	case http.MethodPost:
		defer r.Body.Close()
		searchReq, err = stac.ParseSearchRequestBody(r.Body)
		if err == nil {
			params = searchReq.ToQueryParams()
		}
	default:
		WriteBadRequest(w, "method not allowed")
		return
	}
	if err != nil {
		WriteInvalidParameter(w, fmt.Sprintf("invalid search request: %v", err))
		return
	}

	h.search(w, r, searchReq, h.baseURL+"/search", params, "")
}

// search runs req against the backend and writes one page of results.
// Pagination links are GET links built from params. A non-empty
// collectionID scopes the item links to that collection.
func (h *Handlers) search(w http.ResponseWriter, r *http.Request, req *stac.SearchRequest, selfURL string, params url.Values, collectionID string) {
	if err := stac.ValidateSearchRequest(req); err != nil {
		WriteInvalidParameter(w, err.Error())
		return
	}

	if req.Limit == 0 {
		req.Limit = h.cfg.Server.DefaultLimit
	}
	if req.Limit > h.cfg.Server.MaxLimit {
		req.Limit = h.cfg.Server.MaxLimit
	}

	sp, err := h.buildBackendParams(req)
	if err != nil {
		WriteInvalidParameter(w, err.Error())
		return
	}

	result, err := h.backend.Search(r.Context(), sp)
	if err != nil {
		h.logger.Error("backend search failed",
			slog.String("backend", h.backend.Name()),
			slog.String("error", err.Error()),
		)
		h.writeBackendError(w, err)
		return
	}

	features := make([]*stac.Item, 0, len(result.Items))
	for _, item := range result.Items {
		features = append(features, h.withItemLinks(item, collectionID))
	}
	ic := stac.NewItemCollection(features)
	matched := result.Matched
	ic.NumberMatched = &matched

	ic.AddLink("self", selfURL, stac.MediaTypeGeoJSON)
	ic.AddLink("root", h.baseURL+"/", stac.MediaTypeJSON)
	if collectionID != "" {
		ic.AddLink("parent", h.collectionURL(collectionID), stac.MediaTypeJSON)
		ic.AddLink("collection", h.collectionURL(collectionID), stac.MediaTypeJSON)
	}
	ic.Links = append(ic.Links, stac.BuildPaginationLinks(stac.PaginationInfo{
		BaseURL:     selfURL,
		QueryParams: params,
		Offset:      sp.Offset,
		Limit:       req.Limit,
		Matched:     result.Matched,
	})...)

	WriteGeoJSON(w, http.StatusOK, ic)
}

// Health returns the health status of the service.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": h.backend.Name(),
	})
}

// buildBackendParams converts a STAC SearchRequest to backend.SearchParams.
func (h *Handlers) buildBackendParams(req *stac.SearchRequest) (*backend.SearchParams, error) {
	params := &backend.SearchParams{
		Collections: req.Collections,
		IDs:         req.IDs,
		BBox:        req.BBox,
		Limit:       req.Limit,
	}

	if len(req.Intersects) > 0 {
		g, err := geojson.FromAny(req.Intersects)
		if err != nil {
			return nil, fmt.Errorf("invalid intersects: %w", err)
		}
		params.Intersects = g
	}

	if req.DateTime != "" {
		start, end, err := stac.ParseDatetimeInterval(req.DateTime)
		if err != nil {
			return nil, fmt.Errorf("invalid datetime: %w", err)
		}
		params.Start, params.End = start, end
	}

	offset, err := stac.DecodeToken(req.Token)
	if err != nil {
		return nil, err
	}
	params.Offset = offset

	filter, err := backend.CompileFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	params.Filter = filter
	return params, nil
}

func (h *Handlers) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrCollectionNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, backend.ErrItemNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, backend.ErrUnsupportedFilter):
		WriteInvalidParameter(w, err.Error())
	default:
		WriteInternalError(w, "search failed")
	}
}

func (h *Handlers) collectionURL(id string) string {
	return h.baseURL + "/collections/" + url.PathEscape(id)
}

// withCollectionLinks returns a copy of coll with API links in place of
// the catalog's relative file links.
func (h *Handlers) withCollectionLinks(coll *stac.Collection) *stac.Collection {
	c := *coll
	self := h.collectionURL(coll.Id)
	c.Links = []*stac.Link{
		{Rel: "self", Href: self, Type: stac.MediaTypeJSON},
		{Rel: "root", Href: h.baseURL + "/", Type: stac.MediaTypeJSON},
		{Rel: "parent", Href: h.baseURL + "/", Type: stac.MediaTypeJSON},
		{Rel: "items", Href: self + "/items", Type: stac.MediaTypeGeoJSON, Title: "Items"},
	}
	return &c
}

// withItemLinks returns a copy of item with API links under collectionID,
// or under the item's own collection when collectionID is empty.
func (h *Handlers) withItemLinks(item *stac.Item, collectionID string) *stac.Item {
	it := *item
	if collectionID == "" {
		collectionID = item.Collection
	}
	coll := h.collectionURL(collectionID)
	it.Links = []*stac.Link{
		{Rel: "self", Href: coll + "/items/" + url.PathEscape(item.Id), Type: stac.MediaTypeGeoJSON},
		{Rel: "root", Href: h.baseURL + "/", Type: stac.MediaTypeJSON},
		{Rel: "parent", Href: coll, Type: stac.MediaTypeJSON},
		{Rel: "collection", Href: coll, Type: stac.MediaTypeJSON},
	}
	return &it
}

// pageParams drops the parameters the pagination link builder sets itself.
func pageParams(q url.Values) url.Values {
	out := url.Values{}
	for key, values := range q {
		if key == "token" || key == "limit" {
			continue
		}
		out[key] = values
	}
	return out
}
