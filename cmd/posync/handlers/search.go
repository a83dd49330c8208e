package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/offlinepos/internal/router"
)

const maxLimit = 100

// SearchHandler serves product and customer lookups through the router.
type SearchHandler struct {
	router *router.Router
}

// NewSearchHandler creates a new SearchHandler.
func NewSearchHandler(rt *router.Router) *SearchHandler {
	return &SearchHandler{router: rt}
}

func limitParam(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > maxLimit {
		return 0
	}
	return limit
}

func queryParam(r *http.Request, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(r.URL.Query().Get(n)); v != "" {
			return v
		}
	}
	return ""
}

// Products handles GET /local/products/search
// Params: q, limit, categoria, marca, sin_agotados.
func (h *SearchHandler) Products(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := router.SearchOptions{Limit: limitParam(r)}
	if v, err := strconv.ParseInt(q.Get("categoria"), 10, 64); err == nil {
		opts.Filters.CategoryID = v
	}
	if v, err := strconv.ParseInt(q.Get("marca"), 10, 64); err == nil {
		opts.Filters.BrandID = v
	}
	opts.Filters.ExcludeOutOfStock, _ = strconv.ParseBool(q.Get("sin_agotados"))

	writeJSON(w, http.StatusOK, h.router.SearchProducts(r.Context(), queryParam(r, "q"), opts))
}

// Customers handles GET /local/customers/search
func (h *SearchHandler) Customers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.SearchCustomers(r.Context(), queryParam(r, "q", "search"), limitParam(r)))
}

// ProductByCode handles GET /local/products/code/{code}
func (h *SearchHandler) ProductByCode(w http.ResponseWriter, r *http.Request) {
	res := h.router.LookupByCode(r.Context(), chi.URLParam(r, "code"))
	status := http.StatusOK
	if !res.Found {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}
