// Package router resolves reads and writes against the network or the
// local mirror and queue, depending on connectivity.
package router

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
	"github.com/kimhsiao/offlinepos/internal/refcache"
	"github.com/kimhsiao/offlinepos/internal/remote"
	syncpkg "github.com/kimhsiao/offlinepos/internal/sync"
	"github.com/kimhsiao/offlinepos/internal/sync/queue"
)

// Remote is the network side the router tries first.
type Remote interface {
	remote.Searcher
	remote.Submitter
	remote.CodeLookup
}

// Options configure a Router.
type Options struct {
	Bus    *events.Bus
	Logger *logging.Logger
	Now    func() time.Time
}

// Router is the single entry point for UI reads and writes.
// None of its operations return errors; outcomes are in the results.
type Router struct {
	remote Remote
	cache  *refcache.Cache
	queue  *queue.Queue
	conn   syncpkg.Connectivity
	bus    *events.Bus
	log    *logging.Logger
	now    func() time.Time
}

// New creates a Router.
func New(r Remote, cache *refcache.Cache, q *queue.Queue, conn syncpkg.Connectivity, opts Options) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	return &Router{
		remote: r,
		cache:  cache,
		queue:  q,
		conn:   conn,
		bus:    opts.Bus,
		log:    opts.Logger.Component("router"),
		now:    opts.Now,
	}
}

func (r *Router) online() bool {
	return r.conn == nil || r.conn.IsOnline()
}

// SearchOptions narrow a product search.
type SearchOptions struct {
	Filters models.ProductFilters
	// Limit caps results; 0 means the default and negative means unlimited.
	Limit int
}

const degradedOffline = "offline"

// SearchProducts searches the server when online and the local mirror
// otherwise or when the network path fails.
func (r *Router) SearchProducts(ctx context.Context, query string, opts SearchOptions) models.ProductSearchResult {
	limit := opts.Limit
	if limit == 0 {
		limit = refcache.DefaultLimit
	}
	if !r.online() {
		res := r.cache.SearchProducts(query, opts.Filters, limit)
		res.Degraded = degradedOffline
		return res
	}

	products, err := r.remote.SearchProducts(ctx, remote.ProductQuery{
		Query:      query,
		CategoryID: opts.Filters.CategoryID,
		BrandID:    opts.Filters.BrandID,
		Limit:      max(limit, 0),
	})
	if err != nil {
		r.degraded("product search", err)
		res := r.cache.SearchProducts(query, opts.Filters, limit)
		res.Degraded = string(apperrors.CodeOf(err))
		return res
	}

	hits := make([]models.ProductHit, 0, len(products))
	for _, p := range products {
		if opts.Filters.ExcludeOutOfStock && (p.OutOfStock || p.Stock <= 0) {
			continue
		}
		hits = append(hits, models.ProductHit{CachedProduct: p})
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return models.ProductSearchResult{
		Success:   true,
		Products:  hits,
		Count:     len(hits),
		Query:     query,
		FromCache: false,
		Timestamp: r.now().UnixMilli(),
	}
}

// SearchCustomers searches customers with the same fallback rules.
func (r *Router) SearchCustomers(ctx context.Context, query string, limit int) models.CustomerSearchResult {
	if limit == 0 {
		limit = refcache.DefaultLimit
	}
	if !r.online() {
		res := r.cache.SearchCustomers(query, limit)
		res.Degraded = degradedOffline
		return res
	}

	customers, err := r.remote.SearchCustomers(ctx, query, max(limit, 0))
	if err != nil {
		r.degraded("customer search", err)
		res := r.cache.SearchCustomers(query, limit)
		res.Degraded = string(apperrors.CodeOf(err))
		return res
	}

	hits := make([]models.CustomerHit, 0, len(customers))
	for _, c := range customers {
		hits = append(hits, models.CustomerHit{CachedCustomer: c})
	}
	return models.CustomerSearchResult{
		Success:   true,
		Customers: hits,
		Count:     len(hits),
		Query:     query,
		FromCache: false,
		Timestamp: r.now().UnixMilli(),
	}
}

func (r *Router) degraded(op string, err error) {
	r.log.Warn("Network path failed, serving local mirror", map[string]interface{}{
		"operation": op,
		"code":      string(apperrors.CodeOf(err)),
		"error":     err.Error(),
	})
	if r.bus != nil {
		r.bus.Notify(events.LevelInfo, "Sin respuesta del servidor: mostrando datos guardados")
	}
}

// SubmitResult describes the outcome of a sale submission.
type SubmitResult struct {
	// Submitted is set when the server accepted the sale directly.
	Submitted bool `json:"submitted"`
	// Queued is set when the sale was recorded for later replay.
	Queued        bool   `json:"queued"`
	TransactionID string `json:"transaction_id,omitempty"`
	PendingCount  int    `json:"pending_count"`
	// Persisted is false when a queued sale is held in memory only.
	Persisted    bool    `json:"persisted"`
	CustomerName string  `json:"cliente_nombre,omitempty"`
	Total        float64 `json:"total"`
	CreatedAt    int64   `json:"created_at,omitempty"`
	Message      string  `json:"message,omitempty"`
	Error        string  `json:"error,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
}

// OK reports whether the sale is safe, either delivered or queued.
func (s SubmitResult) OK() bool {
	return s.Submitted || s.Queued
}

// Submit delivers a sale when online and queues it otherwise. A
// network failure is never surfaced as an error; the sale is queued.
func (r *Router) Submit(ctx context.Context, payload models.TransactionPayload) SubmitResult {
	payload = payload.Clone()
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		return failed(err)
	}

	if r.online() {
		body, err := payload.Body()
		if err != nil {
			return failed(err)
		}
		err = r.remote.SubmitSale(ctx, body)
		if err == nil {
			res := SubmitResult{
				Submitted:    true,
				PendingCount: r.queue.PendingCount(),
				Total:        saleTotal(payload),
				CustomerName: saleCustomer(payload),
				Message:      "Venta procesada",
			}
			r.log.Info("Sale submitted online")
			return res
		}
		r.log.Warn("Sale submission failed, queueing", map[string]interface{}{
			"code":  string(apperrors.CodeOf(err)),
			"error": err.Error(),
		})
	}

	return r.enqueue(ctx, payload)
}

func (r *Router) enqueue(ctx context.Context, payload models.TransactionPayload) SubmitResult {
	txn, err := r.queue.Enqueue(ctx, payload, models.SourceRouter)
	if txn == nil {
		// nothing was recorded
		r.notify(events.LevelError, "No se pudo guardar la venta: "+err.Error())
		return failed(err)
	}

	res := SubmitResult{
		Queued:        true,
		TransactionID: txn.ID,
		PendingCount:  r.queue.PendingCount(),
		Persisted:     err == nil,
		CustomerName:  txn.CustomerName(),
		Total:         txn.Total(),
		CreatedAt:     txn.CreatedAt,
		Message:       "Venta guardada sin conexión. Se sincronizará automáticamente.",
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorCode = string(apperrors.CodeOf(err))
		r.notify(events.LevelWarning, "Venta guardada solo en memoria; no cierre la aplicación")
	} else {
		r.notify(events.LevelInfo, fmt.Sprintf("Venta guardada sin conexión (%d pendiente(s))", res.PendingCount))
	}
	return res
}

func (r *Router) notify(level events.Level, msg string) {
	if r.bus != nil {
		r.bus.Notify(level, msg)
	}
}

func failed(err error) SubmitResult {
	return SubmitResult{
		Error:     err.Error(),
		ErrorCode: string(apperrors.CodeOf(err)),
	}
}

func saleTotal(p models.TransactionPayload) float64 {
	if p.Sale != nil {
		return p.Sale.Total
	}
	return 0
}

func saleCustomer(p models.TransactionPayload) string {
	if p.Sale != nil {
		return p.Sale.CustomerName
	}
	return ""
}

// LookupResult is the outcome of an exact-code lookup.
type LookupResult struct {
	Found     bool                  `json:"found"`
	Product   *models.CachedProduct `json:"producto,omitempty"`
	FromCache bool                  `json:"from_cache"`
	Degraded  string                `json:"degraded,omitempty"`
}

// LookupByCode finds a product by exact code, asking the server first.
// A server answer of "not found" is authoritative; transport failures
// fall back to the mirror.
func (r *Router) LookupByCode(ctx context.Context, code string) LookupResult {
	if r.online() {
		p, err := r.remote.ProductByCode(ctx, code)
		switch {
		case err == nil:
			return LookupResult{Found: true, Product: p}
		case apperrors.Is(err, apperrors.ErrNotFound):
			return LookupResult{}
		default:
			r.degraded("code lookup", err)
			res := r.lookupCache(code)
			res.Degraded = string(apperrors.CodeOf(err))
			return res
		}
	}
	res := r.lookupCache(code)
	res.Degraded = degradedOffline
	return res
}

func (r *Router) lookupCache(code string) LookupResult {
	p, ok := r.cache.ProductByCode(code)
	if !ok {
		return LookupResult{FromCache: true}
	}
	return LookupResult{Found: true, Product: &p, FromCache: true}
}
