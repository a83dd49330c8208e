// Package refcache maintains the local mirror of server reference data.
package refcache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/offlinepos/internal/db"
	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
	"github.com/kimhsiao/offlinepos/internal/remote"
)

// DefaultThreshold is the minimum time between refreshes of one type.
const DefaultThreshold = 30 * time.Minute

// DefaultLimit caps search results when no limit is given.
const DefaultLimit = 20

// Options configure a Cache.
type Options struct {
	Threshold time.Duration
	Now       func() time.Time
	Logger    *logging.Logger
}

// RefreshResult describes one refresh attempt. Failures are reported
// here rather than returned as errors.
type RefreshResult struct {
	Type           models.EntityType        `json:"type"`
	OK             bool                     `json:"ok"`
	Skipped        bool                     `json:"skipped,omitempty"`
	Count          int                      `json:"count"`
	Persisted      bool                     `json:"persisted"`
	CacheTimestamp int64                    `json:"cache_timestamp,omitempty"`
	Metadata       *models.SnapshotMetadata `json:"metadata,omitempty"`
	Err            error                    `json:"-"`
	Error          string                   `json:"error,omitempty"`
}

// productMirror is one installed catalog generation with its search keys.
type productMirror struct {
	items []models.CachedProduct
	keys  []string
	byID  map[int64]int
}

type customerMirror struct {
	items []models.CachedCustomer
	keys  []string
}

// Cache mirrors products and customers in memory and in the store.
// Each type is replaced as a whole; readers see one generation.
type Cache struct {
	store     db.Store
	fetcher   remote.SnapshotFetcher
	bus       *events.Bus
	log       *logging.Logger
	now       func() time.Time
	threshold time.Duration
	group     singleflight.Group

	mu         sync.RWMutex
	products   *productMirror
	customers  *customerMirror
	metadata   *models.SnapshotMetadata
	lastUpdate map[models.EntityType]time.Time
}

// New creates an empty cache. Call Load to restore the persisted mirror.
func New(store db.Store, fetcher remote.SnapshotFetcher, bus *events.Bus, opts Options) *Cache {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	return &Cache{
		store:      store,
		fetcher:    fetcher,
		bus:        bus,
		log:        opts.Logger.Component("refcache"),
		now:        opts.Now,
		threshold:  opts.Threshold,
		products:   buildProductMirror(nil),
		customers:  buildCustomerMirror(nil),
		lastUpdate: make(map[models.EntityType]time.Time),
	}
}

func productKey(p *models.CachedProduct) string {
	text := p.SearchableText
	if strings.TrimSpace(text) == "" {
		text = strings.Join([]string{p.MainCode, p.AuxCode, p.Name, p.Description}, " ")
	}
	return Normalize(text)
}

func customerKey(c *models.CachedCustomer) string {
	return Normalize(strings.Join([]string{c.Name, c.IdentityDoc, c.SearchableText}, " "))
}

func buildProductMirror(items []models.CachedProduct) *productMirror {
	m := &productMirror{
		items: items,
		keys:  make([]string, len(items)),
		byID:  make(map[int64]int, len(items)),
	}
	for i := range items {
		m.keys[i] = productKey(&items[i])
		m.byID[items[i].ID] = i
	}
	return m
}

func buildCustomerMirror(items []models.CachedCustomer) *customerMirror {
	m := &customerMirror{items: items, keys: make([]string, len(items))}
	for i := range items {
		m.keys[i] = customerKey(&items[i])
	}
	return m
}

// dedupeProducts keeps the first position and the last value of a repeated id,
// matching Store.ClearAndReplace.
func dedupeProducts(in []models.CachedProduct) []models.CachedProduct {
	seen := make(map[int64]int, len(in))
	out := make([]models.CachedProduct, 0, len(in))
	for _, p := range in {
		if i, ok := seen[p.ID]; ok {
			out[i] = p
			continue
		}
		seen[p.ID] = len(out)
		out = append(out, p)
	}
	return out
}

func dedupeCustomers(in []models.CachedCustomer) []models.CachedCustomer {
	seen := make(map[int64]int, len(in))
	out := make([]models.CachedCustomer, 0, len(in))
	for _, c := range in {
		if i, ok := seen[c.ID]; ok {
			out[i] = c
			continue
		}
		seen[c.ID] = len(out)
		out = append(out, c)
	}
	return out
}

// Refresh installs a fresh snapshot of t. Overlapping calls for the
// same type share one fetch.
func (c *Cache) Refresh(ctx context.Context, t models.EntityType) RefreshResult {
	if !t.Valid() {
		err := apperrors.New(apperrors.ErrInvalid, "unknown entity type: "+string(t))
		return RefreshResult{Type: t, Err: err, Error: err.Error()}
	}
	// the shared fetch outlives any single caller; the remote client
	// bounds each request with its own timeout
	ch := c.group.DoChan(string(t), func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx), t), nil
	})
	select {
	case res := <-ch:
		return res.Val.(RefreshResult)
	case <-ctx.Done():
		err := apperrors.Wrap(apperrors.ErrNetwork, "refresh abandoned by caller", ctx.Err())
		return RefreshResult{Type: t, Err: err, Error: err.Error()}
	}
}

// RefreshIfStale refreshes t only when the last refresh is at least
// the threshold old.
func (c *Cache) RefreshIfStale(ctx context.Context, t models.EntityType) RefreshResult {
	if !c.Stale(t) {
		return RefreshResult{Type: t, OK: true, Skipped: true, Count: c.count(t)}
	}
	return c.Refresh(ctx, t)
}

// Stale reports whether t is due for a refresh.
func (c *Cache) Stale(t models.EntityType) bool {
	c.mu.RLock()
	last, ok := c.lastUpdate[t]
	c.mu.RUnlock()
	return !ok || c.now().Sub(last) >= c.threshold
}

// LastUpdate returns when t was last refreshed, or the zero time.
func (c *Cache) LastUpdate(t models.EntityType) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate[t]
}

func (c *Cache) count(t models.EntityType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t == models.EntityCustomers {
		return len(c.customers.items)
	}
	return len(c.products.items)
}

func (c *Cache) refresh(ctx context.Context, t models.EntityType) RefreshResult {
	started := c.now()
	switch t {
	case models.EntityCustomers:
		return c.refreshCustomers(ctx, started)
	default:
		return c.refreshProducts(ctx, started)
	}
}

func (c *Cache) fail(t models.EntityType, err error) RefreshResult {
	c.log.Warn("Reference data refresh failed, keeping previous mirror", map[string]interface{}{
		"type":  string(t),
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
	if c.bus != nil {
		c.bus.Notify(events.LevelWarning, fmt.Sprintf("No se pudo actualizar %s; se usa la copia local", label(t)))
	}
	return RefreshResult{Type: t, Err: err, Error: err.Error()}
}

func label(t models.EntityType) string {
	if t == models.EntityCustomers {
		return "clientes"
	}
	return "productos"
}

func (c *Cache) refreshProducts(ctx context.Context, started time.Time) RefreshResult {
	t := models.EntityProducts
	snap, err := c.fetcher.FetchProductSnapshot(ctx, started)
	if err != nil {
		return c.fail(t, err)
	}

	ts := started.UnixMilli()
	marker := snap.Metadata.Marker()
	items := dedupeProducts(snap.Products)
	recs := make([]db.Record, 0, len(items))
	for i := range items {
		items[i].CacheTimestamp = ts
		items[i].CacheMetadata = marker
		rec, err := db.Encode(items[i].Key(), &items[i])
		if err != nil {
			return c.fail(t, err)
		}
		recs = append(recs, rec)
	}

	persisted := c.persist(ctx, db.CollectionProducts, recs, t, ts)
	if snap.Metadata != nil {
		if err := db.PutAs(ctx, c.store, db.CollectionAppState, models.StateProductsMetadata, models.AppStateEntry{
			Name: models.StateProductsMetadata, Value: snap.Metadata, UpdatedAt: ts,
		}); err != nil {
			c.log.Warn("Failed to persist snapshot metadata", map[string]interface{}{"error": err.Error()})
		}
	}

	mirror := buildProductMirror(items)
	c.mu.Lock()
	c.products = mirror
	c.metadata = snap.Metadata
	c.lastUpdate[t] = started
	c.mu.Unlock()

	return c.installed(t, len(items), ts, snap.Metadata, persisted)
}

func (c *Cache) refreshCustomers(ctx context.Context, started time.Time) RefreshResult {
	t := models.EntityCustomers
	snap, err := c.fetcher.FetchCustomerSnapshot(ctx)
	if err != nil {
		return c.fail(t, err)
	}

	ts := started.UnixMilli()
	marker := fmt.Sprintf("customers-%d", ts)
	items := dedupeCustomers(snap.Customers)
	recs := make([]db.Record, 0, len(items))
	for i := range items {
		items[i].CacheTimestamp = ts
		items[i].CacheMetadata = marker
		rec, err := db.Encode(items[i].Key(), &items[i])
		if err != nil {
			return c.fail(t, err)
		}
		recs = append(recs, rec)
	}

	persisted := c.persist(ctx, db.CollectionCustomers, recs, t, ts)

	mirror := buildCustomerMirror(items)
	c.mu.Lock()
	c.customers = mirror
	c.lastUpdate[t] = started
	c.mu.Unlock()

	return c.installed(t, len(items), ts, nil, persisted)
}

// persist replaces the stored collection and records the refresh time.
// A storage failure leaves the session running on the memory mirror.
func (c *Cache) persist(ctx context.Context, collection string, recs []db.Record, t models.EntityType, ts int64) bool {
	if err := c.store.ClearAndReplace(ctx, collection, recs); err != nil {
		c.log.Error("Failed to persist reference data, continuing in memory", err, map[string]interface{}{
			"type": string(t),
		})
		return false
	}
	key := models.LastUpdateKey(t)
	if err := db.PutAs(ctx, c.store, db.CollectionAppState, key, models.AppStateEntry{
		Name: key, Value: ts, UpdatedAt: ts,
	}); err != nil {
		c.log.Error("Failed to persist refresh time", err, map[string]interface{}{"type": string(t)})
		return false
	}
	return true
}

func (c *Cache) installed(t models.EntityType, count int, ts int64, meta *models.SnapshotMetadata, persisted bool) RefreshResult {
	c.log.Info("Reference data refreshed", map[string]interface{}{
		"type":      string(t),
		"count":     count,
		"version":   meta.Marker(),
		"persisted": persisted,
	})
	if c.bus != nil {
		c.bus.ReferenceData.Publish(events.ReferenceDataUpdated{
			Type:     t,
			Count:    count,
			Metadata: meta,
			At:       time.UnixMilli(ts),
		})
		c.bus.Notify(events.LevelSuccess, fmt.Sprintf("Cache de %s actualizado: %d registros", label(t), count))
	}
	return RefreshResult{
		Type:           t,
		OK:             true,
		Count:          count,
		Persisted:      persisted,
		CacheTimestamp: ts,
		Metadata:       meta,
	}
}

type stateValue[T any] struct {
	Name      string `json:"name"`
	Value     T      `json:"value"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Load restores mirrors and refresh times from the store.
func (c *Cache) Load(ctx context.Context) error {
	prodRecs, err := c.store.GetAll(ctx, db.CollectionProducts)
	if err != nil {
		return err
	}
	products, err := db.DecodeAll[models.CachedProduct](prodRecs)
	if err != nil {
		return err
	}
	custRecs, err := c.store.GetAll(ctx, db.CollectionCustomers)
	if err != nil {
		return err
	}
	customers, err := db.DecodeAll[models.CachedCustomer](custRecs)
	if err != nil {
		return err
	}

	last := make(map[models.EntityType]time.Time)
	for _, t := range models.EntityTypes {
		entry, err := db.GetAs[stateValue[int64]](ctx, c.store, db.CollectionAppState, models.LastUpdateKey(t))
		if err == nil && entry.Value > 0 {
			last[t] = time.UnixMilli(entry.Value)
		} else if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
	}

	var meta *models.SnapshotMetadata
	if entry, err := db.GetAs[stateValue[*models.SnapshotMetadata]](ctx, c.store, db.CollectionAppState, models.StateProductsMetadata); err == nil {
		meta = entry.Value
	}

	pm := buildProductMirror(products)
	cm := buildCustomerMirror(customers)
	c.mu.Lock()
	c.products = pm
	c.customers = cm
	c.metadata = meta
	c.lastUpdate = last
	c.mu.Unlock()

	c.log.Info("Reference data loaded", map[string]interface{}{
		"products":  len(products),
		"customers": len(customers),
	})
	return nil
}

// Invalidate forgets the refresh time of t so the next RefreshIfStale
// fetches immediately. The mirror itself stays servable.
func (c *Cache) Invalidate(ctx context.Context, t models.EntityType) error {
	c.mu.Lock()
	delete(c.lastUpdate, t)
	c.mu.Unlock()
	return c.store.Delete(ctx, db.CollectionAppState, models.LastUpdateKey(t))
}

// Metadata returns the metadata of the installed catalog snapshot.
func (c *Cache) Metadata() *models.SnapshotMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata
}
