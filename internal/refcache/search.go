package refcache

import (
	"strings"

	"github.com/kimhsiao/offlinepos/internal/models"
)

// SearchProducts matches query against the catalog mirror. An empty
// query matches everything. Results keep snapshot order.
func (c *Cache) SearchProducts(query string, filters models.ProductFilters, limit int) models.ProductSearchResult {
	if limit == 0 {
		limit = DefaultLimit
	}
	needle := Normalize(query)
	rawCode := strings.ToLower(strings.TrimSpace(query))

	c.mu.RLock()
	m := c.products
	c.mu.RUnlock()

	now := c.now().UnixMilli()
	hits := make([]models.ProductHit, 0)
	for i := range m.items {
		p := &m.items[i]
		if filters.CategoryID != 0 && p.Category.ID != filters.CategoryID {
			continue
		}
		if filters.BrandID != 0 && p.Brand.ID != filters.BrandID {
			continue
		}
		if filters.ExcludeOutOfStock && (p.OutOfStock || p.Stock <= 0) {
			continue
		}
		if needle != "" && !strings.Contains(m.keys[i], needle) &&
			!strings.Contains(strings.ToLower(p.MainCode), rawCode) &&
			!strings.Contains(strings.ToLower(p.AuxCode), rawCode) {
			continue
		}
		hits = append(hits, models.ProductHit{
			CachedProduct: *p,
			FromCache:     true,
			CacheAge:      age(now, p.CacheTimestamp),
		})
		if limit > 0 && len(hits) >= limit {
			break
		}
	}

	return models.ProductSearchResult{
		Success:   true,
		Products:  hits,
		Count:     len(hits),
		Query:     query,
		FromCache: true,
		CacheSize: len(m.items),
		Timestamp: now,
	}
}

// SearchCustomers matches query against name, identity document and
// searchable text of the customer mirror.
func (c *Cache) SearchCustomers(query string, limit int) models.CustomerSearchResult {
	if limit == 0 {
		limit = DefaultLimit
	}
	needle := Normalize(query)
	rawDoc := strings.ToLower(strings.TrimSpace(query))

	c.mu.RLock()
	m := c.customers
	c.mu.RUnlock()

	now := c.now().UnixMilli()
	hits := make([]models.CustomerHit, 0)
	for i := range m.items {
		cu := &m.items[i]
		if needle != "" && !strings.Contains(m.keys[i], needle) &&
			!strings.Contains(strings.ToLower(cu.IdentityDoc), rawDoc) {
			continue
		}
		hits = append(hits, models.CustomerHit{
			CachedCustomer: *cu,
			FromCache:      true,
			CacheAge:       age(now, cu.CacheTimestamp),
		})
		if limit > 0 && len(hits) >= limit {
			break
		}
	}

	return models.CustomerSearchResult{
		Success:   true,
		Customers: hits,
		Count:     len(hits),
		Query:     query,
		FromCache: true,
		CacheSize: len(m.items),
		Timestamp: now,
	}
}

func age(now, ts int64) int64 {
	if ts <= 0 || now < ts {
		return 0
	}
	return now - ts
}

// ProductByID returns a copy of a mirrored product.
func (c *Cache) ProductByID(id int64) (models.CachedProduct, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.products.byID[id]
	if !ok {
		return models.CachedProduct{}, false
	}
	return c.products.items[i], true
}

// ProductByCode returns the first product whose main or auxiliary code
// equals code, ignoring case and surrounding spaces.
func (c *Cache) ProductByCode(code string) (models.CachedProduct, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return models.CachedProduct{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.products.items {
		if strings.EqualFold(p.MainCode, code) || (p.AuxCode != "" && strings.EqualFold(p.AuxCode, code)) {
			return p, true
		}
	}
	return models.CachedProduct{}, false
}

// Stats summarizes the mirrors.
type Stats struct {
	Products           int    `json:"total_productos"`
	OutOfStock         int    `json:"agotados"`
	LowStock           int    `json:"bajo_stock"`
	Customers          int    `json:"total_clientes"`
	Version            string `json:"cache_version"`
	ProductsUpdatedAt  int64  `json:"products_updated_at,omitempty"`
	CustomersUpdatedAt int64  `json:"customers_updated_at,omitempty"`

	// ProductsAge is milliseconds since the last catalog refresh, or -1.
	ProductsAge int64 `json:"products_age"`
}

// Stats returns totals and freshness of both mirrors.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Products:    len(c.products.items),
		Customers:   len(c.customers.items),
		Version:     c.metadata.Marker(),
		ProductsAge: -1,
	}
	for _, p := range c.products.items {
		if p.OutOfStock || p.Stock <= 0 {
			s.OutOfStock++
		} else if p.LowStock || (p.MinStock > 0 && p.Stock <= p.MinStock) {
			s.LowStock++
		}
	}
	if t, ok := c.lastUpdate[models.EntityProducts]; ok {
		s.ProductsUpdatedAt = t.UnixMilli()
		s.ProductsAge = c.now().Sub(t).Milliseconds()
	}
	if t, ok := c.lastUpdate[models.EntityCustomers]; ok {
		s.CustomersUpdatedAt = t.UnixMilli()
	}
	return s
}
