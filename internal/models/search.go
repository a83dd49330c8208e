package models

// ProductHit is a catalog search result annotated with provenance.
type ProductHit struct {
	CachedProduct
	FromCache bool `json:"from_cache"`
	// CacheAge is milliseconds since the record's snapshot was written.
	CacheAge int64 `json:"cache_age,omitempty"`
}

// CustomerHit is a customer search result annotated with provenance.
type CustomerHit struct {
	CachedCustomer
	FromCache bool  `json:"from_cache"`
	CacheAge  int64 `json:"cache_age,omitempty"`
}

// ProductSearchResult is the envelope returned for catalog searches.
// FromCache is always set so callers can label provenance.
type ProductSearchResult struct {
	Success   bool         `json:"success"`
	Products  []ProductHit `json:"productos"`
	Count     int          `json:"count"`
	Query     string       `json:"query"`
	FromCache bool         `json:"from_cache"`
	CacheSize int          `json:"cache_size,omitempty"`
	Timestamp int64        `json:"timestamp"`
	// Degraded explains why the network path was not used.
	Degraded string `json:"degraded,omitempty"`
}

// CustomerSearchResult is the envelope returned for customer searches.
type CustomerSearchResult struct {
	Success   bool          `json:"success"`
	Customers []CustomerHit `json:"clientes"`
	Count     int           `json:"count"`
	Query     string        `json:"query"`
	FromCache bool          `json:"from_cache"`
	CacheSize int           `json:"cache_size,omitempty"`
	Timestamp int64         `json:"timestamp"`
	Degraded  string        `json:"degraded,omitempty"`
}

// ProductFilters narrow a catalog search. Zero ids mean no filter;
// out-of-stock products are included unless ExcludeOutOfStock is set.
type ProductFilters struct {
	CategoryID        int64 `json:"categoria,omitempty"`
	BrandID           int64 `json:"marca,omitempty"`
	ExcludeOutOfStock bool  `json:"exclude_out_of_stock,omitempty"`
}
