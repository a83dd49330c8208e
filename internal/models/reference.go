package models

import "strconv"

// EntityType names a reference-data collection mirrored locally.
type EntityType string

const (
	EntityProducts  EntityType = "products"
	EntityCustomers EntityType = "customers"
)

// EntityTypes lists every mirrored type in refresh order.
var EntityTypes = []EntityType{EntityProducts, EntityCustomers}

// Valid reports whether e is a known type.
func (e EntityType) Valid() bool {
	return e == EntityProducts || e == EntityCustomers
}

// Ref is an id/name pair the server uses for related entities.
// An id of 0 means unset.
type Ref struct {
	ID   int64  `json:"id"`
	Name string `json:"nombre"`
}

// CachedProduct is one catalog record of the local mirror.
type CachedProduct struct {
	ID                 int64   `json:"id"`
	MainCode           string  `json:"codigo_principal"`
	AuxCode            string  `json:"codigo_auxiliar"`
	Name               string  `json:"nombre"`
	Description        string  `json:"descripcion"`
	SalePrice          float64 `json:"precio_venta"`
	UnitPrice          float64 `json:"pvp_unidad"`
	PurchasePrice      float64 `json:"precio_compra"`
	Stock              float64 `json:"stock"`
	MinStock           float64 `json:"stock_minimo"`
	MaxStock           float64 `json:"stock_maximo"`
	Active             bool    `json:"activo"`
	Voided             bool    `json:"anulado"`
	Divisible          bool    `json:"es_divisible"`
	Psychotropic       bool    `json:"es_psicotropico"`
	ColdChain          bool    `json:"requiere_cadena_frio"`
	Category           Ref     `json:"categoria"`
	Brand              Ref     `json:"marca"`
	Lab                Ref     `json:"laboratorio"`
	ProductType        Ref     `json:"tipo_producto"`
	ProductClass       Ref     `json:"clase_producto"`
	SearchableText     string  `json:"searchable_text"`
	LowStock           bool    `json:"bajo_stock"`
	OutOfStock         bool    `json:"agotado"`
	ServerCacheVersion string  `json:"cache_version,omitempty"`

	// Local tagging, identical for every record of one snapshot.
	CacheTimestamp int64  `json:"cacheTimestamp"`
	CacheMetadata  string `json:"cacheMetadata"`
}

// Key returns the store key.
func (p *CachedProduct) Key() string {
	return strconv.FormatInt(p.ID, 10)
}

// CachedCustomer is one customer record of the local mirror.
type CachedCustomer struct {
	ID             int64  `json:"id"`
	IdentityDoc    string `json:"cedula_ruc"`
	Name           string `json:"nombre"`
	Document       string `json:"documento,omitempty"`
	Phone          string `json:"telefono,omitempty"`
	Email          string `json:"email,omitempty"`
	Address        string `json:"direccion,omitempty"`
	SearchableText string `json:"searchable_text,omitempty"`

	CacheTimestamp int64  `json:"cacheTimestamp"`
	CacheMetadata  string `json:"cacheMetadata"`
}

// Key returns the store key.
func (c *CachedCustomer) Key() string {
	return strconv.FormatInt(c.ID, 10)
}

// SnapshotMetadata describes one server snapshot.
type SnapshotMetadata struct {
	Version     string `json:"cache_version"`
	Total       int    `json:"total_productos,omitempty"`
	Categories  []Ref  `json:"categorias,omitempty"`
	Brands      []Ref  `json:"marcas,omitempty"`
	Labs        []Ref  `json:"laboratorios,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	GeneratedAt string `json:"generated_at,omitempty"`
}

// Marker returns the opaque batch marker stored on each record.
func (m *SnapshotMetadata) Marker() string {
	if m == nil || m.Version == "" {
		return "unversioned"
	}
	return m.Version
}

// AppState keys.
const (
	StateLastProductsUpdate  = "lastProductsCacheUpdate"
	StateLastCustomersUpdate = "lastCustomersCacheUpdate"
	StateProductsMetadata    = "productsCacheMetadata"
)

// LastUpdateKey returns the AppState key pacing refreshes of e.
func LastUpdateKey(e EntityType) string {
	if e == EntityCustomers {
		return StateLastCustomersUpdate
	}
	return StateLastProductsUpdate
}

// AppStateEntry is a persisted key-value pair.
type AppStateEntry struct {
	Name      string `json:"name"`
	Value     any    `json:"value"`
	UpdatedAt int64  `json:"updatedAt"`
}
