package db

import (
	"context"
	"encoding/json"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
)

// Collection names.
const (
	CollectionTransactions     = "offlineTransactions"
	CollectionProducts         = "cachedProducts"
	CollectionCustomers        = "cachedCustomers"
	CollectionAppState         = "appState"
	CollectionStaticResponses  = "staticResponses"
	CollectionDynamicResponses = "dynamicResponses"
)

// Record is one keyed JSON document of a collection.
type Record struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// Store is the durable local store contract. Collections keep insertion
// order; overwriting a key keeps its position.
type Store interface {
	// Put inserts or overwrites a record by key.
	Put(ctx context.Context, collection string, rec Record) error

	// GetAll returns every record in insertion order.
	GetAll(ctx context.Context, collection string) ([]Record, error)

	// GetByKey returns one record or a NOT_FOUND error.
	GetByKey(ctx context.Context, collection, key string) (Record, error)

	// Query returns records matching every filter, in insertion order.
	Query(ctx context.Context, collection string, filters ...Filter) ([]Record, error)

	// Count returns the number of records matching every filter.
	Count(ctx context.Context, collection string, filters ...Filter) (int, error)

	// ClearAndReplace atomically swaps the whole collection for recs.
	ClearAndReplace(ctx context.Context, collection string, recs []Record) error

	// Update applies a JSON merge patch to a record's top-level document.
	Update(ctx context.Context, collection, key string, patch map[string]any) error

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(ctx context.Context, collection, key string) error

	// Close releases the store.
	Close() error
}

// OpenStore opens the SQLite store in dataDir. When persistence is not
// available it returns an in-memory store together with a
// STORAGE_UNAVAILABLE error; the store is usable either way.
func OpenStore(dataDir string) (Store, error) {
	database, err := Open(dataDir)
	if err != nil {
		return NewMemoryStore(), apperrors.Wrap(apperrors.ErrStorageUnavailable, "falling back to in-memory store", err)
	}

	m := NewMigrator(database.DB, Migrations())
	if err := m.Initialize(); err != nil {
		database.Close()
		return NewMemoryStore(), apperrors.Wrap(apperrors.ErrMigration, "failed to initialize migrations", err)
	}
	if err := m.Up(); err != nil {
		database.Close()
		return NewMemoryStore(), apperrors.Wrap(apperrors.ErrMigration, "failed to migrate schema", err)
	}

	return NewSQLStore(database), nil
}

func notFound(collection, key string) error {
	return apperrors.New(apperrors.ErrNotFound, collection+"/"+key+" not found")
}

func unavailable(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, op+" failed", err)
}
