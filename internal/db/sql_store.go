package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
)

const (
	upsertQuery = `INSERT INTO records (collection, key, position, data, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM records WHERE collection = ?), ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	insertAtQuery = `INSERT INTO records (collection, key, position, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	getByKeyQuery = `SELECT key, data FROM records WHERE collection = ? AND key = ?`
	patchQuery    = `UPDATE records SET data = json_patch(data, ?), updated_at = ? WHERE collection = ? AND key = ?`
	deleteQuery   = `DELETE FROM records WHERE collection = ? AND key = ?`
	clearQuery    = `DELETE FROM records WHERE collection = ?`
)

// SQLStore implements Store on SQLite.
type SQLStore struct {
	db *DB

	// Prepared statement cache for the fixed queries above
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewSQLStore creates a store over an opened, migrated database.
func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db}
}

// SchemaVersion returns the latest applied schema migration.
func (s *SQLStore) SchemaVersion() (int, error) {
	return NewMigrator(s.db.DB, Migrations()).CurrentVersion()
}

// prepare gets or creates a prepared statement from cache.
func (s *SQLStore) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query meanwhile
	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Put inserts or overwrites a record by key.
func (s *SQLStore) Put(ctx context.Context, collection string, rec Record) error {
	// a write that started is allowed to complete
	ctx = context.WithoutCancel(ctx)

	stmt, err := s.prepare(ctx, upsertQuery)
	if err != nil {
		return unavailable("put", err)
	}
	if _, err := stmt.ExecContext(ctx, collection, rec.Key, collection, string(rec.Data), time.Now().UnixMilli()); err != nil {
		return unavailable("put", err)
	}
	return nil
}

// GetAll returns every record in insertion order.
func (s *SQLStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	return s.Query(ctx, collection)
}

// GetByKey returns one record or a NOT_FOUND error.
func (s *SQLStore) GetByKey(ctx context.Context, collection, key string) (Record, error) {
	stmt, err := s.prepare(ctx, getByKeyQuery)
	if err != nil {
		return Record{}, unavailable("get", err)
	}

	var rec Record
	var data string
	err = stmt.QueryRowContext(ctx, collection, key).Scan(&rec.Key, &data)
	if err == sql.ErrNoRows {
		return Record{}, notFound(collection, key)
	}
	if err != nil {
		return Record{}, unavailable("get", err)
	}
	rec.Data = json.RawMessage(data)
	return rec, nil
}

func where(collection string, filters []Filter) (string, []interface{}, error) {
	var b strings.Builder
	b.WriteString("collection = ?")
	args := []interface{}{collection}
	for _, f := range filters {
		if !f.Valid() {
			return "", nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid filter %T", f))
		}
		b.WriteString(" AND ")
		b.WriteString(f.SQL())
		args = append(args, f.Args()...)
	}
	return b.String(), args, nil
}

// Query returns records matching every filter, in insertion order.
func (s *SQLStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Record, error) {
	clause, args, err := where(collection, filters)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT key, data FROM records WHERE "+clause+" ORDER BY position", args...)
	if err != nil {
		return nil, unavailable("query", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var data string
		if err := rows.Scan(&rec.Key, &data); err != nil {
			return nil, unavailable("query", err)
		}
		rec.Data = json.RawMessage(data)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query", err)
	}
	return out, nil
}

// Count returns the number of records matching every filter.
func (s *SQLStore) Count(ctx context.Context, collection string, filters ...Filter) (int, error) {
	clause, args, err := where(collection, filters)
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+clause, args...).Scan(&n); err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

// ClearAndReplace deletes the collection and inserts recs in one
// transaction, so readers see either the old or the new generation.
// A repeated key keeps its first position and its last value.
func (s *SQLStore) ClearAndReplace(ctx context.Context, collection string, recs []Record) error {
	ctx = context.WithoutCancel(ctx)

	// prepare before BeginTx: the transaction holds the only connection
	stmt, err := s.prepare(ctx, insertAtQuery)
	if err != nil {
		return unavailable("replace", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("replace", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, clearQuery, collection); err != nil {
		return unavailable("replace", err)
	}

	txStmt := tx.StmtContext(ctx, stmt)
	defer txStmt.Close()

	now := time.Now().UnixMilli()
	for i, rec := range recs {
		if _, err := txStmt.ExecContext(ctx, collection, rec.Key, i+1, string(rec.Data), now); err != nil {
			return unavailable("replace", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("replace", err)
	}
	return nil
}

// Update applies an RFC 7396 merge patch with json_patch.
func (s *SQLStore) Update(ctx context.Context, collection, key string, patch map[string]any) error {
	ctx = context.WithoutCancel(ctx)

	body, err := json.Marshal(patch)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "patch is not JSON", err)
	}

	stmt, err := s.prepare(ctx, patchQuery)
	if err != nil {
		return unavailable("update", err)
	}
	res, err := stmt.ExecContext(ctx, string(body), time.Now().UnixMilli(), collection, key)
	if err != nil {
		return unavailable("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update", err)
	}
	if n == 0 {
		return notFound(collection, key)
	}
	return nil
}

// Delete removes a record.
func (s *SQLStore) Delete(ctx context.Context, collection, key string) error {
	ctx = context.WithoutCancel(ctx)

	stmt, err := s.prepare(ctx, deleteQuery)
	if err != nil {
		return unavailable("delete", err)
	}
	if _, err := stmt.ExecContext(ctx, collection, key); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Close closes cached statements and the database.
func (s *SQLStore) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
