package db

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
)

type memCollection struct {
	order []string
	data  map[string]json.RawMessage
}

// MemoryStore implements Store in process memory. It backs sessions
// where the database could not be opened, and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (s *MemoryStore) coll(name string) *memCollection {
	c, ok := s.collections[name]
	if !ok {
		c = &memCollection{data: make(map[string]json.RawMessage)}
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return apperrors.New(apperrors.ErrStorageUnavailable, "store is closed")
	}
	return nil
}

func copyRaw(b json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), b...)
}

// Put inserts or overwrites a record by key.
func (s *MemoryStore) Put(_ context.Context, collection string, rec Record) error {
	if !json.Valid(rec.Data) {
		return apperrors.New(apperrors.ErrInvalid, "record data is not valid JSON")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	c := s.coll(collection)
	if _, exists := c.data[rec.Key]; !exists {
		c.order = append(c.order, rec.Key)
	}
	c.data[rec.Key] = copyRaw(rec.Data)
	return nil
}

// GetAll returns every record in insertion order.
func (s *MemoryStore) GetAll(ctx context.Context, collection string) ([]Record, error) {
	return s.Query(ctx, collection)
}

// GetByKey returns one record or a NOT_FOUND error.
func (s *MemoryStore) GetByKey(_ context.Context, collection, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}

	c, ok := s.collections[collection]
	if !ok {
		return Record{}, notFound(collection, key)
	}
	data, ok := c.data[key]
	if !ok {
		return Record{}, notFound(collection, key)
	}
	return Record{Key: key, Data: copyRaw(data)}, nil
}

func decodeDoc(data json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *MemoryStore) matching(collection string, filters []Filter) ([]Record, error) {
	for _, f := range filters {
		if !f.Valid() {
			return nil, apperrors.New(apperrors.ErrInvalid, "invalid filter")
		}
	}

	c, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}

	var out []Record
	for _, key := range c.order {
		data := c.data[key]
		if len(filters) > 0 {
			doc, err := decodeDoc(data)
			if err != nil {
				continue
			}
			matched := true
			for _, f := range filters {
				if !f.Match(doc) {
					matched = false
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, Record{Key: key, Data: copyRaw(data)})
	}
	return out, nil
}

// Query returns records matching every filter, in insertion order.
func (s *MemoryStore) Query(_ context.Context, collection string, filters ...Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.matching(collection, filters)
}

// Count returns the number of records matching every filter.
func (s *MemoryStore) Count(_ context.Context, collection string, filters ...Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	recs, err := s.matching(collection, filters)
	return len(recs), err
}

// ClearAndReplace swaps the collection under the write lock.
func (s *MemoryStore) ClearAndReplace(_ context.Context, collection string, recs []Record) error {
	next := &memCollection{data: make(map[string]json.RawMessage, len(recs))}
	for _, rec := range recs {
		if !json.Valid(rec.Data) {
			return apperrors.New(apperrors.ErrInvalid, "record data is not valid JSON")
		}
		if _, exists := next.data[rec.Key]; !exists {
			next.order = append(next.order, rec.Key)
		}
		next.data[rec.Key] = copyRaw(rec.Data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.collections[collection] = next
	return nil
}

// Update applies an RFC 7396 merge patch.
func (s *MemoryStore) Update(_ context.Context, collection, key string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	c, ok := s.collections[collection]
	if !ok {
		return notFound(collection, key)
	}
	data, ok := c.data[key]
	if !ok {
		return notFound(collection, key)
	}

	doc, err := decodeDoc(data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "stored document is not an object", err)
	}
	// round-trip the patch so typed values compare like decoded JSON
	body, err := json.Marshal(patch)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "patch is not JSON", err)
	}
	p, err := decodeDoc(body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "patch is not JSON", err)
	}

	merged, err := json.Marshal(mergePatch(doc, p))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "patched document is not JSON", err)
	}
	c.data[key] = merged
	return nil
}

// mergePatch implements RFC 7396 for object targets.
func mergePatch(target, patch map[string]any) map[string]any {
	if target == nil {
		target = make(map[string]any)
	}
	for k, v := range patch {
		if v == nil {
			delete(target, k)
			continue
		}
		if pm, ok := v.(map[string]any); ok {
			tm, _ := target[k].(map[string]any)
			target[k] = mergePatch(tm, pm)
			continue
		}
		target[k] = v
	}
	return target
}

// Delete removes a record.
func (s *MemoryStore) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	c, ok := s.collections[collection]
	if !ok {
		return nil
	}
	if _, ok := c.data[key]; !ok {
		return nil
	}
	delete(c.data, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
