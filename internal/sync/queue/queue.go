// Package queue provides the outbound transaction queue for offline writes.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/offlinepos/internal/db"
	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
	"github.com/kimhsiao/offlinepos/internal/uuid"
)

// DefaultMaxAttempts is the failure count after which a transaction
// stops being replayed.
const DefaultMaxAttempts = 10

// reloadAttempts bounds how often Reload re-reads the store while
// concurrent writes keep changing the pending list.
const reloadAttempts = 3

// Options configure a Queue.
type Options struct {
	// MaxAttempts moves a transaction to failed_permanent once reached.
	// Zero or less disables the cap.
	MaxAttempts int
	// MaxSize bounds the pending list. Zero or less means unbounded.
	MaxSize int
	Bus     *events.Bus
	Logger  *logging.Logger
	Now     func() time.Time
}

// Stats counts transactions by status.
type Stats struct {
	Total           int `json:"total"`
	Pending         int `json:"pending"`
	Synced          int `json:"synced"`
	FailedPermanent int `json:"failed_permanent"`
	// MemoryOnly counts transactions not yet written to the store.
	MemoryOnly int `json:"memory_only,omitempty"`
}

// Queue holds locally recorded transactions until they are delivered.
// Synced and abandoned transactions stay in the store as an audit trail.
type Queue struct {
	store       db.Store
	bus         *events.Bus
	log         *logging.Logger
	now         func() time.Time
	maxAttempts int
	maxSize     int

	mu      sync.RWMutex
	pending map[string]*models.QueuedTransaction
	// memOnly holds transactions whose store write failed; Reload retries them.
	memOnly map[string]*models.QueuedTransaction
	// gen advances on every change to pending so Reload can detect
	// writes that raced its store read.
	gen uint64
}

// New creates a queue over store. Call Reload to pick up persisted
// pending transactions.
func New(store db.Store, opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	return &Queue{
		store:       store,
		bus:         opts.Bus,
		log:         opts.Logger.Component("queue"),
		now:         opts.Now,
		maxAttempts: opts.MaxAttempts,
		maxSize:     opts.MaxSize,
		pending:     make(map[string]*models.QueuedTransaction),
		memOnly:     make(map[string]*models.QueuedTransaction),
	}
}

// Enqueue records a transaction as pending. It never touches the network.
// When the store write fails the transaction is still held in memory and
// returned together with a STORAGE_UNAVAILABLE error.
func (q *Queue) Enqueue(ctx context.Context, payload models.TransactionPayload, source models.TransactionSource) (*models.QueuedTransaction, error) {
	payload = payload.Clone()
	payload.Normalize()
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.maxSize > 0 && len(q.pending) >= q.maxSize {
		q.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}

	now := q.now()
	id := uuid.NewTransactionID(now)
	for q.pending[id] != nil || q.memOnly[id] != nil {
		id = uuid.NewTransactionID(now)
	}
	txn := &models.QueuedTransaction{
		ID:        id,
		Kind:      payload.Kind,
		CreatedAt: now.UnixMilli(),
		Payload:   payload,
		Status:    models.StatusPending,
		Source:    source,
	}
	q.pending[id] = txn
	q.gen++

	var persistErr error
	if err := db.PutAs(context.WithoutCancel(ctx), q.store, db.CollectionTransactions, id, txn); err != nil {
		q.memOnly[id] = txn
		persistErr = apperrors.Wrap(apperrors.ErrStorageUnavailable, "transaction held in memory only", err)
	}
	count := len(q.pending)
	out := txn.Clone()
	q.mu.Unlock()

	if persistErr != nil {
		q.log.Error("Failed to persist queued transaction", persistErr, map[string]interface{}{
			"transaction_id": id,
		})
	} else {
		q.log.Info("Transaction queued", map[string]interface{}{
			"transaction_id": id,
			"source":         string(source),
			"pending":        count,
		})
	}

	if q.bus != nil {
		q.bus.Queued.Publish(events.TransactionQueued{
			ID:           id,
			Source:       source,
			PendingCount: count,
			At:           now,
		})
	}
	return out, persistErr
}

func sortByAge(txns []*models.QueuedTransaction) {
	sort.Slice(txns, func(i, j int) bool {
		if txns[i].CreatedAt != txns[j].CreatedAt {
			return txns[i].CreatedAt < txns[j].CreatedAt
		}
		return txns[i].ID < txns[j].ID
	})
}

// Pending returns copies of the pending transactions, oldest first.
func (q *Queue) Pending() []*models.QueuedTransaction {
	q.mu.RLock()
	out := make([]*models.QueuedTransaction, 0, len(q.pending))
	for _, txn := range q.pending {
		out = append(out, txn.Clone())
	}
	q.mu.RUnlock()
	sortByAge(out)
	return out
}

// PendingCount returns the number of pending transactions.
func (q *Queue) PendingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// write persists txn, preferring a merge patch over a full rewrite.
// Must be called with q.mu held.
func (q *Queue) write(ctx context.Context, txn *models.QueuedTransaction, patch map[string]any) error {
	ctx = context.WithoutCancel(ctx)
	if _, memOnly := q.memOnly[txn.ID]; !memOnly && patch != nil {
		err := q.store.Update(ctx, db.CollectionTransactions, txn.ID, patch)
		if err == nil || !apperrors.Is(err, apperrors.ErrNotFound) {
			return err
		}
	}
	if err := db.PutAs(ctx, q.store, db.CollectionTransactions, txn.ID, txn); err != nil {
		q.memOnly[txn.ID] = txn
		return err
	}
	delete(q.memOnly, txn.ID)
	return nil
}

// MarkSynced records a confirmed delivery. The transaction leaves the
// pending list for good.
func (q *Queue) MarkSynced(ctx context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	txn, ok := q.pending[id]
	if !ok {
		return apperrors.New(apperrors.ErrNotFound, "pending transaction "+id+" not found")
	}
	ms := at.UnixMilli()
	txn.Status = models.StatusSynced
	txn.SyncedAt = &ms
	txn.LastAttemptAt = &ms
	txn.LastError = ""
	delete(q.pending, id)
	q.gen++

	err := q.write(ctx, txn, map[string]any{
		"status":        string(models.StatusSynced),
		"syncedAt":      ms,
		"lastAttemptAt": ms,
		"lastError":     nil,
	})
	if err != nil {
		q.log.Error("Failed to persist synced status", err, map[string]interface{}{"transaction_id": id})
	}
	return err
}

// MarkFailed records a failed delivery attempt. It reports whether the
// transaction was abandoned because it reached the attempt cap.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, at time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	txn, ok := q.pending[id]
	if !ok {
		return false, apperrors.New(apperrors.ErrNotFound, "pending transaction "+id+" not found")
	}
	ms := at.UnixMilli()
	txn.Attempts++
	txn.LastAttemptAt = &ms
	if cause != nil {
		txn.LastError = cause.Error()
	}
	q.gen++

	abandoned := q.maxAttempts > 0 && txn.Attempts >= q.maxAttempts
	if abandoned {
		txn.Status = models.StatusFailedPermanent
		delete(q.pending, id)
		q.log.Warn("Transaction abandoned after max attempts", map[string]interface{}{
			"transaction_id": id,
			"attempts":       txn.Attempts,
			"error":          txn.LastError,
		})
	}

	err := q.write(ctx, txn, map[string]any{
		"status":        string(txn.Status),
		"attempts":      txn.Attempts,
		"lastAttemptAt": ms,
		"lastError":     txn.LastError,
	})
	if err != nil {
		q.log.Error("Failed to persist attempt", err, map[string]interface{}{"transaction_id": id})
	}
	return abandoned, err
}

// Reload re-reads the pending list from the store and retries writes of
// memory-only transactions. On a read failure the current list is kept.
// The in-memory list wins over a read that raced a concurrent write.
func (q *Queue) Reload(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		q.mu.RLock()
		gen := q.gen
		q.mu.RUnlock()

		recs, err := q.store.Query(ctx, db.CollectionTransactions,
			&db.FieldEquals{Field: "status", Value: models.StatusPending})
		if err != nil {
			q.log.Error("Failed to reload pending transactions", err)
			return err
		}
		stored, err := db.DecodeAll[models.QueuedTransaction](recs)
		if err != nil {
			return err
		}

		q.mu.Lock()
		if q.gen != gen {
			if attempt < reloadAttempts {
				q.mu.Unlock()
				continue
			}
			q.flushMemOnly(ctx)
			q.mu.Unlock()
			q.log.Debug("Pending list changed during reload, keeping in-memory list")
			return nil
		}

		pending := make(map[string]*models.QueuedTransaction, len(stored)+len(q.memOnly))
		for i := range stored {
			txn := stored[i]
			pending[txn.ID] = &txn
		}
		for id, txn := range q.memOnly {
			if txn.Status == models.StatusPending {
				pending[id] = txn
			} else {
				delete(pending, id)
			}
		}
		q.flushMemOnly(ctx)
		q.pending = pending
		q.mu.Unlock()
		return nil
	}
}

// flushMemOnly retries the store write of every memory-only transaction.
// Must be called with q.mu held.
func (q *Queue) flushMemOnly(ctx context.Context) {
	for id, txn := range q.memOnly {
		if err := db.PutAs(context.WithoutCancel(ctx), q.store, db.CollectionTransactions, id, txn); err == nil {
			delete(q.memOnly, id)
		}
	}
}

// Get returns one transaction in any status.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueuedTransaction, error) {
	q.mu.RLock()
	if txn, ok := q.memOnly[id]; ok {
		q.mu.RUnlock()
		return txn.Clone(), nil
	}
	q.mu.RUnlock()

	txn, err := db.GetAs[models.QueuedTransaction](ctx, q.store, db.CollectionTransactions, id)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// List returns transactions with the given status, oldest first.
// An empty status lists everything.
func (q *Queue) List(ctx context.Context, status models.TransactionStatus) ([]*models.QueuedTransaction, error) {
	var filters []db.Filter
	if status != "" {
		if !status.Valid() {
			return nil, apperrors.New(apperrors.ErrInvalid, "unknown status: "+string(status))
		}
		filters = append(filters, &db.FieldEquals{Field: "status", Value: status})
	}
	recs, err := q.store.Query(ctx, db.CollectionTransactions, filters...)
	if err != nil {
		return nil, err
	}
	stored, err := db.DecodeAll[models.QueuedTransaction](recs)
	if err != nil {
		return nil, err
	}

	q.mu.RLock()
	out := make([]*models.QueuedTransaction, 0, len(stored)+len(q.memOnly))
	for i := range stored {
		if _, shadowed := q.memOnly[stored[i].ID]; !shadowed {
			out = append(out, &stored[i])
		}
	}
	for _, txn := range q.memOnly {
		if status == "" || txn.Status == status {
			out = append(out, txn.Clone())
		}
	}
	q.mu.RUnlock()

	sortByAge(out)
	return out, nil
}

// Stats counts transactions by status, including memory-only ones.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	all, err := q.List(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, txn := range all {
		s.Total++
		switch txn.Status {
		case models.StatusPending:
			s.Pending++
		case models.StatusSynced:
			s.Synced++
		case models.StatusFailedPermanent:
			s.FailedPermanent++
		}
	}
	q.mu.RLock()
	s.MemoryOnly = len(q.memOnly)
	q.mu.RUnlock()
	return s, nil
}

// RetryFailed moves every abandoned transaction back to pending with
// its attempt count reset. It returns how many were moved.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	failed, err := q.List(ctx, models.StatusFailedPermanent)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, txn := range failed {
		txn.Status = models.StatusPending
		txn.Attempts = 0
		txn.LastError = ""
		if err := q.write(ctx, txn, map[string]any{
			"status":    string(models.StatusPending),
			"attempts":  0,
			"lastError": nil,
		}); err != nil {
			q.log.Error("Failed to reset abandoned transaction", err, map[string]interface{}{"transaction_id": txn.ID})
		}
		q.pending[txn.ID] = txn
		q.gen++
		count++
	}

	if count > 0 {
		q.log.Info("Reset failed transactions for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}
