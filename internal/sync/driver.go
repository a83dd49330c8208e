package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
	"github.com/kimhsiao/offlinepos/internal/remote"
	"github.com/kimhsiao/offlinepos/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// SkipReason explains why a pass did not run.
type SkipReason string

const (
	SkipInProgress     SkipReason = "in_progress"
	SkipOffline        SkipReason = "offline"
	SkipNothingPending SkipReason = "nothing_pending"
)

// Result represents the result of one replay pass.
type Result struct {
	Synced    int           `json:"synced"`
	Errors    int           `json:"errors"`
	Abandoned int           `json:"abandoned"`
	Pending   int           `json:"pending"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Skipped   SkipReason    `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Ran reports whether the pass actually executed.
func (r Result) Ran() bool {
	return r.Skipped == ""
}

// Options configure a Driver.
type Options struct {
	Bus    *events.Bus
	Logger *logging.Logger
	Now    func() time.Time
}

// Driver replays the outbound queue. At most one pass runs at a time.
type Driver struct {
	queue     *queue.Queue
	submitter remote.Submitter
	conn      Connectivity
	bus       *events.Bus
	log       *logging.Logger
	now       func() time.Time

	running atomic.Bool

	mu         sync.RWMutex
	status     SyncStatus
	lastResult *Result
	lastSync   *time.Time
}

// NewDriver creates a new Driver.
func NewDriver(q *queue.Queue, submitter remote.Submitter, conn Connectivity, opts Options) *Driver {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	return &Driver{
		queue:     q,
		submitter: submitter,
		conn:      conn,
		bus:       opts.Bus,
		log:       opts.Logger.Component("sync"),
		now:       opts.Now,
		status:    SyncStatusIdle,
	}
}

// Status returns the current sync status.
func (d *Driver) Status() SyncStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// LastResult returns a copy of the last completed pass, or nil.
func (d *Driver) LastResult() *Result {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastResult == nil {
		return nil
	}
	r := *d.lastResult
	return &r
}

// LastSync returns when the last pass without errors finished.
func (d *Driver) LastSync() *time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSync
}

// InProgress reports whether a pass is running.
func (d *Driver) InProgress() bool {
	return d.running.Load()
}

// ReplayAll submits every pending transaction once. A call made while
// another pass runs returns immediately with SkipInProgress.
func (d *Driver) ReplayAll(ctx context.Context) Result {
	if !d.running.CompareAndSwap(false, true) {
		return Result{Skipped: SkipInProgress, Pending: d.queue.PendingCount()}
	}
	defer d.running.Store(false)

	if d.conn != nil && !d.conn.IsOnline() {
		return Result{Skipped: SkipOffline, Pending: d.queue.PendingCount()}
	}
	pending := d.queue.Pending()
	if len(pending) == 0 {
		return Result{Skipped: SkipNothingPending}
	}

	d.setStatus(SyncStatusSyncing)
	result := Result{StartTime: d.now()}
	d.log.Info("Replay started", map[string]interface{}{"pending": len(pending)})

	for _, txn := range pending {
		if err := ctx.Err(); err != nil {
			// remaining transactions stay pending for the next pass
			result.Error = err.Error()
			break
		}
		if err := d.replayOne(ctx, txn); err != nil {
			result.Errors++
			abandoned, markErr := d.queue.MarkFailed(ctx, txn.ID, err, d.now())
			if abandoned {
				result.Abandoned++
			}
			if markErr != nil && !apperrors.Is(markErr, apperrors.ErrStorageUnavailable) {
				d.log.Error("Failed to record attempt", markErr, map[string]interface{}{"transaction_id": txn.ID})
			}
			continue
		}
		result.Synced++
		if err := d.queue.MarkSynced(ctx, txn.ID, d.now()); err != nil && !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
			d.log.Error("Failed to record delivery", err, map[string]interface{}{"transaction_id": txn.ID})
		}
	}

	if err := d.queue.Reload(context.WithoutCancel(ctx)); err != nil {
		d.log.Warn("Queue reload after replay failed", map[string]interface{}{"error": err.Error()})
	}

	result.EndTime = d.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Pending = d.queue.PendingCount()
	d.finish(result)
	return result
}

func (d *Driver) replayOne(ctx context.Context, txn *models.QueuedTransaction) error {
	body, err := txn.Payload.Body()
	if err != nil {
		return err
	}
	if err := d.submitter.SubmitSale(ctx, body); err != nil {
		d.log.Warn("Transaction replay failed", map[string]interface{}{
			"transaction_id": txn.ID,
			"attempts":       txn.Attempts + 1,
			"code":           string(apperrors.CodeOf(err)),
			"error":          err.Error(),
		})
		return err
	}
	d.log.Info("Transaction synced", map[string]interface{}{"transaction_id": txn.ID})
	return nil
}

func (d *Driver) setStatus(s SyncStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Driver) finish(result Result) {
	d.mu.Lock()
	d.lastResult = &result
	if result.Errors > 0 || result.Error != "" {
		d.status = SyncStatusFailed
	} else {
		d.status = SyncStatusIdle
		end := result.EndTime
		d.lastSync = &end
	}
	d.mu.Unlock()

	d.log.Info("Replay finished", map[string]interface{}{
		"synced":      result.Synced,
		"errors":      result.Errors,
		"abandoned":   result.Abandoned,
		"pending":     result.Pending,
		"duration_ms": result.Duration.Milliseconds(),
	})

	if d.bus == nil {
		return
	}
	d.bus.SyncCompleted.Publish(events.SyncCompleted{
		Synced:    result.Synced,
		Errors:    result.Errors,
		Abandoned: result.Abandoned,
		Pending:   result.Pending,
		Duration:  result.Duration,
		At:        result.EndTime,
	})
	switch {
	case result.Abandoned > 0:
		d.bus.Notify(events.LevelError, fmt.Sprintf("%d venta(s) no se pudieron sincronizar tras varios intentos", result.Abandoned))
	case result.Errors > 0:
		d.bus.Notify(events.LevelWarning, fmt.Sprintf("%d venta(s) sincronizadas, %d pendientes con error", result.Synced, result.Errors))
	case result.Synced > 0:
		d.bus.Notify(events.LevelSuccess, fmt.Sprintf("%d venta(s) sincronizadas", result.Synced))
	}
}
