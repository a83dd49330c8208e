// Package scheduler tests for background replay and refresh scheduling.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
	"github.com/kimhsiao/offlinepos/internal/refcache"
	syncpkg "github.com/kimhsiao/offlinepos/internal/sync"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =====================================================
// Test Helpers
// =====================================================

type fakeReplayer struct {
	calls    atomic.Int32
	running  atomic.Bool
	hold     chan struct{}
	mu       sync.Mutex
	lastCall time.Time
}

func (r *fakeReplayer) ReplayAll(ctx context.Context) syncpkg.Result {
	if !r.running.CompareAndSwap(false, true) {
		return syncpkg.Result{Skipped: syncpkg.SkipInProgress}
	}
	defer r.running.Store(false)
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCall = time.Now()
	r.mu.Unlock()
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
		}
	}
	return syncpkg.Result{Synced: 1}
}

func (r *fakeReplayer) InProgress() bool            { return r.running.Load() }
func (r *fakeReplayer) Status() syncpkg.SyncStatus  { return syncpkg.SyncStatusIdle }
func (r *fakeReplayer) LastResult() *syncpkg.Result { return nil }
func (r *fakeReplayer) LastSync() *time.Time        { return nil }

type fakeRefresher struct {
	mu    sync.Mutex
	calls map[models.EntityType]int
}

func (f *fakeRefresher) RefreshIfStale(_ context.Context, t models.EntityType) refcache.RefreshResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[models.EntityType]int)
	}
	f.calls[t]++
	return refcache.RefreshResult{Type: t, OK: true}
}

func (f *fakeRefresher) count(t models.EntityType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[t]
}

type fakeQueue struct{ n atomic.Int32 }

func (q *fakeQueue) PendingCount() int { return int(q.n.Load()) }

type fakeConn struct{ online atomic.Bool }

func (c *fakeConn) IsOnline() bool { return c.online.Load() }

type fixture struct {
	replayer  *fakeReplayer
	refresher *fakeRefresher
	queue     *fakeQueue
	conn      *fakeConn
	topic     *events.Topic[events.ConnectivityChanged]
	scheduler *Scheduler
}

func createTestScheduler(t *testing.T, online bool, config *SchedulerConfig) *fixture {
	t.Helper()
	f := &fixture{
		replayer:  &fakeReplayer{},
		refresher: &fakeRefresher{},
		queue:     &fakeQueue{},
		conn:      &fakeConn{},
		topic:     events.NewTopic[events.ConnectivityChanged](),
	}
	f.conn.online.Store(online)
	if config == nil {
		config = &SchedulerConfig{ReplayInterval: time.Hour, RefreshInterval: time.Hour}
	}
	f.scheduler = NewScheduler(Deps{
		Replayer:     f.replayer,
		Refresher:    f.refresher,
		Queue:        f.queue,
		Conn:         f.conn,
		Connectivity: f.topic,
		Logger:       logging.Discard(),
	}, config)
	t.Cleanup(func() {
		f.scheduler.Stop()
		f.topic.Close()
	})
	return f
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.ReplayInterval != 60*time.Second {
		t.Errorf("ReplayInterval = %v, want 60s", config.ReplayInterval)
	}
	if config.RefreshInterval != 60*time.Second {
		t.Errorf("RefreshInterval = %v, want 60s", config.RefreshInterval)
	}
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(Deps{Replayer: &fakeReplayer{}, Queue: &fakeQueue{}, Logger: logging.Discard()}, nil)

	if s.replayInterval != 60*time.Second {
		t.Errorf("replayInterval = %v, want 60s (default)", s.replayInterval)
	}
	if s.refreshInterval != 60*time.Second {
		t.Errorf("refreshInterval = %v, want 60s (default)", s.refreshInterval)
	}
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestScheduler_Start_idempotent verifies Start can be called multiple times.
func TestScheduler_Start_idempotent(t *testing.T) {
	f := createTestScheduler(t, false, nil)
	ctx := context.Background()

	f.scheduler.Start(ctx)
	f.scheduler.Start(ctx)

	if !f.scheduler.IsRunning() {
		t.Error("scheduler should be running")
	}
	if f.topic.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", f.topic.Subscribers())
	}
}

// TestScheduler_Stop_idempotent verifies Stop can be called multiple times.
func TestScheduler_Stop_idempotent(t *testing.T) {
	f := createTestScheduler(t, false, nil)
	f.scheduler.Start(context.Background())

	f.scheduler.Stop()
	f.scheduler.Stop()

	if f.scheduler.IsRunning() {
		t.Error("scheduler should be stopped")
	}
	if f.topic.Subscribers() != 0 {
		t.Errorf("subscribers = %d, want 0 after Stop", f.topic.Subscribers())
	}
}

// TestScheduler_Stop_withoutStart verifies Stop works without Start.
func TestScheduler_Stop_withoutStart(t *testing.T) {
	f := createTestScheduler(t, false, nil)
	f.scheduler.Stop()
}

// TestScheduler_Stop_cancelsInFlightReplay verifies Stop does not hang
// on a running pass.
func TestScheduler_Stop_cancelsInFlightReplay(t *testing.T) {
	f := createTestScheduler(t, true, nil)
	f.replayer.hold = make(chan struct{})
	f.scheduler.Start(context.Background())

	eventually(t, f.replayer.InProgress, "startup replay did not start")

	done := make(chan struct{})
	go func() {
		f.scheduler.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on in-flight replay")
	}
}

// =====================================================
// Trigger Tests
// =====================================================

// TestScheduler_startupCatchUp verifies an online start replays and refreshes.
func TestScheduler_startupCatchUp(t *testing.T) {
	f := createTestScheduler(t, true, nil)
	f.scheduler.Start(context.Background())

	eventually(t, func() bool { return f.replayer.calls.Load() == 1 }, "no startup replay")
	eventually(t, func() bool {
		return f.refresher.count(models.EntityProducts) == 1 && f.refresher.count(models.EntityCustomers) == 1
	}, "no startup refresh")
}

// TestScheduler_offlineStart verifies nothing runs while offline.
func TestScheduler_offlineStart(t *testing.T) {
	f := createTestScheduler(t, false, &SchedulerConfig{
		ReplayInterval:  10 * time.Millisecond,
		RefreshInterval: 10 * time.Millisecond,
	})
	f.queue.n.Store(3)
	f.scheduler.Start(context.Background())

	time.Sleep(60 * time.Millisecond)

	if f.replayer.calls.Load() != 0 {
		t.Errorf("replay calls = %d, want 0 while offline", f.replayer.calls.Load())
	}
	if f.refresher.count(models.EntityProducts) != 0 {
		t.Error("refresh should not run while offline")
	}
}

// TestScheduler_connectivityRestored verifies a restored event triggers
// replay and refresh.
func TestScheduler_connectivityRestored(t *testing.T) {
	f := createTestScheduler(t, false, nil)
	f.queue.n.Store(2)
	f.scheduler.Start(context.Background())

	f.conn.online.Store(true)
	f.topic.Publish(events.ConnectivityChanged{Online: true, At: time.Now()})

	eventually(t, func() bool { return f.replayer.calls.Load() == 1 }, "restored event did not replay")
	eventually(t, func() bool { return f.refresher.count(models.EntityCustomers) == 1 }, "restored event did not refresh")

	f.conn.online.Store(false)
	f.topic.Publish(events.ConnectivityChanged{Online: false, At: time.Now()})
	time.Sleep(30 * time.Millisecond)
	if f.replayer.calls.Load() != 1 {
		t.Errorf("lost event should not replay, calls = %d", f.replayer.calls.Load())
	}
}

// TestScheduler_periodicReplay verifies the replay ticker only fires with
// pending work.
func TestScheduler_periodicReplay(t *testing.T) {
	f := createTestScheduler(t, false, &SchedulerConfig{
		ReplayInterval:  10 * time.Millisecond,
		RefreshInterval: time.Hour,
	})
	f.scheduler.Start(context.Background())
	f.conn.online.Store(true)

	time.Sleep(40 * time.Millisecond)
	if f.replayer.calls.Load() != 0 {
		t.Fatalf("replay ran with nothing pending")
	}

	f.queue.n.Store(1)
	eventually(t, func() bool { return f.replayer.calls.Load() >= 1 }, "periodic replay did not run")
}

// TestScheduler_periodicRefresh verifies the refresh ticker checks both types.
func TestScheduler_periodicRefresh(t *testing.T) {
	f := createTestScheduler(t, false, &SchedulerConfig{
		ReplayInterval:  time.Hour,
		RefreshInterval: 10 * time.Millisecond,
	})
	f.scheduler.Start(context.Background())
	f.conn.online.Store(true)

	eventually(t, func() bool {
		return f.refresher.count(models.EntityProducts) >= 2 && f.refresher.count(models.EntityCustomers) >= 2
	}, "periodic refresh did not run")
	if f.scheduler.GetStatus().LastRefreshTime == nil {
		t.Error("LastRefreshTime should be set")
	}
}

// TestScheduler_TriggerSync verifies manual triggers.
func TestScheduler_TriggerSync(t *testing.T) {
	f := createTestScheduler(t, false, nil)

	if f.scheduler.TriggerSync(context.Background()) {
		t.Error("TriggerSync should refuse before Start")
	}

	f.scheduler.Start(context.Background())
	f.replayer.hold = make(chan struct{})
	if !f.scheduler.TriggerSync(context.Background()) {
		t.Fatal("TriggerSync should start a pass")
	}
	eventually(t, f.replayer.InProgress, "triggered replay did not start")

	if f.scheduler.TriggerSync(context.Background()) {
		t.Error("TriggerSync should refuse while a pass runs")
	}
	if !f.scheduler.GetStatus().SyncInProgress {
		t.Error("status should report sync in progress")
	}

	close(f.replayer.hold)
	eventually(t, func() bool { return !f.replayer.InProgress() }, "replay did not finish")
	if f.scheduler.GetStatus().LastSyncTime == nil {
		t.Error("LastSyncTime should be set")
	}
}

// TestScheduler_GetStatus verifies the status snapshot.
func TestScheduler_GetStatus(t *testing.T) {
	f := createTestScheduler(t, true, nil)
	f.queue.n.Store(4)

	status := f.scheduler.GetStatus()
	if status.IsRunning {
		t.Error("IsRunning should be false before Start")
	}
	if !status.IsOnline {
		t.Error("IsOnline should follow the connectivity source")
	}
	if status.PendingItems != 4 {
		t.Errorf("PendingItems = %d, want 4", status.PendingItems)
	}
	if status.LastSyncTime != nil {
		t.Error("LastSyncTime should be nil before any pass")
	}
}
