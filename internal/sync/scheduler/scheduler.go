// Package scheduler drives replay and reference-data refresh in the background.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/models"
	"github.com/kimhsiao/offlinepos/internal/refcache"
	syncpkg "github.com/kimhsiao/offlinepos/internal/sync"
)

// Refresher refreshes reference data no more often than its threshold.
type Refresher interface {
	RefreshIfStale(ctx context.Context, t models.EntityType) refcache.RefreshResult
}

// PendingCounter reports how many transactions await replay.
type PendingCounter interface {
	PendingCount() int
}

// Scheduler manages background replay and refresh.
type Scheduler struct {
	replayer        syncpkg.Replayer
	refresher       Refresher
	queue           PendingCounter
	conn            syncpkg.Connectivity
	connectivity    *events.Topic[events.ConnectivityChanged]
	replayInterval  time.Duration
	refreshInterval time.Duration
	log             *logging.Logger

	stopCh          chan struct{}
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	mu              sync.RWMutex
	isRunning       bool
	lastSyncTime    time.Time
	lastRefreshTime time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	ReplayInterval  time.Duration // How often to replay pending sales when online (default: 60 seconds)
	RefreshInterval time.Duration // How often to check reference data staleness (default: 60 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		ReplayInterval:  60 * time.Second,
		RefreshInterval: 60 * time.Second,
	}
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Replayer     syncpkg.Replayer
	Refresher    Refresher
	Queue        PendingCounter
	Conn         syncpkg.Connectivity
	Connectivity *events.Topic[events.ConnectivityChanged]
	Logger       *logging.Logger
}

// NewScheduler creates a new Scheduler.
func NewScheduler(deps Deps, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.ReplayInterval <= 0 {
		config.ReplayInterval = defaults.ReplayInterval
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaults.RefreshInterval
	}
	if deps.Logger == nil {
		deps.Logger = logging.Get()
	}

	return &Scheduler{
		replayer:        deps.Replayer,
		refresher:       deps.Refresher,
		queue:           deps.Queue,
		conn:            deps.Conn,
		connectivity:    deps.Connectivity,
		replayInterval:  config.ReplayInterval,
		refreshInterval: config.RefreshInterval,
		log:             deps.Logger.Component("scheduler"),
		stopCh:          make(chan struct{}),
	}
}

// Start starts the background loops. When already online it refreshes
// stale reference data and replays pending sales right away.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.ctx = ctx
	s.mu.Unlock()

	var changes <-chan events.ConnectivityChanged
	unsubscribe := func() {}
	if s.connectivity != nil {
		changes, unsubscribe = s.connectivity.Subscribe(8)
	}

	s.wg.Add(3)
	go s.replayLoop(ctx)
	go s.refreshLoop(ctx)
	go s.connectivityLoop(ctx, changes, unsubscribe)

	if s.IsOnline() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.catchUp(ctx)
		}()
	}

	s.log.Info("Background scheduler started", map[string]interface{}{
		"replay_interval_s":  s.replayInterval.Seconds(),
		"refresh_interval_s": s.refreshInterval.Seconds(),
	})
}

// Stop stops the background loops and waits for in-flight work.
// A stopped scheduler cannot be started again.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	close(s.stopCh)
	cancel()
	s.wg.Wait()

	s.log.Info("Background scheduler stopped")
}

// replayLoop replays pending sales on every tick while online.
func (s *Scheduler) replayLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.replayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() || s.queue.PendingCount() == 0 {
				continue
			}
			if s.replayer.InProgress() {
				s.log.Debug("Replay already in progress, skipping")
				continue
			}
			s.runReplay(ctx)
		}
	}
}

// refreshLoop refreshes reference data that has gone stale.
func (s *Scheduler) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runRefresh(ctx)
		}
	}
}

// connectivityLoop reacts to connectivity transitions.
func (s *Scheduler) connectivityLoop(ctx context.Context, changes <-chan events.ConnectivityChanged, unsubscribe func()) {
	defer s.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			if ev.Lost() {
				s.log.Info("Connectivity lost, sales will be queued")
				continue
			}
			s.log.Info("Connectivity restored, catching up", map[string]interface{}{
				"pending": s.queue.PendingCount(),
			})
			s.catchUp(ctx)
		}
	}
}

// catchUp replays pending sales and refreshes stale reference data.
func (s *Scheduler) catchUp(ctx context.Context) {
	s.runReplay(ctx)
	s.runRefresh(ctx)
}

// runReplay executes one replay pass.
func (s *Scheduler) runReplay(ctx context.Context) {
	result := s.replayer.ReplayAll(ctx)
	if !result.Ran() {
		s.log.Debug("Replay skipped", map[string]interface{}{"reason": string(result.Skipped)})
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	if result.Errors > 0 {
		s.log.ErrorWithCode("Replay finished with errors", string(errors.ErrSyncFailed), nil,
			map[string]interface{}{
				"synced": result.Synced,
				"errors": result.Errors,
			})
	}
}

// runRefresh refreshes every entity type whose threshold has passed.
func (s *Scheduler) runRefresh(ctx context.Context) {
	if s.refresher == nil {
		return
	}
	for _, t := range models.EntityTypes {
		if ctx.Err() != nil {
			return
		}
		res := s.refresher.RefreshIfStale(ctx, t)
		if res.Skipped {
			continue
		}
		if res.OK {
			s.mu.Lock()
			s.lastRefreshTime = time.Now()
			s.mu.Unlock()
		}
	}
}

// TriggerSync starts a replay pass in the background.
// Returns false if a pass is already running or the scheduler is stopped.
// The pass outlives ctx but not the scheduler.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	if !s.isRunning || s.replayer.InProgress() {
		s.mu.RUnlock()
		return false
	}
	// Add under the lock so Stop cannot already be waiting
	s.wg.Add(1)
	base := s.ctx
	s.mu.RUnlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(base, cancel)
	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()
		s.runReplay(runCtx)
	}()
	return true
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool       `json:"is_running"`
	IsOnline        bool       `json:"is_online"`
	LastSyncTime    *time.Time `json:"last_sync_time,omitempty"`
	LastRefreshTime *time.Time `json:"last_refresh_time,omitempty"`
	SyncInProgress  bool       `json:"sync_in_progress"`
	PendingItems    int        `json:"pending_items"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{IsRunning: s.isRunning}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastRefreshTime.IsZero() {
		t := s.lastRefreshTime
		status.LastRefreshTime = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.IsOnline()
	status.SyncInProgress = s.replayer.InProgress()
	status.PendingItems = s.queue.PendingCount()
	return status
}

// IsOnline returns whether the connectivity source reports online.
func (s *Scheduler) IsOnline() bool {
	return s.conn == nil || s.conn.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
