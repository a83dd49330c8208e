// Package engine owns one instance of every offline component and wires
// them together.
package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/offlinepos/internal/config"
	"github.com/kimhsiao/offlinepos/internal/connectivity"
	"github.com/kimhsiao/offlinepos/internal/db"
	apperrors "github.com/kimhsiao/offlinepos/internal/errors"
	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/interceptor"
	"github.com/kimhsiao/offlinepos/internal/logging"
	"github.com/kimhsiao/offlinepos/internal/refcache"
	"github.com/kimhsiao/offlinepos/internal/remote"
	"github.com/kimhsiao/offlinepos/internal/router"
	syncpkg "github.com/kimhsiao/offlinepos/internal/sync"
	"github.com/kimhsiao/offlinepos/internal/sync/queue"
	"github.com/kimhsiao/offlinepos/internal/sync/scheduler"
)

// Options override collaborators, mostly for tests.
type Options struct {
	Logger *logging.Logger
	// Store replaces the SQLite store opened from the data directory.
	Store db.Store
	// Source replaces the connectivity source chosen by the config.
	Source     connectivity.Source
	HTTPClient *http.Client
	Transport  http.RoundTripper
	Now        func() time.Time
}

// Engine is the explicitly owned service instance.
type Engine struct {
	cfg        *config.Config
	log        *logging.Logger
	store      db.Store
	persistent bool
	bus        *events.Bus
	source     connectivity.Source
	monitor    *connectivity.Monitor
	remote     *remote.Client
	cache      *refcache.Cache
	queue      *queue.Queue
	driver     *syncpkg.Driver
	scheduler  *scheduler.Scheduler
	router     *router.Router
	proxy      *interceptor.Interceptor

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds an engine from cfg. A store that cannot persist is replaced
// by an in-memory one and the engine keeps working.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid configuration", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	e := &Engine{cfg: cfg, log: opts.Logger.Component("engine"), bus: events.NewBus(), persistent: true}

	e.store = opts.Store
	if e.store == nil {
		store, err := db.OpenStore(cfg.Storage.DataDir)
		if err != nil {
			e.persistent = false
			e.log.Error("Local store unavailable, using memory only", err, map[string]interface{}{
				"data_dir": cfg.Storage.DataDir,
			})
		}
		e.store = store
	}

	e.source = opts.Source
	if e.source == nil {
		switch cfg.Connectivity.Mode {
		case "manual":
			e.source = connectivity.NewManualSource(true)
		default:
			e.source = connectivity.NewDialSource(cfg.ProbeTarget(), cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout)
		}
	}
	e.monitor = connectivity.NewMonitor(e.source, e.bus.Connectivity, opts.Logger)

	e.remote = remote.New(cfg.Server, nil, opts.HTTPClient)
	e.cache = refcache.New(e.store, e.remote, e.bus, refcache.Options{
		Threshold: cfg.Sync.RefreshThreshold,
		Now:       opts.Now,
		Logger:    opts.Logger,
	})
	e.queue = queue.New(e.store, queue.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		Bus:         e.bus,
		Logger:      opts.Logger,
		Now:         opts.Now,
	})
	e.driver = syncpkg.NewDriver(e.queue, e.remote, e.monitor, syncpkg.Options{Bus: e.bus, Logger: opts.Logger, Now: opts.Now})
	e.scheduler = scheduler.NewScheduler(scheduler.Deps{
		Replayer:     e.driver,
		Refresher:    e.cache,
		Queue:        e.queue,
		Conn:         e.monitor,
		Connectivity: e.bus.Connectivity,
		Logger:       opts.Logger,
	}, &scheduler.SchedulerConfig{
		ReplayInterval:  cfg.Sync.ReplayInterval,
		RefreshInterval: cfg.Sync.RefreshCheckInterval,
	})
	e.router = router.New(e.remote, e.cache, e.queue, e.monitor, router.Options{Bus: e.bus, Logger: opts.Logger, Now: opts.Now})

	if cfg.Interceptor.Enabled {
		proxy, err := interceptor.New(cfg, e.store, e.queue, interceptor.Options{
			Transport: opts.Transport,
			Conn:      e.monitor,
			Logger:    opts.Logger,
			Now:       opts.Now,
		})
		if err != nil {
			e.store.Close()
			return nil, err
		}
		e.proxy = proxy
	}
	return e, nil
}

// Start restores the mirrors and the queue from the store, then starts
// the connectivity monitor and the scheduler. Load failures are logged
// and leave the engine running on empty state.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return apperrors.New(apperrors.ErrInternal, "engine is closed")
	}
	if e.started {
		return nil
	}
	e.started = true

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.cache.Load(gctx) })
	g.Go(func() error { return e.queue.Reload(gctx) })
	if err := g.Wait(); err != nil {
		e.log.Warn("Local state could not be fully restored", map[string]interface{}{"error": err.Error()})
		e.bus.Notify(events.LevelWarning, "No se pudo restaurar todo el estado local")
	}
	if !e.persistent {
		e.bus.Notify(events.LevelWarning, "Almacenamiento local no disponible: los datos se perderán al cerrar")
	}

	e.monitor.Start(ctx)
	e.scheduler.Start(ctx)

	e.log.Info("Engine started", map[string]interface{}{
		"online":     e.monitor.IsOnline(),
		"pending":    e.queue.PendingCount(),
		"persistent": e.persistent,
	})
	return nil
}

// Close stops every component in reverse start order.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.scheduler.Stop()
	e.monitor.Stop()
	if e.proxy != nil {
		e.proxy.Close()
	}
	err := e.store.Close()
	e.bus.Close()
	e.log.Info("Engine stopped")
	return err
}

// Status is a point-in-time view of the engine.
type Status struct {
	Online        bool                      `json:"online"`
	Persistent    bool                      `json:"persistent"`
	// SchemaVersion is zero for the in-memory store.
	SchemaVersion int                       `json:"schema_version,omitempty"`
	Pending       int                       `json:"pending"`
	Queue         queue.Stats               `json:"queue"`
	Sync          syncpkg.SyncStatus        `json:"sync"`
	LastSync      *time.Time                `json:"last_sync,omitempty"`
	LastResult    *syncpkg.Result           `json:"last_result,omitempty"`
	Cache         refcache.Stats            `json:"cache"`
	Scheduler     scheduler.SchedulerStatus `json:"scheduler"`
}

// Status returns a snapshot. Queue counts fall back to the in-memory
// pending count when the store cannot be read.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		Online:     e.monitor.IsOnline(),
		Persistent: e.persistent,
		Pending:    e.queue.PendingCount(),
		Sync:       e.driver.Status(),
		LastSync:   e.driver.LastSync(),
		LastResult: e.driver.LastResult(),
		Cache:      e.cache.Stats(),
		Scheduler:  e.scheduler.GetStatus(),
	}
	qs, err := e.queue.Stats(ctx)
	if err != nil {
		e.log.Warn("Queue stats unavailable", map[string]interface{}{"error": err.Error()})
		qs = queue.Stats{Total: st.Pending, Pending: st.Pending}
	}
	st.Queue = qs
	if v, ok := e.store.(schemaVersioner); ok {
		version, err := v.SchemaVersion()
		if err != nil {
			e.log.Warn("Schema version unavailable", map[string]interface{}{"error": err.Error()})
		}
		st.SchemaVersion = version
	}
	return st
}

type schemaVersioner interface {
	SchemaVersion() (int, error)
}

// SetOnline drives the manual connectivity source. It reports false when
// the engine probes connectivity instead.
func (e *Engine) SetOnline(online bool) bool {
	manual, ok := e.source.(*connectivity.ManualSource)
	if !ok {
		return false
	}
	manual.Set(online)
	return true
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Store returns the local store.
func (e *Engine) Store() db.Store { return e.store }

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *connectivity.Monitor { return e.monitor }

// Cache returns the reference data cache.
func (e *Engine) Cache() *refcache.Cache { return e.cache }

// Queue returns the outbound queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Driver returns the sync driver.
func (e *Engine) Driver() *syncpkg.Driver { return e.driver }

// Scheduler returns the background scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Router returns the query router.
func (e *Engine) Router() *router.Router { return e.router }

// Interceptor returns the caching proxy, or nil when disabled.
func (e *Engine) Interceptor() *interceptor.Interceptor { return e.proxy }
