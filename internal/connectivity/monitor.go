// Package connectivity tracks online/offline state from environment signals.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/offlinepos/internal/events"
	"github.com/kimhsiao/offlinepos/internal/logging"
)

// Source reports environment connectivity signals. It never looks at
// the outcome of application requests.
type Source interface {
	// Online returns the current state, used once at startup.
	Online(ctx context.Context) bool

	// Watch blocks until ctx is done, calling fn for every observed signal.
	Watch(ctx context.Context, fn func(online bool))
}

// Monitor is the Online/Offline state machine. Its state is advisory:
// Online does not mean any particular request will succeed.
type Monitor struct {
	source Source
	topic  *events.Topic[events.ConnectivityChanged]
	log    *logging.Logger
	now    func() time.Time

	online atomic.Bool
	mu     sync.Mutex // serializes transitions

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor publishing transitions to topic.
func NewMonitor(source Source, topic *events.Topic[events.ConnectivityChanged], log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.Get()
	}
	return &Monitor{
		source: source,
		topic:  topic,
		log:    log.Component("connectivity"),
		now:    time.Now,
	}
}

// Start reads the initial state and watches the source in the background.
// The initial state is not a transition and publishes nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	initial := m.source.Online(ctx)
	m.online.Store(initial)
	watchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.log.Info("Connectivity monitor started", map[string]interface{}{"online": initial})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.source.Watch(watchCtx, m.observe)
	}()
}

// Stop stops watching and waits for the watcher to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// IsOnline returns the last observed state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// observe applies one signal. Repeated identical signals are ignored,
// so exactly one event is published per transition.
func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online.Load() == online {
		return
	}
	m.online.Store(online)

	ev := events.ConnectivityChanged{Online: online, At: m.now()}
	if online {
		m.log.Info("Connectivity restored")
	} else {
		m.log.Warn("Connectivity lost")
	}
	m.topic.Publish(ev)
}
