// Package events provides typed process-wide signals between engine components.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/offlinepos/internal/models"
)

// Topic fans out values of one type to subscribers. Publish never
// blocks: a subscriber whose buffer is full misses that value, and the
// drop is counted. Delivery order across subscribers is unspecified.
type Topic[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]chan T
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[uint64]chan T)}
}

// Subscribe registers a subscriber with the given buffer size.
// cancel unregisters and closes the channel; it is safe to call twice.
func (t *Topic[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber without blocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- v:
		default:
			t.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped on full buffers.
func (t *Topic[T]) Dropped() uint64 {
	return t.dropped.Load()
}

// Subscribers returns the current subscriber count.
func (t *Topic[T]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Close closes every subscriber channel; later publishes are ignored.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// ConnectivityChanged is published once per Online/Offline transition.
type ConnectivityChanged struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Restored reports a transition to Online.
func (e ConnectivityChanged) Restored() bool { return e.Online }

// Lost reports a transition to Offline.
func (e ConnectivityChanged) Lost() bool { return !e.Online }

// ReferenceDataUpdated is published after every successful refresh.
type ReferenceDataUpdated struct {
	Type     models.EntityType        `json:"type"`
	Count    int                      `json:"count"`
	Metadata *models.SnapshotMetadata `json:"metadata,omitempty"`
	At       time.Time                `json:"at"`
}

// SyncCompleted is published at the end of each replay pass.
// At most one pass runs at a time.
type SyncCompleted struct {
	Synced    int           `json:"synced"`
	Errors    int           `json:"errors"`
	Abandoned int           `json:"abandoned"`
	Pending   int           `json:"pending"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// TransactionQueued is published when a transaction enters the queue.
type TransactionQueued struct {
	ID           string                   `json:"id"`
	Source       models.TransactionSource `json:"source"`
	PendingCount int                      `json:"pendingCount"`
	At           time.Time                `json:"at"`
}

// Level is the severity of a user-facing notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// DefaultDismiss is how long transient notifications stay visible.
const DefaultDismiss = 4 * time.Second

// Notification is an ephemeral, auto-dismissing message for the UI.
type Notification struct {
	Level   Level         `json:"level"`
	Message string        `json:"message"`
	Dismiss time.Duration `json:"dismiss"`
	At      time.Time     `json:"at"`
}

// Bus groups one topic per signal.
type Bus struct {
	Connectivity  *Topic[ConnectivityChanged]
	ReferenceData *Topic[ReferenceDataUpdated]
	SyncCompleted *Topic[SyncCompleted]
	Queued        *Topic[TransactionQueued]
	Notifications *Topic[Notification]
}

// NewBus creates a bus with every topic.
func NewBus() *Bus {
	return &Bus{
		Connectivity:  NewTopic[ConnectivityChanged](),
		ReferenceData: NewTopic[ReferenceDataUpdated](),
		SyncCompleted: NewTopic[SyncCompleted](),
		Queued:        NewTopic[TransactionQueued](),
		Notifications: NewTopic[Notification](),
	}
}

// Notify publishes a notification with the default dismiss time.
func (b *Bus) Notify(level Level, message string) {
	b.Notifications.Publish(Notification{
		Level:   level,
		Message: message,
		Dismiss: DefaultDismiss,
		At:      time.Now(),
	})
}

// Close closes every topic.
func (b *Bus) Close() {
	b.Connectivity.Close()
	b.ReferenceData.Close()
	b.SyncCompleted.Close()
	b.Queued.Close()
	b.Notifications.Close()
}
