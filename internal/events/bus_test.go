// Package events tests for the typed event bus.
package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTopic_PublishSubscribe verifies every subscriber receives the value.
func TestTopic_PublishSubscribe(t *testing.T) {
	topic := NewTopic[int]()
	a, cancelA := topic.Subscribe(1)
	defer cancelA()
	b, cancelB := topic.Subscribe(1)
	defer cancelB()

	topic.Publish(7)

	assert.Equal(t, 7, <-a)
	assert.Equal(t, 7, <-b)
}

// TestTopic_PublishNeverBlocks verifies a full buffer drops and counts.
func TestTopic_PublishNeverBlocks(t *testing.T) {
	topic := NewTopic[int]()
	ch, cancel := topic.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		topic.Publish(1)
		topic.Publish(2)
		topic.Publish(3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Equal(t, 1, <-ch)
	assert.Equal(t, uint64(2), topic.Dropped())
}

// TestTopic_Cancel verifies cancel closes the channel and is idempotent.
func TestTopic_Cancel(t *testing.T) {
	topic := NewTopic[string]()
	ch, cancel := topic.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
	assert.Zero(t, topic.Subscribers())

	topic.Publish("ignored")
}

// TestTopic_Close verifies Close ends subscriptions and later subscribes.
func TestTopic_Close(t *testing.T) {
	topic := NewTopic[int]()
	ch, cancel := topic.Subscribe(1)
	topic.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := topic.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscribe after Close should return a closed channel")
}

// TestTopic_concurrent verifies concurrent publish and cancel do not race.
func TestTopic_concurrent(t *testing.T) {
	topic := NewTopic[int]()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := topic.Subscribe(4)
			for j := 0; j < 50; j++ {
				topic.Publish(j)
			}
			cancel()
			for range ch {
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, topic.Subscribers())
}

// TestBus_Notify verifies notifications carry the default dismiss time.
func TestBus_Notify(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Notifications.Subscribe(1)
	defer cancel()

	bus.Notify(LevelWarning, "sin conexión")
	n := <-ch
	require.Equal(t, LevelWarning, n.Level)
	assert.Equal(t, DefaultDismiss, n.Dismiss)
	assert.False(t, n.At.IsZero())
}

// TestConnectivityChanged_helpers verifies Restored and Lost.
func TestConnectivityChanged_helpers(t *testing.T) {
	assert.True(t, ConnectivityChanged{Online: true}.Restored())
	assert.True(t, ConnectivityChanged{Online: false}.Lost())
}
