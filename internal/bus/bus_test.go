package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSyncReachesAllHandlers(t *testing.T) {
	b := NewEventBus()

	var count atomic.Int32
	b.Subscribe(EventTypeJobCompleted, func(Event) { count.Add(1) })
	b.Subscribe(EventTypeJobCompleted, func(Event) { count.Add(1) })

	b.PublishSync(Event{Type: EventTypeJobCompleted})
	require.Equal(t, int32(2), count.Load())
}

func TestPublishIsScopedToEventType(t *testing.T) {
	b := NewEventBus()

	var completed, failed atomic.Int32
	b.Subscribe(EventTypeJobCompleted, func(Event) { completed.Add(1) })
	b.Subscribe(EventTypeJobFailed, func(Event) { failed.Add(1) })

	b.PublishSync(Event{Type: EventTypeJobCompleted})

	require.Equal(t, int32(1), completed.Load())
	require.Equal(t, int32(0), failed.Load())
}

func TestSubscribeMultiple(t *testing.T) {
	b := NewEventBus()

	var mu sync.Mutex
	var seen []EventType
	b.SubscribeMultiple([]EventType{EventTypeStageStarted, EventTypeStageFinished}, func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	b.PublishSync(Event{Type: EventTypeStageStarted})
	b.PublishSync(Event{Type: EventTypeStageFinished})
	b.PublishSync(Event{Type: EventTypeJobSubmitted}) // not subscribed

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []EventType{EventTypeStageStarted, EventTypeStageFinished}, seen)
}

func TestPublishDoesNotBlock(t *testing.T) {
	b := NewEventBus()

	done := make(chan struct{})
	b.Subscribe(EventTypeJobSubmitted, func(Event) {
		time.Sleep(100 * time.Millisecond)
		close(done)
	})

	start := time.Now()
	b.Publish(Event{Type: EventTypeJobSubmitted})
	require.Less(t, time.Since(start), 50*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestClear(t *testing.T) {
	b := NewEventBus()

	var count atomic.Int32
	b.Subscribe(EventTypeJobCompleted, func(Event) { count.Add(1) })
	b.Clear()

	b.PublishSync(Event{Type: EventTypeJobCompleted})
	require.Equal(t, int32(0), count.Load())
}
