package experiment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_DeliversInRegistrationOrder(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var order []string

	for _, name := range []string{"first", "second", "third"} {
		name := name
		id := bus.Subscribe(EventTestCreated, func(Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		})
		require.NotEmpty(t, id)
	}

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTestCreated})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 15
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 15; i += 3 {
		assert.Equal(t, []string{"first", "second", "third"}, order[i:i+3],
			"handlers must fire in registration order for every event")
	}
}

func TestEventBus_TypeFiltering(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var created, all int

	bus.Subscribe(EventTestCreated, func(Event) {
		mu.Lock()
		created++
		mu.Unlock()
	})
	// 空类型订阅所有事件
	bus.Subscribe("", func(Event) {
		mu.Lock()
		all++
		mu.Unlock()
	})

	bus.Publish(Event{Type: EventTestCreated})
	bus.Publish(Event{Type: EventTestStarted})
	bus.Publish(Event{Type: EventUserAssigned})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return all == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, created)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var count int

	id := bus.Subscribe(EventTestCreated, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(Event{Type: EventTestCreated})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	bus.Unsubscribe(id)
	bus.Publish(Event{Type: EventTestCreated})

	// 给分发循环时间：计数不应再增长
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestEventBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var delivered int

	bus.Subscribe(EventTestCreated, func(Event) {
		panic("handler bug")
	})
	bus.Subscribe(EventTestCreated, func(Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	bus.Publish(Event{Type: EventTestCreated})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEventBus_CloseDrainsPendingEvents(t *testing.T) {
	bus := NewEventBus(nil)

	var mu sync.Mutex
	var count int
	bus.Subscribe("", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventResultRecorded})
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count, "events published before Close are delivered")
}

func TestEventBus_SubscribeAfterCloseRejected(t *testing.T) {
	bus := NewEventBus(nil)
	bus.Close()

	id := bus.Subscribe(EventTestCreated, func(Event) {})
	assert.Empty(t, id)

	// 关闭后的发布被丢弃，不会 panic
	bus.Publish(Event{Type: EventTestCreated})
}

func TestEventBus_TimestampStamped(t *testing.T) {
	bus := NewEventBus(nil)

	var mu sync.Mutex
	var got Event
	bus.Subscribe(EventTestStopped, func(e Event) {
		mu.Lock()
		got = e
		mu.Unlock()
	})

	bus.Publish(Event{Type: EventTestStopped, TestID: "t1"})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t1", got.TestID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	engine := newTestEngine(t, testConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var types []EventType
	engine.Events().Subscribe("", func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	test, err := engine.CreateTest(ctx, twoVariantSpec("events"))
	require.NoError(t, err)
	_, err = engine.StartTest(ctx, test.ID)
	require.NoError(t, err)
	assignment, err := engine.AssignUser(ctx, "user-1", test.ID, nil, "")
	require.NoError(t, err)
	require.NotNil(t, assignment)
	require.NoError(t, engine.RecordResult(ctx, test.ID, "user-1", "score", 1, nil, ""))
	_, err = engine.StopTest(ctx, test.ID, StopReasonCompleted)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{
		EventTestCreated,
		EventTestStarted,
		EventUserAssigned,
		EventResultRecorded,
		EventTestStopped,
	}, types)
}
