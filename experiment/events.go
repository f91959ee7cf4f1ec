package experiment

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType 引擎事件类型
type EventType string

const (
	EventTestCreated       EventType = "test_created"
	EventTestStarted       EventType = "test_started"
	EventTestStopped       EventType = "test_stopped"
	EventUserAssigned      EventType = "user_assigned"
	EventResultRecorded    EventType = "result_recorded"
	EventAnalysisCompleted EventType = "analysis_completed"
)

// subscriptionCounter 用于生成唯一订阅 ID，避免并发碰撞
var subscriptionCounter int64

// Event 引擎发出的一次事件
type Event struct {
	Type      EventType      `json:"type"`
	TestID    string         `json:"test_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	VariantID string         `json:"variant_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler 事件处理器
type EventHandler func(Event)

// EventBus delivers engine events to subscribers. Handlers for an event type
// are invoked in registration order from a single dispatch goroutine, so
// delivery order is deterministic. Subscribing after Close is rejected.
type EventBus struct {
	mu       sync.RWMutex
	subs     []eventSubscription
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	closed   bool
	logger   *zap.Logger
}

type eventSubscription struct {
	id        string
	eventType EventType
	handler   EventHandler
}

// NewEventBus 创建事件总线
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := &EventBus{
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go bus.dispatch()
	return bus
}

// Publish 发布事件；总线已满或已关闭时丢弃
func (b *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case <-b.done:
	case b.events <- event:
	default:
		b.logger.Warn("event bus full, dropping event", zap.String("type", string(event.Type)))
	}
}

// Subscribe registers a handler for an event type and returns a subscription
// ID. An empty eventType subscribes to every event. Returns "" once the bus
// is closed.
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ""
	}

	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.subs = append(b.subs, eventSubscription{id: id, eventType: eventType, handler: handler})
	return id
}

// Unsubscribe 取消订阅
func (b *EventBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == subscriptionID {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// dispatch runs the delivery loop. Handlers run synchronously in
// registration order; a panicking handler is logged and skipped.
func (b *EventBus) dispatch() {
	defer close(b.stopped)
	for {
		select {
		case event := <-b.events:
			b.deliver(event)
		case <-b.done:
			// Drain what was published before Close.
			for {
				select {
				case event := <-b.events:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *EventBus) deliver(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(handler, event)
	}
}

func (b *EventBus) invoke(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(event.Type)),
				zap.Any("recover", r))
		}
	}()
	handler(event)
}

// Close stops the bus after draining already-published events. Further
// Publish calls are dropped and Subscribe calls rejected.
func (b *EventBus) Close() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
		<-b.stopped
	})
}
