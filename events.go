package mediasched

import (
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event types published by the result handler.
const (
	EventCompleted        = "task.completed"
	EventPermanentFailure = "task.permanent_failure"
)

// Event is a task lifecycle notification.
type Event struct {
	Type   string
	Key    string
	Class  Class
	Status string
	Err    error
	At     time.Time
}

// EventEmitter receives task notifications. Emit must not block for long;
// delivery is best effort.
type EventEmitter interface {
	Emit(Event)
}

// Handler is a function that handles an event.
type Handler func(Event)

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

// Bus is a synchronous pub-sub event bus. It implements EventEmitter.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription // eventType -> subscriptions
	nextID        atomic.Uint64
	log           *zap.Logger
}

// NewBus creates a new event bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{subscriptions: make(map[string][]subscription), log: log}
}

// Subscribe registers a handler for one event type and returns its
// subscription id.
func (b *Bus) Subscribe(eventType string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.subscriptions[eventType] = append(b.subscriptions[eventType], subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
	})
	return id
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription by id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[eventType] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Emit dispatches e to type subscribers first, then wildcard ones. A
// panicking handler is logged and skipped.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subscriptions[e.Type]...)
	wildcard := append([]subscription(nil), b.subscriptions["*"]...)
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, e)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, e)
	}
}

func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event handler panicked",
				zap.String("event", e.Type), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	handler(e)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscriptions {
		n += len(subs)
	}
	return n
}
