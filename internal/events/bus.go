// Package events fans item lifecycle notifications out to observers such
// as the report log without ever blocking the scheduler loop.
package events

import (
	"sync"
	"time"
)

// EventType names an item lifecycle transition.
type EventType string

const (
	EventItemEnqueued     EventType = "item_enqueued"
	EventItemReported     EventType = "item_reported"
	EventItemDequeued     EventType = "item_dequeued"
	EventPipelineDisabled EventType = "pipeline_disabled"
)

// ItemEventTypes lists every event published for queue items.
var ItemEventTypes = []EventType{EventItemEnqueued, EventItemReported, EventItemDequeued, EventPipelineDisabled}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events through one buffered channel per subscriber. A full
// channel drops the event for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	wg          sync.WaitGroup
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe calls fn from a dedicated goroutine for every event of the
// given type. The returned function unsubscribes.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// deliver isolates the bus from panicking subscribers.
func deliver(fn Subscriber, event Event) {
	defer func() {
		_ = recover()
	}()
	fn(event)
}

// Publish never blocks.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes every subscription and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
