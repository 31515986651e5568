// Package events provides a non-blocking pub/sub bus for orchestration
// lifecycle events.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventExecutionStarted is published when a pipeline execution begins.
	EventExecutionStarted EventType = "execution_started"
	// EventExecutionCompleted is published when an execution reaches completed.
	EventExecutionCompleted EventType = "execution_completed"
	// EventExecutionFailed is published when an execution terminally fails.
	EventExecutionFailed EventType = "execution_failed"
	// EventReviewCreated is published when a review request is enqueued.
	EventReviewCreated EventType = "review_created"
	// EventReviewAssigned is published when a review is assigned to a reviewer.
	EventReviewAssigned EventType = "review_assigned"
	// EventReviewResolved is published when a review reaches a terminal state.
	EventReviewResolved EventType = "review_resolved"
	// EventAlertFired is published when the monitor raises an alert.
	EventAlertFired EventType = "alert_fired"
)

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; if a subscriber's channel is full, the event is dropped
// silently rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber for a specific event type. The subscriber
// function is called asynchronously in a goroutine. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			// Recover from subscriber panics so one bad subscriber cannot
			// take down delivery for the rest.
			func() {
				defer func() {
					_ = recover()
				}()
				fn(event)
			}()
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
				break
			}
		}
	}
}

// SubscribeAll registers a subscriber for every known event type and returns
// a single unsubscribe function.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	types := []EventType{
		EventExecutionStarted, EventExecutionCompleted, EventExecutionFailed,
		EventReviewCreated, EventReviewAssigned, EventReviewResolved,
		EventAlertFired,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish sends an event to all subscribers of the given type. Uses select
// with default so a full subscriber channel drops the event for that
// subscriber instead of blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}
