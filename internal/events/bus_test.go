package events

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{}, 1)

	unsub := bus.Subscribe(EventExecutionStarted, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		done <- struct{}{}
	})
	defer unsub()

	bus.Publish(EventExecutionStarted, map[string]any{"execution_id": "exec_0000000001_deadbeef"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Data["execution_id"] != "exec_0000000001_deadbeef" {
		t.Errorf("unexpected payload: %v", received[0].Data)
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := NewBus(10)
	got := make(chan EventType, 10)

	unsub := bus.Subscribe(EventReviewResolved, func(e Event) {
		got <- e.Type
	})
	defer unsub()

	bus.Publish(EventExecutionFailed, nil)
	bus.Publish(EventReviewResolved, nil)

	select {
	case typ := <-got:
		if typ != EventReviewResolved {
			t.Errorf("expected review_resolved, got %s", typ)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	select {
	case typ := <-got:
		t.Errorf("unexpected second delivery: %s", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	got := make(chan struct{}, 10)

	unsub := bus.Subscribe(EventAlertFired, func(Event) {
		got <- struct{}{}
	})
	unsub()

	bus.Publish(EventAlertFired, nil)

	select {
	case <-got:
		t.Error("expected no delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(10)
	got := make(chan struct{}, 10)

	unsub := bus.Subscribe(EventExecutionCompleted, func(Event) {
		panic("boom")
	})
	defer unsub()
	unsub2 := bus.Subscribe(EventExecutionCompleted, func(Event) {
		got <- struct{}{}
	})
	defer unsub2()

	bus.Publish(EventExecutionCompleted, nil)
	bus.Publish(EventExecutionCompleted, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(time.Second):
			t.Fatal("healthy subscriber starved by panicking sibling")
		}
	}
}
