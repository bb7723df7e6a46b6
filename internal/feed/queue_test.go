package feed

import (
	"context"
	"testing"
	"time"
)

type testEvent struct {
	ID   int64  `json:"id"`
	Note string `json:"note"`
}

func receive[T any](t *testing.T, sub Subscription[T]) T {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed before event arrived")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestMemoryQueueFanOut(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue[testEvent](4)
	first, err := queue.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer first.Close()
	second, err := queue.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer second.Close()

	if err := queue.Publish(ctx, testEvent{ID: 7, Note: "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, first); got.ID != 7 || got.Note != "hello" {
		t.Fatalf("unexpected event on first subscriber: %+v", got)
	}
	if got := receive(t, second); got.ID != 7 {
		t.Fatalf("unexpected event on second subscriber: %+v", got)
	}
}

func TestMemoryQueueCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue[testEvent](1)
	sub, err := queue.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()
	sub.Close()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed channel")
	}
	if err := queue.Publish(ctx, testEvent{ID: 1}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestMemoryQueueDropsWhenSubscriberFull(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue[testEvent](1)
	sub, err := queue.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	for i := int64(1); i <= 3; i++ {
		if err := queue.Publish(ctx, testEvent{ID: i}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := receive(t, sub); got.ID != 1 {
		t.Fatalf("expected first event to be kept, got %+v", got)
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("expected overflow events to be dropped, got %+v", event)
	default:
	}
}

func TestMemoryQueueClosesOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	queue := NewMemoryQueue[testEvent](1)
	sub, err := queue.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected channel to close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed by context cancellation")
	}
}
