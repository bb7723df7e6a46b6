package feed

import (
	"context"
	"sync"
)

// Source hands out subscriptions to a stream of events.
type Source[T any] interface {
	Subscribe(ctx context.Context) (Subscription[T], error)
}

// Publisher emits events to every current subscriber of a feed.
type Publisher[T any] interface {
	Publish(ctx context.Context, event T) error
}

// Queue fan-outs events to interested subscribers. Delivery is best effort:
// slow consumers lose events rather than stall the publisher.
type Queue[T any] interface {
	Source[T]
	Publisher[T]
}

// Subscription represents an active event stream. Events is closed once the
// subscription ends.
type Subscription[T any] interface {
	Events() <-chan T
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue suitable for tests and
// single-process deployments.
func NewMemoryQueue[T any](buffer int) Queue[T] {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue[T]{
		subs:   make(map[*memorySubscription[T]]struct{}),
		buffer: buffer,
	}
}

type memoryQueue[T any] struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription[T]]struct{}
	buffer int
}

func (q *memoryQueue[T]) Publish(ctx context.Context, event T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking; consumers are expected to drain promptly.
		}
	}
	return nil
}

func (q *memoryQueue[T]) Subscribe(ctx context.Context) (Subscription[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &memorySubscription[T]{
		queue: q,
		ch:    make(chan T, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

type memorySubscription[T any] struct {
	once  sync.Once
	queue *memoryQueue[T]
	ch    chan T
}

func (s *memorySubscription[T]) Events() <-chan T {
	return s.ch
}

func (s *memorySubscription[T]) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
