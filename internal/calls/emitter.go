package calls

import "sync"

type listener[T any] struct {
	id uint64
	fn func(T)
}

// emitter is a typed synchronous event channel. Listeners run on the
// emitting goroutine in subscription order and may unsubscribe themselves.
type emitter[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
}

func (e *emitter[T]) subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, l := range e.listeners {
				if l.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *emitter[T]) emit(value T) {
	e.mu.Lock()
	snapshot := e.listeners
	e.mu.Unlock()
	for _, l := range snapshot {
		l.fn(value)
	}
}

func (e *emitter[T]) clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

func (e *emitter[T]) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
