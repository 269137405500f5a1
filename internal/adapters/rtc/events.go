package rtc

import "sync"

// emitter is a small typed listener list. Listeners run in registration
// order; on returns an unsubscribe handle.
type emitter[T any] struct {
	mu   sync.Mutex
	next int
	subs []sub[T]
}

type sub[T any] struct {
	id int
	fn func(T)
}

func (e *emitter[T]) on(fn func(T)) func() {
	e.mu.Lock()
	e.next++
	id := e.next
	e.subs = append(e.subs, sub[T]{id: id, fn: fn})
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter[T]) emit(v T) {
	e.mu.Lock()
	subs := make([]sub[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}
