// Package observer provides typed, synchronous event fan-out.
//
// Handlers run in registration order on the goroutine that calls Notify.
// Subscribe returns an unsubscribe func; components call it on teardown.
package observer

import "sync"

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// List is a registration-ordered set of handlers for events of type T.
// The zero value is ready to use.
type List[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []subscription[T]
}

func (l *List[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	l.mu.Lock()
	l.next++
	id := l.next
	l.subs = append(l.subs, subscription[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.subs {
		if s.id == id {
			// Copy so an in-progress Notify keeps its snapshot intact.
			subs := make([]subscription[T], 0, len(l.subs)-1)
			subs = append(subs, l.subs[:i]...)
			subs = append(subs, l.subs[i+1:]...)
			l.subs = subs
			return
		}
	}
}

// Notify delivers v to every handler registered at the time of the call.
func (l *List[T]) Notify(v T) {
	l.mu.Lock()
	subs := l.subs
	l.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}
