package connection

import "sync"

// observer is a listener list. Listeners run synchronously in registration order and
// never under the observer's lock.
type observer[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

func (o *observer[T]) subscribe(fn func(T)) (unsubscribe func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscriber[T]{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

func (o *observer[T]) emit(v T) {
	o.mu.Lock()
	subs := make([]subscriber[T], len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

func (o *observer[T]) clear() {
	o.mu.Lock()
	o.subs = nil
	o.mu.Unlock()
}
