package provider

import "sync"

// EIP-1193 provider events.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
	EventMessage         = "message"
)

type listener struct {
	id uint64
	fn func(payload any)
}

// Emitter is a synchronous event emitter. Listeners run on the emitting goroutine,
// outside the emitter's lock.
type Emitter struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[string][]listener
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: map[string][]listener{}}
}

// On registers fn for event and returns a function that removes it.
func (e *Emitter) On(event string, fn func(payload any)) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listener{id: id, fn: fn})
	e.mu.Unlock()
	return func() { e.off(event, id) }
}

// Off removes every listener of event.
func (e *Emitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, event)
}

func (e *Emitter) off(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[event]
	for i, l := range ls {
		if l.id == id {
			e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

func (e *Emitter) emit(event string, payload any) {
	e.mu.Lock()
	ls := append([]listener(nil), e.listeners[event]...)
	e.mu.Unlock()
	for _, l := range ls {
		l.fn(payload)
	}
}
