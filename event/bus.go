package event

import (
	"sync"
)

type Handler[Key, Event any] interface {
	OnEvent(key Key, e Event)
}

// HandlerFunc is an adapter to allow the use of ordinary
// functions as Handlers.
type HandlerFunc[Key, Event any] func(Key, Event)

// OnEvent calls f(key, e).
func (f HandlerFunc[Key, Event]) OnEvent(key Key, e Event) {
	f(key, e)
}

// Bus fans events out to every registered handler.
//
// Handlers run synchronously on the publishing goroutine, in registration
// order, so a single publisher's events are observed in the order they were
// published. Handlers must not block.
type Bus[Key, Event any] struct {
	handlersMu sync.RWMutex
	nextID     uint64
	handlers   []registration[Key, Event]
}

type registration[Key, Event any] struct {
	id      uint64
	handler Handler[Key, Event]
}

func NewBus[Key, Event any]() *Bus[Key, Event] {
	return &Bus[Key, Event]{}
}

// AddHandler registers h and returns a function that removes it again.
func (b *Bus[Key, Event]) AddHandler(h Handler[Key, Event]) (remove func()) {
	b.handlersMu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, registration[Key, Event]{id: id, handler: h})
	b.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.removeHandler(id)
		})
	}
}

func (b *Bus[Key, Event]) removeHandler(id uint64) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	for i, r := range b.handlers {
		if r.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}

func (b *Bus[Key, Event]) OnEvent(key Key, e Event) {
	b.handlersMu.RLock()
	// Copy handlers so they can (un)register from within OnEvent
	handlers := make([]Handler[Key, Event], len(b.handlers))
	for i, r := range b.handlers {
		handlers[i] = r.handler
	}
	b.handlersMu.RUnlock()

	for _, h := range handlers {
		h.OnEvent(key, e)
	}
}
