// Package bus carries runtime events between the gateway core and its
// consumers (control-plane streams, log shippers, tests).
package bus

import (
	"sync"
	"time"
)

// Event is one runtime event. Name is a protocol.Event* constant; Payload
// must be JSON-marshalable since events go straight onto SSE and websocket
// streams.
type Event struct {
	Name      string      `json:"name"`
	SessionID string      `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	At        time.Time   `json:"at"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Gateway
// subsystems take this interface so tests can swap in a recorder.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// Broker is the in-process EventPublisher. Broadcast fans out
// synchronously in subscriber-id order so event ordering stays
// deterministic for any single subscriber.
type Broker struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	order    []string
	now      func() time.Time
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		handlers: make(map[string]EventHandler),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers handler under id, replacing any previous handler with
// the same id.
func (b *Broker) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[id]; !exists {
		b.order = append(b.order, id)
	}
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[id]; !exists {
		return
	}
	delete(b.handlers, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Broadcast delivers event to every subscriber. Handlers run on the
// caller's goroutine; slow consumers belong behind their own channel.
func (b *Broker) Broadcast(event Event) {
	if event.At.IsZero() {
		event.At = b.now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
