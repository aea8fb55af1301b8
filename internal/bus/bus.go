// Package bus implements the process-local event bus that decouples the
// market-data, strategy, and execution components. Delivery is best-effort,
// in-process, and non-durable.
package bus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler receives the event payload. Payloads are the typed event structs
// declared in events.go; handlers type-assert on the kind they subscribed for.
type Handler func(payload any)

// Bus dispatches published events to subscribers. Every handler runs on its
// own goroutine per publish, so a slow or panicking handler never blocks the
// publisher or its peers. There is no ordering guarantee between handlers.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[int]Handler
	nextID int
	logger *logrus.Logger
}

// New creates an empty bus.
func New(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subs:   make(map[string]map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler for a topic and returns a token for
// Unsubscribe. Handlers cannot be compared in Go, so removal is by token.
func (b *Bus) Subscribe(topic string, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	token := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][token] = h
	return token
}

// Unsubscribe removes a previously registered handler. Unknown tokens are a
// no-op. In-flight dispatches to the handler are not interrupted.
func (b *Bus) Unsubscribe(topic string, token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], token)
}

// Publish delivers payload to every handler subscribed to topic. The
// subscriber list is snapshotted under the lock; dispatch happens outside it.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	if len(handlers) == 0 {
		b.logger.WithField("topic", topic).Debug("publish: no subscribers")
		return
	}

	for _, h := range handlers {
		go b.safeCall(topic, h, payload)
	}
}

func (b *Bus) safeCall(topic string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"topic": topic,
				"panic": r,
			}).Error("event handler panicked")
		}
	}()
	h(payload)
}
