// Package event implements the watcher fan-out bus: the mechanism a
// runtime uses to notify state-mutation callbacks ("watchers") about
// pipeline instance lifecycle transitions, decoupled from the engine
// and queue packages that produce those transitions.
package event

import (
	"context"
)

// Message is the protocol for every event published on the bus.
// EventType is used for subscriber routing and logging.
type Message interface {
	EventType() string
}

// HandlerFunc processes one published event. A non-nil error is logged
// but never stops delivery to other subscribers of the same event.
type HandlerFunc func(ctx context.Context, event Message) error

// Middleware intercepts every publish for cross-cutting concerns
// (logging, circuit breaking). Before may veto delivery by returning a
// nil message; After observes the outcome after all subscribers ran.
type Middleware interface {
	Before(ctx context.Context, event Message) (Message, error)
	After(ctx context.Context, event Message, err error) error
}

// Bus is the protocol for the watcher event bus.
type Bus interface {
	// Publish fans event out to every subscriber of its EventType,
	// concurrently, returning the first subscriber error (if any).
	Publish(ctx context.Context, event Message) error

	// Subscribe registers handler for eventType and returns an
	// idempotent unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// AddMiddleware appends middleware, run in registration order on
	// Before and reverse order on After.
	AddMiddleware(mw Middleware)

	// HasSubscribers reports whether eventType has at least one
	// subscriber.
	HasSubscribers(eventType string) bool

	// Clear removes every subscriber and middleware. The runtime never
	// calls it; it is there for tests and other owners of a bus.
	Clear()
}
