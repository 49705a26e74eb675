package event

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

// Logger is the structured logging surface InMemoryBus needs. Separate
// from engine.Logger so this package doesn't depend on engine.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, kv ...any) { log.Printf("[DEBUG] %s %v", msg, kv) }
func (l *defaultLogger) Info(msg string, kv ...any)  { log.Printf("[INFO] %s %v", msg, kv) }
func (l *defaultLogger) Warn(msg string, kv ...any)  { log.Printf("[WARN] %s %v", msg, kv) }
func (l *defaultLogger) Error(msg string, kv ...any) { log.Printf("[ERROR] %s %v", msg, kv) }

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, kv ...any) {}
func (l *noopLogger) Info(msg string, kv ...any)  {}
func (l *noopLogger) Warn(msg string, kv ...any)  {}
func (l *noopLogger) Error(msg string, kv ...any) {}

// NoopLogger returns a Logger that discards everything.
func NoopLogger() Logger { return &noopLogger{} }

type subscriberEntry struct {
	id      string
	handler HandlerFunc
}

// InMemoryBus is an in-memory, single-process implementation of Bus:
// thread-safe fan-out with a middleware chain, sized for a runtime's
// watcher notifications rather than cross-process messaging.
type InMemoryBus struct {
	subscribers map[string][]subscriberEntry
	middleware  []Middleware
	nextSubID   uint64
	logger      Logger
	mu          sync.RWMutex
}

// NewInMemoryBus returns a Bus with the default (log-package) logger.
func NewInMemoryBus() *InMemoryBus {
	return NewInMemoryBusWithLogger(&defaultLogger{})
}

// NewInMemoryBusWithLogger returns a Bus using logger, or the default
// logger if logger is nil.
func NewInMemoryBusWithLogger(logger Logger) *InMemoryBus {
	if logger == nil {
		logger = &defaultLogger{}
	}
	return &InMemoryBus{
		subscribers: make(map[string][]subscriberEntry),
		logger:      logger,
	}
}

// SetLogger replaces the bus's logger; pass NoopLogger() to silence it.
func (b *InMemoryBus) SetLogger(logger Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if logger == nil {
		logger = &defaultLogger{}
	}
	b.logger = logger
}

// Publish fans event out to every subscriber of its EventType
// concurrently. Subscriber errors are logged and the first one is
// returned to the caller, but do not stop delivery to the rest.
func (b *InMemoryBus) Publish(ctx context.Context, event Message) error {
	eventType := event.EventType()

	processed, err := b.runBefore(ctx, event)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("event_aborted_by_middleware", "event_type", eventType)
		return nil
	}

	b.mu.RLock()
	entries := append([]subscriberEntry{}, b.subscribers[eventType]...)
	b.mu.RUnlock()

	if len(entries) == 0 {
		b.logger.Debug("no_subscribers_for_event", "event_type", eventType)
		return b.runAfter(ctx, event, nil)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(entries))
	for i, entry := range entries {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			if err := h(ctx, processed); err != nil {
				errs[idx] = err
				b.logger.Warn("subscriber_failed", "event_type", eventType, "error", err.Error())
			}
		}(i, entry.handler)
	}
	wg.Wait()

	var firstErr error
	for _, e := range errs {
		if e != nil {
			firstErr = e
			break
		}
	}

	return b.runAfter(ctx, event, firstErr)
}

// Subscribe registers handler for eventType, returning an idempotent
// unsubscribe function.
func (b *InMemoryBus) Subscribe(eventType string, handler HandlerFunc) func() {
	subID := fmt.Sprintf("sub_%d", atomic.AddUint64(&b.nextSubID, 1))

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: subID, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("subscribed", "event_type", eventType, "sub_id", subID)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subscribers[eventType]
		for i, entry := range entries {
			if entry.id == subID {
				b.subscribers[eventType] = append(entries[:i], entries[i+1:]...)
				b.logger.Debug("unsubscribed", "event_type", eventType, "sub_id", subID)
				return
			}
		}
	}
}

// AddMiddleware appends mw to the chain.
func (b *InMemoryBus) AddMiddleware(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// HasSubscribers reports whether eventType has at least one
// subscriber.
func (b *InMemoryBus) HasSubscribers(eventType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType]) > 0
}

// Clear removes every subscriber and middleware.
func (b *InMemoryBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[string][]subscriberEntry)
	b.middleware = nil
}

func (b *InMemoryBus) runBefore(ctx context.Context, event Message) (Message, error) {
	b.mu.RLock()
	chain := append([]Middleware{}, b.middleware...)
	b.mu.RUnlock()

	current := event
	for _, mw := range chain {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

func (b *InMemoryBus) runAfter(ctx context.Context, event Message, err error) error {
	b.mu.RLock()
	chain := append([]Middleware{}, b.middleware...)
	b.mu.RUnlock()

	for i := len(chain) - 1; i >= 0; i-- {
		if afterErr := chain[i].After(ctx, event, err); afterErr != nil {
			err = afterErr
		}
	}
	return err
}

var _ Bus = (*InMemoryBus)(nil)
