package event

import (
	"context"
	"log"
	"sync"
	"time"
)

// LoggingMiddleware logs every published event's type and outcome.
type LoggingMiddleware struct {
	LogLevel string
}

func NewLoggingMiddleware(logLevel string) *LoggingMiddleware {
	return &LoggingMiddleware{LogLevel: logLevel}
}

func (m *LoggingMiddleware) Before(ctx context.Context, event Message) (Message, error) {
	log.Printf("event: %s", event.EventType())
	return event, nil
}

func (m *LoggingMiddleware) After(ctx context.Context, event Message, err error) error {
	if err != nil {
		log.Printf("event: %s subscriber failed: %v", event.EventType(), err)
	}
	return nil
}

// circuitState is one event type's breaker bookkeeping.
type circuitState struct {
	failures    int
	lastFailure time.Time
	state       string // "closed", "open", "half-open"
}

// CircuitBreakerMiddleware stops publishing a flood of failing events
// of the same type from burning CPU on doomed watcher calls: once an
// event type's subscribers fail failureThreshold times in a row, the
// breaker opens and Before vetoes further delivery until resetTimeout
// elapses.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excluded         map[string]struct{}
	states           map[string]*circuitState
	mu               sync.Mutex
}

func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{}, len(excludedTypes))
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}
	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excluded:         excluded,
		states:           make(map[string]*circuitState),
	}
}

func (m *CircuitBreakerMiddleware) getState(eventType string) *circuitState {
	if _, ok := m.states[eventType]; !ok {
		m.states[eventType] = &circuitState{state: "closed"}
	}
	return m.states[eventType]
}

func (m *CircuitBreakerMiddleware) Before(ctx context.Context, event Message) (Message, error) {
	eventType := event.EventType()
	if _, skip := m.excluded[eventType]; skip {
		return event, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(eventType)
	now := time.Now()

	if state.state == "open" {
		if now.Sub(state.lastFailure) >= m.resetTimeout {
			state.state = "half-open"
		} else {
			return nil, nil
		}
	}
	return event, nil
}

func (m *CircuitBreakerMiddleware) After(ctx context.Context, event Message, err error) error {
	eventType := event.EventType()
	if _, skip := m.excluded[eventType]; skip {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(eventType)
	now := time.Now()

	if err != nil {
		state.failures++
		state.lastFailure = now
		if state.state == "half-open" {
			state.state = "open"
		} else if m.failureThreshold > 0 && state.failures >= m.failureThreshold {
			state.state = "open"
		}
	} else {
		state.state = "closed"
		state.failures = 0
	}
	return nil
}

// States returns each tracked event type's current breaker state.
func (m *CircuitBreakerMiddleware) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.states))
	for k, v := range m.states {
		out[k] = v.state
	}
	return out
}

// Reset clears breaker state for eventType, or every event type if nil.
func (m *CircuitBreakerMiddleware) Reset(eventType *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if eventType != nil {
		delete(m.states, *eventType)
	} else {
		m.states = make(map[string]*circuitState)
	}
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
