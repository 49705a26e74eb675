package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keechma/keechma-pipelines/registry"
)

func testEvent() *Started {
	return &Started{Ident: registry.Ident{Pipeline: "search", Token: "t1"}}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var captured int32
	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error {
		atomic.AddInt32(&captured, 1)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, testEvent()))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&captured))
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var c1, c2 int32
	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error {
		atomic.AddInt32(&c1, 1)
		return nil
	})
	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error {
		atomic.AddInt32(&c2, 1)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, testEvent()))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&c1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&c2))
}

func TestPublishWithNoSubscribersIsFine(t *testing.T) {
	bus := NewInMemoryBus()
	assert.NoError(t, bus.Publish(context.Background(), testEvent()))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var count int32
	unsubscribe := bus.Subscribe("instance.started", func(ctx context.Context, e Message) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, testEvent()))
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&count))

	unsubscribe()
	require.NoError(t, bus.Publish(ctx, testEvent()))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "no further delivery after unsubscribe")
}

func TestPublishReturnsFirstSubscriberError(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error {
		return errors.New("watcher failed")
	})

	err := bus.Publish(ctx, testEvent())
	assert.Error(t, err)
}

func TestHasSubscribersReflectsState(t *testing.T) {
	bus := NewInMemoryBus()
	assert.False(t, bus.HasSubscribers("instance.started"))
	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error { return nil })
	assert.True(t, bus.HasSubscribers("instance.started"))
}

func TestClearRemovesSubscribersAndMiddleware(t *testing.T) {
	bus := NewInMemoryBus()
	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error { return nil })
	bus.AddMiddleware(NewLoggingMiddleware("DEBUG"))

	bus.Clear()
	assert.False(t, bus.HasSubscribers("instance.started"))
}

type abortingMiddleware struct{}

func (m *abortingMiddleware) Before(ctx context.Context, e Message) (Message, error) { return nil, nil }
func (m *abortingMiddleware) After(ctx context.Context, e Message, err error) error  { return nil }

func TestMiddlewareCanAbortDelivery(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	bus.AddMiddleware(&abortingMiddleware{})

	var called int32
	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error {
		atomic.AddInt32(&called, 1)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, testEvent()))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

type orderTrackingMiddleware struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (m *orderTrackingMiddleware) Before(ctx context.Context, e Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return e, nil
}

func (m *orderTrackingMiddleware) After(ctx context.Context, e Message, err error) error {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return nil
}

func TestMiddlewareRunsBeforeInOrderAfterInReverse(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	var order []string
	var mu sync.Mutex
	bus.AddMiddleware(&orderTrackingMiddleware{name: "mw1", order: &order, mu: &mu})
	bus.AddMiddleware(&orderTrackingMiddleware{name: "mw2", order: &order, mu: &mu})

	require.NoError(t, bus.Publish(ctx, testEvent()))

	require.Equal(t, []string{"mw1-before", "mw2-before", "mw2-after", "mw1-after"}, order)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	cb := NewCircuitBreakerMiddleware(2, 50*time.Millisecond, nil)
	bus.AddMiddleware(cb)

	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error {
		return errors.New("boom")
	})

	_ = bus.Publish(ctx, testEvent())
	_ = bus.Publish(ctx, testEvent())

	assert.Equal(t, "open", cb.States()["instance.started"])
}

func TestCircuitBreakerBlocksWhileOpen(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	cb := NewCircuitBreakerMiddleware(1, time.Minute, nil)
	bus.AddMiddleware(cb)

	var called int32
	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error {
		atomic.AddInt32(&called, 1)
		return errors.New("boom")
	})

	_ = bus.Publish(ctx, testEvent())
	require.Equal(t, "open", cb.States()["instance.started"])

	_ = bus.Publish(ctx, testEvent())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&called), "second publish should be blocked by the open circuit")
}

func TestCircuitBreakerExcludedTypeBypassesBreaker(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	cb := NewCircuitBreakerMiddleware(1, time.Minute, []string{"instance.started"})
	bus.AddMiddleware(cb)

	var called int32
	bus.Subscribe("instance.started", func(ctx context.Context, e Message) error {
		atomic.AddInt32(&called, 1)
		return errors.New("boom")
	})

	for i := 0; i < 5; i++ {
		_ = bus.Publish(ctx, testEvent())
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, int32(5), atomic.LoadInt32(&called))
}
