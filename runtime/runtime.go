package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/keechma/keechma-pipelines/engine"
	"github.com/keechma/keechma-pipelines/event"
	"github.com/keechma/keechma-pipelines/future"
	"github.com/keechma/keechma-pipelines/pipeline"
	"github.com/keechma/keechma-pipelines/queue"
	"github.com/keechma/keechma-pipelines/ratelimit"
	"github.com/keechma/keechma-pipelines/registry"
)

// Logger is the structured logging surface the runtime, engine, and
// event bus all share. A single concrete adapter satisfies all three
// without this package depending on any of them concretely.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// WatcherFunc is notified on every instance state mutation: the queue
// the instance belongs to, its ident, and the state it moved from/to.
type WatcherFunc func(queue string, ident registry.Ident, old, new registry.State)

// Options configures a Runtime at Start. Every field is optional.
type Options struct {
	// Watcher is called on every instance state mutation.
	Watcher WatcherFunc
	// ErrorReporter is invoked at most once per top-level error that
	// escapes every rescue/finally block. Defaults to a debug log line.
	ErrorReporter func(err error)
	// OnCancel is invoked with the in-flight future a suspended instance
	// was awaiting, whenever its cancellation wins the race. Defaults to
	// a no-op.
	OnCancel func(f *future.Future[any])
	// Transactor wraps each step's synchronous execution individually,
	// approximating the host's single-threaded transaction boundary;
	// consecutive synchronous steps between two suspension points are
	// not coalesced into one call. Defaults to invoking the function
	// directly.
	Transactor func(fn func())
	// Bus is the event bus instance lifecycle events are published to.
	// Defaults to a fresh in-memory bus logging through Logger.
	Bus event.Bus
	// Logger is shared by the runtime, engine, and event bus. Defaults
	// to a no-op logger.
	Logger Logger
	// RateLimiter optionally throttles admission per queue name. Nil
	// disables rate limiting.
	RateLimiter *ratelimit.Limiter
	// CleanupConfig, if non-nil, starts the background stale
	// waiting-children sweep described in cleanup.go.
	CleanupConfig *CleanupConfig
}

// pendingInvocation is the runtime's own bookkeeping for one registered
// instance, keyed by Ident, alongside the registry.Record the rest of
// the system shares.
type pendingInvocation struct {
	rec       *registry.Record
	pipeline  *pipeline.Pipeline
	cfg       pipeline.Config
	queueName string
	fut       *future.Future[engine.Result]
}

// Runtime is the façade every pipeline invocation goes through: the
// wiring between pipeline, engine, queue, registry, and event.
type Runtime struct {
	mu        sync.Mutex
	reg       *registry.Registry
	queues    *queue.Manager
	pipelines map[string]*pipeline.Pipeline
	pending   map[registry.Ident]*pendingInvocation

	bus           event.Bus
	logger        Logger
	watcher       WatcherFunc
	errorReporter func(error)
	onCancelFn    func(*future.Future[any])
	transactor    func(fn func())
	rateLimiter   *ratelimit.Limiter

	depth       atomic.Int64
	stopped     atomic.Bool
	stopCleanup func()
}

// Start registers pipelines and returns a ready Runtime. A pipeline
// whose Config has no explicit queue is defaulted to an unbounded,
// None-behavior queue named after its own id, per the registration
// rule that every registered pipeline ends up on some named queue even
// when the author never called a queue combinator. A pipeline invoked
// directly by value (bypassing registration) keeps its Config exactly
// as built, including a genuinely empty queue name.
func Start(ctx context.Context, pipelines []*pipeline.Pipeline, opts Options) *Runtime {
	rt := &Runtime{
		reg:       registry.New(),
		queues:    queue.NewManager(),
		pipelines: make(map[string]*pipeline.Pipeline, len(pipelines)),
		pending:   make(map[registry.Ident]*pendingInvocation),
	}

	rt.logger = opts.Logger
	if rt.logger == nil {
		rt.logger = noopLogger{}
	}
	rt.bus = opts.Bus
	if rt.bus == nil {
		rt.bus = event.NewInMemoryBusWithLogger(rt.logger)
	}
	rt.watcher = opts.Watcher
	if rt.watcher == nil {
		rt.watcher = func(string, registry.Ident, registry.State, registry.State) {}
	}
	rt.errorReporter = opts.ErrorReporter
	if rt.errorReporter == nil {
		rt.errorReporter = func(err error) { rt.logger.Debug("unhandled pipeline error", "error", err) }
	}
	rt.onCancelFn = opts.OnCancel
	if rt.onCancelFn == nil {
		rt.onCancelFn = func(*future.Future[any]) {}
	}
	rt.transactor = opts.Transactor
	if rt.transactor == nil {
		rt.transactor = func(fn func()) { fn() }
	}
	rt.rateLimiter = opts.RateLimiter

	for _, p := range pipelines {
		cfg := p.Config()
		if cfg.Queue == "" {
			p = p.SetQueue(p.ID(), pipeline.None, pipeline.Unbounded)
		}
		rt.pipelines[p.ID()] = p
	}

	if opts.CleanupConfig != nil {
		sweeper := NewCleanupSweeper(rt.reg, rt.logger)
		sweeper.OnCancelled(rt.afterCancel)
		rt.stopCleanup = sweeper.StartCleanupLoop(*opts.CleanupConfig)
	}

	return rt
}

func (rt *Runtime) resolvePipeline(ref any) (*pipeline.Pipeline, error) {
	switch v := ref.(type) {
	case string:
		p, ok := rt.pipelines[v]
		if !ok {
			return nil, fmt.Errorf("runtime: no pipeline registered as %q", v)
		}
		return p, nil
	case *pipeline.Pipeline:
		return v, nil
	default:
		return nil, fmt.Errorf("runtime: invalid pipeline reference %T", ref)
	}
}

func (rt *Runtime) setState(rec *registry.Record, queueName string, s registry.State) registry.State {
	old := rec.SetState(s)
	rt.watcher(queueName, rec.Ident, old, s)
	return old
}

func (rt *Runtime) publish(msg event.Message) {
	_ = rt.bus.Publish(context.Background(), msg)
}

func (rt *Runtime) trackPending(pi *pendingInvocation) {
	rt.mu.Lock()
	rt.pending[pi.rec.Ident] = pi
	rt.mu.Unlock()
}

func (rt *Runtime) lookupPending(id registry.Ident) (*pendingInvocation, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	pi, ok := rt.pending[id]
	return pi, ok
}

func (rt *Runtime) forgetPending(id registry.Ident) {
	rt.mu.Lock()
	delete(rt.pending, id)
	rt.mu.Unlock()
}
