package runtime

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/keechma/keechma-pipelines/engine"
	"github.com/keechma/keechma-pipelines/event"
	"github.com/keechma/keechma-pipelines/future"
	"github.com/keechma/keechma-pipelines/observability"
	"github.com/keechma/keechma-pipelines/pipeline"
	"github.com/keechma/keechma-pipelines/queue"
	"github.com/keechma/keechma-pipelines/registry"
)

var tracer = otel.Tracer("github.com/keechma/keechma-pipelines/runtime")

// InvokeOpts carries the optional parent link used when a step invokes
// a nested pipeline, linking the child into the parent's cancellation
// subtree. Left zero for a root invocation.
type InvokeOpts struct {
	Parent *registry.Ident
}

// InvokeResult collapses spec's three-way invoke() return (a ready
// value, a cancelled sentinel, or a pending future) into one Go value.
// Exactly one of Future being non-nil, Cancelled, or Detached/Value/Err
// applies.
type InvokeResult struct {
	// Value and Err are set when the instance ran synchronously to
	// completion before Invoke returned (the sync-fast-path).
	Value any
	Err   error
	// Cancelled is true when the instance was rejected outright
	// (Dropping at capacity) or ended cancelled before Invoke returned.
	Cancelled bool
	// Detached is true when the instance was started fire-and-forget;
	// no Future is handed back for a detached instance.
	Detached bool
	// Future resolves once the instance reaches a terminal state, set
	// whenever the instance suspended (or was queued) before Invoke
	// returned.
	Future *future.Future[engine.Result]
}

// Invoke admits and, if admission allows, runs pipelineRef (a
// registered pipeline id or a *pipeline.Pipeline value) with args.
func (rt *Runtime) Invoke(ctx context.Context, pipelineRef any, args any, opts InvokeOpts) InvokeResult {
	p, err := rt.resolvePipeline(pipelineRef)
	if err != nil {
		return InvokeResult{Err: err}
	}

	cfg := p.Config()
	queueName := cfg.Queue

	if rt.rateLimiter != nil && queueName != "" {
		if rlErr := rt.rateLimiter.Allow(queueName); rlErr != nil {
			observability.RecordRateLimitRejection(queueName)
			return InvokeResult{Err: rlErr}
		}
	}

	ident := registry.Ident{Pipeline: p.ID(), Token: uuid.NewString()}

	if cfg.UseExisting && queueName != "" {
		if existing, ok := rt.findMatchingLive(queueName, p.ID(), args); ok {
			if pi, ok := rt.lookupPending(existing.Ident); ok {
				observability.RecordQueueAdmission(queueName, "existing")
				return InvokeResult{Future: pi.fut}
			}
		}
	}

	admitCfg := cfg
	admitCfg.UseExisting = false
	decision := rt.queues.Admit(ident, admitCfg)
	if decision.Err != nil {
		return InvokeResult{Err: decision.Err}
	}
	observability.RecordQueueAdmission(queueName, admissionLabel(decision))

	if decision.Dropped {
		rt.publish(&event.Cancelled{Ident: ident, Reason: "dropped"})
		return InvokeResult{Cancelled: true}
	}

	rt.cancelPeers(decision.Cancel)

	rec := registry.NewRecord(ident, opts.Parent, cfg.Detached, cfg.CancelOnShutdown)
	rec.Args = args
	rt.reg.Register(rec)

	fut := future.New[engine.Result]()
	resumable := engine.NewResumable(ident, p, args)
	rec.Payload = resumable

	pi := &pendingInvocation{rec: rec, pipeline: p, cfg: cfg, queueName: queueName, fut: fut}
	rt.trackPending(pi)

	rt.publish(&event.Admitted{Ident: ident, Queue: queueName, Behavior: cfg.Behavior})

	if decision.Queued {
		rt.setState(rec, queueName, registry.StateQueued)
		if cfg.Detached {
			return InvokeResult{Detached: true}
		}
		return InvokeResult{Future: fut}
	}

	return rt.execute(ctx, pi, true)
}

func admissionLabel(d queue.Decision) string {
	switch {
	case d.Dropped:
		return "dropped"
	case d.Queued:
		return "queued"
	default:
		return "run"
	}
}

// findMatchingLive looks for a live (non-terminal) instance of
// pipelineID in queueName whose stored Args equal args, implementing
// the true useExisting semantics the bare queue manager can't: it has
// no notion of argument equality, only "any running instance".
func (rt *Runtime) findMatchingLive(queueName, pipelineID string, args any) (*registry.Record, bool) {
	for _, snap := range rt.queues.Snapshots() {
		if snap.Name != queueName {
			continue
		}
		candidates := append(append([]registry.Ident{}, snap.Running...), snap.Pending...)
		for _, id := range candidates {
			if id.Pipeline != pipelineID {
				continue
			}
			rec, ok := rt.reg.Get(id)
			if !ok || rec.State().IsTerminal() {
				continue
			}
			if reflect.DeepEqual(rec.Args, args) {
				return rec, true
			}
		}
	}
	return nil, false
}

// cancelPeers cancels every displaced peer a Restartable/KeepLatest
// admission returned, via each peer's own subtree (not just itself).
func (rt *Runtime) cancelPeers(idents []registry.Ident) {
	for _, id := range idents {
		queueName := ""
		if pi, ok := rt.lookupPending(id); ok {
			queueName = pi.queueName
		}
		cancelled := rt.reg.CancelTree(id)
		rt.afterCancel(cancelled)
		observability.RecordQueueCancellation(queueName)
	}
}

// execute runs pi's resumable to completion on its own goroutine,
// racing the first suspension point when raceSuspend is true (Invoke's
// sync-fast-path); when raceSuspend is false (a promoted queued
// instance), it always runs detached from the caller and settles
// pi.fut itself.
func (rt *Runtime) execute(ctx context.Context, pi *pendingInvocation, raceSuspend bool) InvokeResult {
	rec := pi.rec
	rt.setState(rec, pi.queueName, registry.StateRunning)
	rt.publish(&event.Started{Ident: rec.Ident})

	ctx, span := tracer.Start(ctx, "runtime.invoke", oteltrace.WithAttributes(
		attribute.String("pipeline.id", rec.Ident.Pipeline),
		attribute.String("pipeline.queue", pi.queueName),
	))
	defer span.End()

	resumable, _ := rec.Payload.(*engine.Resumable)

	var suspendOnce sync.Once
	suspendCh := make(chan struct{})
	hooks := engine.Hooks{
		InvokeNested: func(ctx context.Context, np *pipeline.Pipeline, value any, parent registry.Ident) engine.NestedResult {
			return rt.invokeNested(ctx, np, value, parent)
		},
		CancelSignal: rec.Canceller,
		OnSuspend: func() {
			rt.publish(&event.Suspended{Ident: rec.Ident})
			observability.RecordInstanceSuspension(rec.Ident.Pipeline)
			suspendOnce.Do(func() { close(suspendCh) })
		},
		OnCancel: func(f *future.Future[any]) { rt.onCancelFn(f) },
		Transact: rt.Transact,
		Logger:   rt.logger,
	}

	done := make(chan engine.Result, 1)
	engine.SafeGo(rt.logger, "engine.run", func() {
		done <- engine.Run(ctx, resumable, hooks)
	}, func(err error) {
		done <- engine.Result{Err: err}
	})

	if !raceSuspend {
		go rt.finishInstance(ctx, pi, <-done)
		return InvokeResult{}
	}

	select {
	case res := <-done:
		rt.finishInstance(ctx, pi, res)
		if pi.cfg.Detached {
			return InvokeResult{Detached: true}
		}
		return resultToInvokeResult(res)
	case <-suspendCh:
		go rt.finishInstance(ctx, pi, <-done)
		if pi.cfg.Detached {
			return InvokeResult{Detached: true}
		}
		return InvokeResult{Future: pi.fut}
	}
}

func resultToInvokeResult(res engine.Result) InvokeResult {
	if res.Cancelled {
		return InvokeResult{Cancelled: true}
	}
	return InvokeResult{Value: res.Value, Err: res.Err}
}

// invokeNested adapts Invoke's InvokeResult to the narrower
// engine.NestedResult shape, bridging a *future.Future[engine.Result]
// into the *future.Future[any] the engine package deals in.
func (rt *Runtime) invokeNested(ctx context.Context, p *pipeline.Pipeline, value any, parent registry.Ident) engine.NestedResult {
	res := rt.Invoke(ctx, p, value, InvokeOpts{Parent: &parent})
	if res.Future != nil {
		return engine.NestedResult{Future: bridgeResultFuture(res.Future)}
	}
	if res.Detached {
		return engine.NestedResult{}
	}
	if res.Cancelled {
		return engine.NestedResult{Value: engine.Cancelled}
	}
	return engine.NestedResult{Value: res.Value, Err: res.Err}
}

func bridgeResultFuture(f *future.Future[engine.Result]) *future.Future[any] {
	out := future.New[any]()
	f.Then(func(res engine.Result, _ error) {
		switch {
		case res.Cancelled:
			out.Complete(engine.Cancelled)
		case res.Err != nil:
			out.CompleteExceptionally(res.Err)
		default:
			out.Complete(res.Value)
		}
	})
	return out
}

// finishInstance records the terminal outcome, notifies the bus and
// metrics, settles pi.fut, and runs the completion/waiting-children/
// promotion chain.
func (rt *Runtime) finishInstance(ctx context.Context, pi *pendingInvocation, res engine.Result) {
	rec := pi.rec
	_, started, _ := rec.Timestamps()

	switch {
	case res.Cancelled:
		rt.publish(&event.Cancelled{Ident: rec.Ident, Reason: "completed-cancelled"})
		observability.RecordInstanceInvocation(rec.Ident.Pipeline, "cancelled", durationMS(started))
	case res.Err != nil:
		// A nested, non-detached child's error travels to its parent,
		// which reports it only if no rescue catches it there.
		if rec.Parent() == nil || pi.cfg.Detached {
			rt.reportError(res.Err)
		}
		rt.publish(&event.Errored{Ident: rec.Ident, Err: res.Err})
		rt.queues.RecordOutcome(pi.queueName, nil, res.Err)
		observability.RecordInstanceInvocation(rec.Ident.Pipeline, "errored", durationMS(started))
	default:
		rt.publish(&event.Completed{Ident: rec.Ident, Value: res.Value})
		rt.queues.RecordOutcome(pi.queueName, res.Value, nil)
		observability.RecordInstanceInvocation(rec.Ident.Pipeline, "completed", durationMS(started))
	}

	pi.fut.Complete(res)
	rt.completeOrWait(ctx, pi)
}

func durationMS(started *time.Time) int {
	if started == nil {
		return 0
	}
	return int(time.Since(*started).Milliseconds())
}

func (rt *Runtime) completeOrWait(ctx context.Context, pi *pendingInvocation) {
	rec := pi.rec
	if len(rec.Children()) > 0 {
		rt.setState(rec, pi.queueName, registry.StateWaitingChildren)
		return
	}
	rt.removeAndPromote(ctx, pi)
}

// removeAndPromote unregisters pi's instance, recursively finalizes a
// parent left in waiting-children with no other children, and starts
// whatever the freed queue slot promotes next.
func (rt *Runtime) removeAndPromote(ctx context.Context, pi *pendingInvocation) {
	rec := pi.rec
	parent := rec.Parent()

	rt.reg.Remove(rec.Ident)
	rt.forgetPending(rec.Ident)

	if parent != nil {
		if prec, ok := rt.reg.Get(*parent); ok && prec.State() == registry.StateWaitingChildren && len(prec.Children()) == 0 {
			if ppi, ok2 := rt.lookupPending(*parent); ok2 {
				rt.removeAndPromote(ctx, ppi)
			}
		}
	}

	promoted := rt.queues.Remove(pi.queueName, rec.Ident)
	for _, id := range promoted {
		if npi, ok := rt.lookupPending(id); ok {
			go rt.execute(ctx, npi, false)
		}
	}
}
