package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/keechma/keechma-pipelines/future"
	"github.com/keechma/keechma-pipelines/pipeline"
	"github.com/keechma/keechma-pipelines/registry"
)

var tracer = otel.Tracer("github.com/keechma/keechma-pipelines/engine")

// errCancelled is raced internally against every promise await; it never
// escapes this package, Result.Cancelled carries the same information
// to callers.
var errCancelled = errors.New("engine: cancelled")

// NestedResult is what Hooks.InvokeNested reports after recursively
// invoking a pipeline value encountered inline as a step's result. It
// mirrors the same sync-or-suspend split as the top-level runtime
// facade's invoke().
type NestedResult struct {
	Value  any
	Err    error
	Future *future.Future[any] // non-nil when the nested invocation itself suspended
}

// Hooks is the narrow set of runtime-owned operations the interpreter
// needs. It is a struct of closures rather than an interface the engine
// package implements against runtime, so runtime can depend on engine
// without engine depending back on runtime.
type Hooks struct {
	// InvokeNested runs a pipeline value encountered as a step's
	// dynamic return, linking it as a child of parent for structured
	// cancellation.
	InvokeNested func(ctx context.Context, p *pipeline.Pipeline, value any, parent registry.Ident) NestedResult
	// CancelSignal returns the one-shot channel that closes when this
	// resumable's instance is cancelled. May be nil (no cancellation
	// source); a tail's nested Run call receives the same hooks as its
	// parent.
	CancelSignal func() <-chan struct{}
	// OnSuspend is invoked each time this call tree blocks on a future
	// (a step's own, a nested pipeline's, or one inside a tail). Run's
	// caller uses the first call to decide between the sync-fast-path
	// and handing back a pending future.
	OnSuspend func()
	// OnCancel is invoked with the in-flight future a step is awaiting,
	// whenever cancellation wins the race against it — the hook behind
	// the runtime's onCancel(promise) facade operation.
	OnCancel func(f *future.Future[any])
	// Transact wraps a single step's synchronous execution as one
	// transaction boundary (the host's runtime.Transact), bumping
	// InPipeline's depth counter for its duration. Nil runs the step
	// directly.
	Transact func(fn func())
	Logger   Logger
}

func (h Hooks) transact(fn func()) {
	if h.Transact != nil {
		h.Transact(fn)
		return
	}
	fn()
}

func (h Hooks) fireCancel(f *future.Future[any]) {
	if h.OnCancel != nil {
		h.OnCancel(f)
	}
}

func (h Hooks) cancelled() bool {
	if h.CancelSignal == nil {
		return false
	}
	select {
	case <-h.CancelSignal():
		return true
	default:
		return false
	}
}

func (h Hooks) cancelSignal() <-chan struct{} {
	if h.CancelSignal == nil {
		return nil
	}
	return h.CancelSignal()
}

func (h Hooks) fireSuspend() {
	if h.OnSuspend != nil {
		h.OnSuspend()
	}
}

// Result is an instance's terminal disposition: exactly one of Value,
// Err, or Cancelled applies.
type Result struct {
	Value     any
	Err       error
	Cancelled bool
}

// Run steps r forward to completion, blocking on a promise await
// whenever a step (or a nested pipeline, or a tail) suspends. It is
// meant to be called on its own goroutine by runtime, which races its
// completion against the first OnSuspend callback to implement the
// sync-fast-path.
func Run(ctx context.Context, r *Resumable, hooks Hooks) Result {
	for {
		if hooks.cancelled() {
			return Result{Cancelled: true}
		}

		if r.Tail != nil {
			tail := r.Tail
			tailResult := Run(ctx, tail, hooks)
			r.Tail = nil
			if tailResult.Cancelled {
				return Result{Cancelled: true}
			}
			res, done := applyBlockRules(r, tailResult.Value, tailResult.Err)
			if done {
				return res
			}
			continue
		}

		if len(r.Remaining) == 0 {
			res, done := transitionOnExhaustion(r)
			if done {
				return res
			}
			continue
		}

		step := r.Remaining[0]
		r.Remaining = r.Remaining[1:]

		var returned any
		var stepErr error
		hooks.transact(func() { returned, stepErr = invokeStep(ctx, r, step, hooks) })
		res, done := routeReturn(ctx, r, hooks, returned, stepErr)
		if done {
			return res
		}
	}
}

// invokeStep calls step with panic recovery, normalizing both a
// directly-returned error and a recovered panic into the (value, error)
// shape routeReturn expects. Each call opens its own span, the unit of
// tracing spec.md leaves unspecified and SPEC_FULL.md assigns to the
// per-step granularity.
func invokeStep(ctx context.Context, r *Resumable, step pipeline.Step, hooks Hooks) (any, error) {
	_, span := tracer.Start(ctx, "pipeline.step",
		oteltrace.WithAttributes(
			attribute.String("pipeline.id", r.Ident.Pipeline),
			attribute.String("pipeline.block", string(r.Block)),
		),
	)
	defer span.End()

	var val any
	var err error
	if fn, ok := step.(func(any, error) (any, error)); ok {
		step = pipeline.Func(fn)
	}
	switch s := step.(type) {
	case pipeline.Func:
		val, err = SafeExecuteWithResult(hooks.Logger, "pipeline.step", func() (any, error) {
			return s(r.Value, r.Err)
		})
	case pipeline.InterpreterFunc:
		val, err = SafeExecuteWithResult(hooks.Logger, "pipeline.interpreter_step", func() (any, error) {
			return s(r.Value, r.Err, &stackView{r})
		})
	case *pipeline.Pipeline:
		val, err = s, nil
	default:
		val, err = nil, fmt.Errorf("engine: unsupported step type %T", step)
	}
	if err != nil {
		span.RecordError(err)
	}
	return val, err
}

// routeReturn applies the dispatch-by-step-return rules (§4.1 rule 2).
// done=true means the caller should return res as-is; done=false means
// r has been mutated in place and the stepping loop should continue.
func routeReturn(ctx context.Context, r *Resumable, hooks Hooks, returned any, stepErr error) (res Result, done bool) {
	if stepErr != nil {
		return applyBlockRules(r, nil, stepErr)
	}

	switch v := returned.(type) {
	case cancelledSentinel:
		return Result{Cancelled: true}, true
	case *Resumable:
		adopt(r, v)
		return Result{}, false
	case *future.Future[any]:
		hooks.fireSuspend()
		val, err := future.Await(v, hooks.cancelSignal(), errCancelled)
		if errors.Is(err, errCancelled) {
			hooks.fireCancel(v)
			return Result{Cancelled: true}, true
		}
		return routeReturn(ctx, r, hooks, val, err)
	case *pipeline.Pipeline:
		nested := hooks.InvokeNested(ctx, v, r.Value, r.Ident)
		if nested.Future != nil {
			return routeReturn(ctx, r, hooks, nested.Future, nil)
		}
		return routeReturn(ctx, r, hooks, nested.Value, nested.Err)
	case error:
		return applyBlockRules(r, nil, v)
	default:
		return applyBlockRules(r, returned, nil)
	}
}

// adopt replaces r's live fields with v's, implementing "the step has
// rewritten the stack" without changing r's registered identity — r
// remains the resumable the registry and queue manager already know
// about.
func adopt(r *Resumable, v *Resumable) {
	r.Pipeline = v.Pipeline
	r.Block = v.Block
	r.Remaining = v.Remaining
	r.Value = v.Value
	r.PrevValue = v.PrevValue
	r.Err = v.Err
	r.Tail = v.Tail
}

// applyBlockRules is rule 1 (value normalization) plus rule 3's
// error-transition half.
func applyBlockRules(r *Resumable, value any, err error) (Result, bool) {
	if err != nil {
		switch r.Block {
		case pipeline.BlockBegin:
			if len(r.Pipeline.Body().Rescue) > 0 {
				enterBlock(r, pipeline.BlockRescue, r.Pipeline.Body().Rescue, err)
				return Result{}, false
			}
			if len(r.Pipeline.Body().Finally) > 0 {
				enterBlock(r, pipeline.BlockFinally, r.Pipeline.Body().Finally, err)
				return Result{}, false
			}
			return Result{Err: err}, true
		case pipeline.BlockRescue:
			if len(r.Pipeline.Body().Finally) > 0 {
				enterBlock(r, pipeline.BlockFinally, r.Pipeline.Body().Finally, err)
				return Result{}, false
			}
			return Result{Err: err}, true
		default: // finally
			return Result{Err: err}, true
		}
	}

	if value != nil {
		r.PrevValue = r.Value
		r.Value = value
	}
	r.Err = nil
	return Result{}, false
}

func enterBlock(r *Resumable, block pipeline.BlockKind, steps []pipeline.Step, err error) {
	r.Block = block
	r.Remaining = append([]pipeline.Step{}, steps...)
	r.Err = err
}

// transitionOnExhaustion is rule 3's "on exhaustion" half: what happens
// when a block runs out of steps without producing an error. A clean
// exhaustion never enters rescue — rescue only ever runs in response to
// an error (see applyBlockRules) — it goes straight to finally if
// present, else terminates with the current value.
func transitionOnExhaustion(r *Resumable) (Result, bool) {
	switch r.Block {
	case pipeline.BlockBegin, pipeline.BlockRescue:
		if len(r.Pipeline.Body().Finally) > 0 {
			enterBlock(r, pipeline.BlockFinally, r.Pipeline.Body().Finally, nil)
			return Result{}, false
		}
		return Result{Value: r.Value}, true
	default: // finally
		return Result{Value: r.Value}, true
	}
}
