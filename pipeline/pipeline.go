// Package pipeline defines the Pipeline value: an immutable description of
// a begin/rescue/finally step list plus queue and lifecycle configuration.
// A Pipeline is data, not a running thing — the engine and queue packages
// turn it into a live Resumable bound to a registry instance.
package pipeline

import "fmt"

// Behavior names one of the concurrency policies a named queue enforces
// across the instances that share it.
type Behavior string

const (
	// Restartable cancels the oldest running instance(s) so a new one
	// starts immediately once the queue is at max; nothing is queued.
	Restartable Behavior = "restartable"
	// Enqueued waits for a running slot to free up; no peer is ever
	// cancelled to make room.
	Enqueued Behavior = "enqueued"
	// Dropping rejects a new invocation immediately (as cancelled) once
	// the queue is at max.
	Dropping Behavior = "dropping"
	// KeepLatest cancels every other pending instance and keeps exactly
	// one pending slot, regardless of max.
	KeepLatest Behavior = "keepLatest"
	// None applies no queueing at all; only valid with Max == Unbounded.
	None Behavior = "none"
)

// Unbounded marks a queue Config with no concurrency ceiling.
const Unbounded = 0

// Config is the frozen configuration attached to a Pipeline. It is
// copied, never mutated, by the builder combinators below.
type Config struct {
	// Queue is the name of the queue this pipeline's instances share.
	// Empty means the instance runs unqueued, on its own.
	Queue string `json:"queue,omitempty"`
	// Behavior is the concurrency policy enforced for Queue.
	Behavior Behavior `json:"behavior,omitempty"`
	// Max is the concurrency ceiling for Queue. Unbounded (0) means no
	// ceiling for None, Enqueued and Dropping; Restartable and KeepLatest
	// treat it as 1. None requires Unbounded.
	Max int `json:"max,omitempty"`
	// UseExisting routes an invocation to a live (running or queued)
	// instance with matching arguments instead of starting a new one.
	UseExisting bool `json:"useExisting,omitempty"`
	// CancelOnShutdown marks this pipeline's instances as cancellable by
	// runtime.Stop. False opts the instance out of that shutdown sweep
	// (but it is still reachable by an explicit Cancel or CancelAll).
	CancelOnShutdown bool `json:"cancelOnShutdown,omitempty"`
	// Detached instances are isolated from their parent's cancellation
	// subtree: cancelling the parent never cancels a detached child.
	Detached bool `json:"detached,omitempty"`
}

// Validate reports a configuration error without mutating Config; unlike
// the teacher's Validate, which defaults fields in place, Pipeline.Config
// is always treated as already-frozen by the time it reaches here.
func (c Config) Validate() error {
	if c.Behavior == None && c.Max != Unbounded {
		return fmt.Errorf("pipeline: behavior %q requires an unbounded queue, got max=%d", None, c.Max)
	}
	if c.Behavior != "" && c.Queue == "" {
		return fmt.Errorf("pipeline: behavior %q set without a queue name", c.Behavior)
	}
	if c.Queue != "" && c.Behavior == "" {
		return fmt.Errorf("pipeline: queue %q set without a behavior", c.Queue)
	}
	if c.Max < 0 {
		return fmt.Errorf("pipeline: max must be >= 0, got %d", c.Max)
	}
	return nil
}

// Body holds the three step lists the interpreter steps through in
// order: Begin runs first, Rescue runs only if a Begin step produced an
// error (an error inside Rescue goes on to Finally), and Finally runs
// last whether the earlier blocks succeeded or failed. A cancelled
// instance stops where it is and runs none of the remaining blocks.
type Body struct {
	Begin   []Step
	Rescue  []Step
	Finally []Step
}

// Step is deliberately `any` at the list level. The engine type-switches
// each entry to one of:
//
//	Func              a plain synchronous/asynchronous step (an unnamed
//	                   func with the same signature is treated as a Func)
//	InterpreterFunc    a step that receives and may rewrite the live stack
//	*Pipeline          a nested pipeline, spliced in as a sub-resumable
//
// A typed sum here would prevent a step from returning a value that is
// itself a pipeline or a rewritten stack, which the interpreter must
// support; see the engine package's dispatch rules.
type Step = any

// Func is a step invoked with the current value and the in-flight error
// (non-nil only for the first step of a Rescue block, or of a Finally
// block entered after an error). Its return is itself dispatched
// generically: a plain value, an error, a *future.Future[any], a
// *pipeline.Pipeline, or a *engine.Resumable are all valid returns.
type Func func(value any, err error) (any, error)

// InterpreterFunc is a step that additionally receives the live
// Resumable so it can inspect or replace the remaining stack — the
// mechanism spec'd for advanced cases like stale-while-revalidate. The
// second return mirrors Func's generic dispatch.
type InterpreterFunc func(value any, err error, stack StackView) (any, error)

// StackView is the narrow read/replace interface an InterpreterFunc gets
// onto the live Resumable, kept as a minimal interface here so this
// package has no dependency on the engine package's concrete type.
type StackView interface {
	Remaining() []Step
	Replace(steps []Step)
	Block() BlockKind
	// PrevValue returns the value the instance held before its most
	// recent non-nil step result, the mechanism Muted uses to restore
	// the outer value once a muted nested pipeline's own result has
	// overwritten it.
	PrevValue() any
}

// BlockKind names which of Begin/Rescue/Finally is currently executing.
type BlockKind string

const (
	BlockBegin   BlockKind = "begin"
	BlockRescue  BlockKind = "rescue"
	BlockFinally BlockKind = "finally"
)

// Pipeline is an immutable, named, step list plus configuration. Build
// one with New and the combinator methods below (Rescue, Finally,
// SetQueue and the rest); every combinator returns a
// copy, so a Pipeline value can be shared and extended freely without
// aliasing surprises.
type Pipeline struct {
	id     string
	body   Body
	config Config
}

// New constructs a Pipeline from an id and a begin step list. id need not
// be globally unique; it is the human-readable half of every instance's
// Ident and is repeated across every invocation of this pipeline.
func New(id string, begin ...Step) *Pipeline {
	return &Pipeline{id: id, body: Body{Begin: begin}}
}

// ID returns the pipeline's declared id.
func (p *Pipeline) ID() string { return p.id }

// Config returns the pipeline's frozen configuration.
func (p *Pipeline) Config() Config { return p.config }

// Body returns the pipeline's frozen step lists.
func (p *Pipeline) Body() Body { return p.body }

func (p *Pipeline) clone() *Pipeline {
	cp := *p
	return &cp
}

// Rescue returns a copy of p with the given rescue steps appended.
func (p *Pipeline) Rescue(steps ...Step) *Pipeline {
	cp := p.clone()
	cp.body.Rescue = append(append([]Step{}, p.body.Rescue...), steps...)
	return cp
}

// Finally returns a copy of p with the given finally steps appended.
func (p *Pipeline) Finally(steps ...Step) *Pipeline {
	cp := p.clone()
	cp.body.Finally = append(append([]Step{}, p.body.Finally...), steps...)
	return cp
}

// SetQueue returns a copy of p bound to the named queue with the given
// behavior and max concurrency.
func (p *Pipeline) SetQueue(name string, behavior Behavior, max int) *Pipeline {
	cp := p.clone()
	cp.config.Queue = name
	cp.config.Behavior = behavior
	cp.config.Max = max
	return cp
}

// Restartable is shorthand for SetQueue(name, Restartable, max).
func (p *Pipeline) Restartable(name string, max int) *Pipeline {
	return p.SetQueue(name, Restartable, max)
}

// Enqueued is shorthand for SetQueue(name, Enqueued, max).
func (p *Pipeline) Enqueued(name string, max int) *Pipeline {
	return p.SetQueue(name, Enqueued, max)
}

// Dropping is shorthand for SetQueue(name, Dropping, max).
func (p *Pipeline) Dropping(name string, max int) *Pipeline {
	return p.SetQueue(name, Dropping, max)
}

// KeepLatest is shorthand for SetQueue(name, KeepLatest, max). Per
// design, only one pending slot is ever retained regardless of max.
func (p *Pipeline) KeepLatest(name string, max int) *Pipeline {
	return p.SetQueue(name, KeepLatest, max)
}

// UseExisting returns a copy of p that, when invoked with matching
// arguments, is routed onto a live (running or queued) instance instead
// of starting a new one.
func (p *Pipeline) UseExisting() *Pipeline {
	cp := p.clone()
	cp.config.UseExisting = true
	return cp
}

// CancelOnShutdown returns a copy of p whose instances are included in
// runtime.Stop's cancellation sweep.
func (p *Pipeline) CancelOnShutdown(v bool) *Pipeline {
	cp := p.clone()
	cp.config.CancelOnShutdown = v
	return cp
}

// Detached returns a copy of p whose instances are isolated from their
// parent's cancellation subtree.
func (p *Pipeline) Detached() *Pipeline {
	cp := p.clone()
	cp.config.Detached = true
	return cp
}

// Muted returns a pipeline that invokes p with the current value and
// then resumes with that same original value, discarding whatever p
// produced. It is a composition-level wrapper, not a flag on p: p keeps
// its own id, queue, and lifecycle configuration and is admitted (and
// cancelled) as its own nested instance, exactly as any other pipeline
// value returned from a step.
func (p *Pipeline) Muted() *Pipeline {
	target := p
	invokeTarget := Func(func(value any, err error) (any, error) {
		return target, nil
	})
	restoreOriginal := InterpreterFunc(func(value any, err error, stack StackView) (any, error) {
		return stack.PrevValue(), nil
	})
	return New(p.id, invokeTarget, restoreOriginal)
}

// Validate checks the pipeline's configuration for internal consistency.
func (p *Pipeline) Validate() error {
	if p.id == "" {
		return fmt.Errorf("pipeline: id is required")
	}
	if len(p.body.Begin) == 0 {
		return fmt.Errorf("pipeline %q: begin block must have at least one step", p.id)
	}
	return p.config.Validate()
}
