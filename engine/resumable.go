package engine

import (
	"github.com/keechma/keechma-pipelines/pipeline"
	"github.com/keechma/keechma-pipelines/registry"
)

// Resumable is the mutable snapshot of one pipeline instance in flight:
// which block it is in, the steps still to run in that block, the
// current and previous values, the in-flight error (set on entering
// rescue, or finally after an error, and cleared by the next step that
// returns without error), and an optional tail — another Resumable
// that must run to completion before this one resumes, the mechanism
// behind stack replacement (see Run).
//
// Resumable is the only mutable type in this package; everything else
// treats a *Resumable as the identity of one instance's progress.
type Resumable struct {
	Ident     registry.Ident
	Pipeline  *pipeline.Pipeline
	Block     pipeline.BlockKind
	Remaining []pipeline.Step
	Value     any
	PrevValue any
	Err       error
	Tail      *Resumable
}

// NewResumable builds the initial snapshot for invoking p with args: the
// begin block, positioned at its first step.
func NewResumable(id registry.Ident, p *pipeline.Pipeline, args any) *Resumable {
	return &Resumable{
		Ident:     id,
		Pipeline:  p,
		Block:     pipeline.BlockBegin,
		Remaining: append([]pipeline.Step{}, p.Body().Begin...),
		Value:     args,
	}
}

// cancelledSentinel is the distinguished value a step may return to
// request immediate cancellation-flavored termination, and the value an
// instance's Result carries when it is cancelled.
type cancelledSentinel struct{}

// Cancelled is the sentinel value: distinct from any user value or
// error, per the glossary's "Cancelled sentinel" entry.
var Cancelled = cancelledSentinel{}

// stackView is the narrow, mutable view of a Resumable's remaining
// steps handed to an InterpreterFunc, satisfying pipeline.StackView.
type stackView struct{ r *Resumable }

func (s *stackView) Remaining() []pipeline.Step    { return s.r.Remaining }
func (s *stackView) Replace(steps []pipeline.Step) { s.r.Remaining = steps }
func (s *stackView) Block() pipeline.BlockKind     { return s.r.Block }
func (s *stackView) PrevValue() any                { return s.r.PrevValue }
