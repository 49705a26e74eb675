package event

import (
	"github.com/keechma/keechma-pipelines/pipeline"
	"github.com/keechma/keechma-pipelines/registry"
)

// Admitted is published once an instance clears queue admission,
// before its interpreter starts stepping.
type Admitted struct {
	Ident    registry.Ident
	Queue    string
	Behavior pipeline.Behavior
}

func (e *Admitted) EventType() string { return "instance.admitted" }

// Started is published the moment an instance's interpreter begins
// running on its goroutine.
type Started struct {
	Ident registry.Ident
}

func (e *Started) EventType() string { return "instance.started" }

// Suspended is published each time an instance blocks on a promise,
// whether its own, a nested pipeline's, or one inside a tail —
// engine.Hooks.OnSuspend's runtime-facing counterpart.
type Suspended struct {
	Ident registry.Ident
}

func (e *Suspended) EventType() string { return "instance.suspended" }

// Resumed describes a previously suspended instance's awaited value
// settling and stepping continuing. runtime.Runtime does not publish
// it; a resumption is not announced on the bus.
type Resumed struct {
	Ident registry.Ident
}

func (e *Resumed) EventType() string { return "instance.resumed" }

// Completed is published when an instance reaches a terminal,
// non-error, non-cancelled state.
type Completed struct {
	Ident registry.Ident
	Value any
}

func (e *Completed) EventType() string { return "instance.completed" }

// Errored is published when an instance's error escapes every rescue
// and finally block.
type Errored struct {
	Ident registry.Ident
	Err   error
}

func (e *Errored) EventType() string { return "instance.errored" }

// Cancelled is published when an instance is cancelled, whether
// directly, as part of a parent's subtree cancellation, or as a queue
// peer displaced by Restartable/KeepLatest admission.
type Cancelled struct {
	Ident  registry.Ident
	Reason string
}

func (e *Cancelled) EventType() string { return "instance.cancelled" }
