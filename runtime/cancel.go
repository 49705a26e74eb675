package runtime

import (
	"context"

	"github.com/keechma/keechma-pipelines/engine"
	"github.com/keechma/keechma-pipelines/event"
	"github.com/keechma/keechma-pipelines/registry"
)

// Cancel walks up from ident to its cancel root (the first detached or
// parent-less ancestor) and cancels that root's entire subtree
// (depth-first, leaves first, skipping detached children), returning
// every ident actually cancelled. Cancelling a non-root, non-detached
// ident therefore reaches its parent and siblings too, not just ident
// itself.
func (rt *Runtime) Cancel(ident registry.Ident) []registry.Ident {
	root := rt.reg.CancelRoot(ident)
	cancelled := rt.reg.CancelTree(root)
	rt.afterCancel(cancelled)
	return cancelled
}

// CancelAll cancels every subtree rooted at an ident in idents.
func (rt *Runtime) CancelAll(idents []registry.Ident) []registry.Ident {
	var all []registry.Ident
	for _, id := range idents {
		all = append(all, rt.Cancel(id)...)
	}
	return all
}

// Stop idempotently cancels every instance whose pipeline opted into
// CancelOnShutdown and stops the background cleanup sweep, if any. A
// second call is a no-op.
func (rt *Runtime) Stop() []registry.Ident {
	if rt.stopped.Swap(true) {
		return nil
	}
	cancelled := rt.reg.CancelAll(func(r *registry.Record) bool { return r.CancelOnShutdown() })
	rt.afterCancel(cancelled)
	if rt.stopCleanup != nil {
		rt.stopCleanup()
	}
	return cancelled
}

// afterCancel finalizes every cancelled ident that has no live
// engine.Run goroutine left to notice its own cancellation: a running
// or suspended instance reacts to the closed canceller channel itself
// (via hooks.cancelled()/future.Await's race) and drives finishInstance
// through the ordinary completion path, but a still-queued or
// waiting-children instance has no goroutine watching it, so its queue
// slot and future are settled here instead.
func (rt *Runtime) afterCancel(cancelled []registry.Ident) {
	for _, id := range cancelled {
		pi, ok := rt.lookupPending(id)
		if !ok {
			continue
		}
		switch pi.rec.State() {
		case registry.StateQueued, registry.StateWaitingChildren:
		default:
			continue
		}
		rt.setState(pi.rec, pi.queueName, registry.StateCancelled)
		rt.publish(&event.Cancelled{Ident: id, Reason: "cancelled"})
		pi.fut.Complete(engine.Result{Cancelled: true})
		rt.removeAndPromote(context.Background(), pi)
	}
}
