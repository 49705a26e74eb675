package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLinksParentChild(t *testing.T) {
	reg := New()
	parent := NewRecord(Ident{Pipeline: "p", Token: "1"}, nil, false, true)
	reg.Register(parent)

	childID := Ident{Pipeline: "c", Token: "2"}
	parentID := parent.Ident
	child := NewRecord(childID, &parentID, false, true)
	reg.Register(child)

	assert.ElementsMatch(t, []Ident{childID}, parent.Children())
	assert.Equal(t, &parentID, child.Parent())
}

func TestRemoveUnlinksFromParent(t *testing.T) {
	reg := New()
	parentID := Ident{Pipeline: "p", Token: "1"}
	parent := NewRecord(parentID, nil, false, true)
	reg.Register(parent)

	childID := Ident{Pipeline: "c", Token: "2"}
	child := NewRecord(childID, &parentID, false, true)
	reg.Register(child)

	reg.Remove(childID)

	assert.Empty(t, parent.Children())
	_, ok := reg.Get(childID)
	assert.False(t, ok)
}

func TestActiveIsSortedByPipelineThenToken(t *testing.T) {
	reg := New()
	reg.Register(NewRecord(Ident{Pipeline: "b", Token: "1"}, nil, false, true))
	reg.Register(NewRecord(Ident{Pipeline: "a", Token: "2"}, nil, false, true))
	reg.Register(NewRecord(Ident{Pipeline: "a", Token: "1"}, nil, false, true))

	got := reg.Active()
	require.Len(t, got, 3)
	assert.Equal(t, Ident{Pipeline: "a", Token: "1"}, got[0])
	assert.Equal(t, Ident{Pipeline: "a", Token: "2"}, got[1])
	assert.Equal(t, Ident{Pipeline: "b", Token: "1"}, got[2])
}

func TestHasPipelineReflectsLiveInstances(t *testing.T) {
	reg := New()
	assert.False(t, reg.HasPipeline("search"))

	id := Ident{Pipeline: "search", Token: "1"}
	reg.Register(NewRecord(id, nil, false, true))
	assert.True(t, reg.HasPipeline("search"))

	reg.Remove(id)
	assert.False(t, reg.HasPipeline("search"))
}

func TestCancelTreeCancelsLeavesFirst(t *testing.T) {
	reg := New()
	rootID := Ident{Pipeline: "root", Token: "1"}
	root := NewRecord(rootID, nil, false, true)
	reg.Register(root)

	childID := Ident{Pipeline: "child", Token: "1"}
	child := NewRecord(childID, &rootID, false, true)
	reg.Register(child)

	grandchildID := Ident{Pipeline: "grandchild", Token: "1"}
	grandchild := NewRecord(grandchildID, &childID, false, true)
	reg.Register(grandchild)

	cancelled := reg.CancelTree(rootID)

	require.Len(t, cancelled, 3)
	assert.Equal(t, grandchildID, cancelled[0])
	assert.Equal(t, childID, cancelled[1])
	assert.Equal(t, rootID, cancelled[2])

	assert.True(t, root.Cancelled())
	assert.True(t, child.Cancelled())
	assert.True(t, grandchild.Cancelled())
}

func TestCancelTreeSkipsDetachedSubtree(t *testing.T) {
	reg := New()
	rootID := Ident{Pipeline: "root", Token: "1"}
	root := NewRecord(rootID, nil, false, true)
	reg.Register(root)

	detachedID := Ident{Pipeline: "detached", Token: "1"}
	detached := NewRecord(detachedID, &rootID, true, true)
	reg.Register(detached)

	cancelled := reg.CancelTree(rootID)

	assert.ElementsMatch(t, []Ident{rootID}, cancelled)
	assert.True(t, root.Cancelled())
	assert.False(t, detached.Cancelled())
}

func TestCancelTreeIsIdempotent(t *testing.T) {
	reg := New()
	id := Ident{Pipeline: "root", Token: "1"}
	reg.Register(NewRecord(id, nil, false, true))

	first := reg.CancelTree(id)
	second := reg.CancelTree(id)

	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestCancelAllOnlyReachesRootsMatchingInclude(t *testing.T) {
	reg := New()

	keepID := Ident{Pipeline: "keep", Token: "1"}
	keep := NewRecord(keepID, nil, false, false)
	reg.Register(keep)

	sweepID := Ident{Pipeline: "sweep", Token: "1"}
	sweep := NewRecord(sweepID, nil, false, true)
	reg.Register(sweep)

	cancelled := reg.CancelAll(func(r *Record) bool { return r.CancelOnShutdown() })

	assert.ElementsMatch(t, []Ident{sweepID}, cancelled)
	assert.False(t, keep.Cancelled())
	assert.True(t, sweep.Cancelled())
}

func TestCancelAllNilIncludeReachesEverything(t *testing.T) {
	reg := New()
	id1 := Ident{Pipeline: "a", Token: "1"}
	id2 := Ident{Pipeline: "b", Token: "1"}
	reg.Register(NewRecord(id1, nil, false, false))
	reg.Register(NewRecord(id2, nil, false, false))

	cancelled := reg.CancelAll(nil)
	assert.ElementsMatch(t, []Ident{id1, id2}, cancelled)
}

func TestCancelAllSkipsNonRootInstances(t *testing.T) {
	reg := New()
	parentID := Ident{Pipeline: "parent", Token: "1"}
	parent := NewRecord(parentID, nil, false, true)
	reg.Register(parent)

	childID := Ident{Pipeline: "child", Token: "1"}
	child := NewRecord(childID, &parentID, false, true)
	reg.Register(child)

	cancelled := reg.CancelAll(func(r *Record) bool { return r.CancelOnShutdown() })

	// Only the root is walked directly; the child is reached through
	// the parent's own CancelTree, not iterated separately.
	assert.ElementsMatch(t, []Ident{childID, parentID}, cancelled)
}

func TestCancelRootWalksUpToParentlessAncestor(t *testing.T) {
	reg := New()
	rootID := Ident{Pipeline: "root", Token: "1"}
	reg.Register(NewRecord(rootID, nil, false, true))

	childID := Ident{Pipeline: "child", Token: "1"}
	reg.Register(NewRecord(childID, &rootID, false, true))

	grandchildID := Ident{Pipeline: "grandchild", Token: "1"}
	reg.Register(NewRecord(grandchildID, &childID, false, true))

	assert.Equal(t, rootID, reg.CancelRoot(grandchildID))
	assert.Equal(t, rootID, reg.CancelRoot(childID))
	assert.Equal(t, rootID, reg.CancelRoot(rootID))
}

func TestCancelRootStopsAtDetachedAncestor(t *testing.T) {
	reg := New()
	rootID := Ident{Pipeline: "root", Token: "1"}
	reg.Register(NewRecord(rootID, nil, false, true))

	detachedID := Ident{Pipeline: "detached", Token: "1"}
	reg.Register(NewRecord(detachedID, &rootID, true, true))

	childID := Ident{Pipeline: "child", Token: "1"}
	reg.Register(NewRecord(childID, &detachedID, false, true))

	assert.Equal(t, detachedID, reg.CancelRoot(childID))
	assert.Equal(t, detachedID, reg.CancelRoot(detachedID))
}

func TestCancelRootOfUnregisteredIdentIsItself(t *testing.T) {
	reg := New()
	ghost := Ident{Pipeline: "ghost", Token: "1"}
	assert.Equal(t, ghost, reg.CancelRoot(ghost))
}

func TestStateIsTerminal(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateErrored.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.False(t, StateQueued.IsTerminal())
	assert.False(t, StateWaitingChildren.IsTerminal())
}

func TestSetStateStampsTimestamps(t *testing.T) {
	rec := NewRecord(Ident{Pipeline: "p", Token: "1"}, nil, false, true)

	created, started, completed := rec.Timestamps()
	assert.False(t, created.IsZero())
	assert.Nil(t, started)
	assert.Nil(t, completed)

	rec.SetState(StateRunning)
	_, started, completed = rec.Timestamps()
	assert.NotNil(t, started)
	assert.Nil(t, completed)

	rec.SetState(StateCompleted)
	_, _, completed = rec.Timestamps()
	assert.NotNil(t, completed)
}

func TestIdentStringAndIsZero(t *testing.T) {
	var zero Ident
	assert.True(t, zero.IsZero())

	id := Ident{Pipeline: "search", Token: "abc"}
	assert.False(t, id.IsZero())
	assert.Equal(t, "search/abc", id.String())
}
