package scene

import (
	"math"
	"testing"

	"framesync.io/internal/nettime"
)

func TestNode_reparentPreservesWorldTransform(t *testing.T) {
	reg := NewRegistry()

	a := reg.Root().CreateChild("a")
	a.SetLocalPosition(Vector3{X: 10})
	a.SetLocalRotation(FromAxisAngle(Vector3{Y: 1}, math.Pi/2))

	b := reg.Root().CreateChild("b")
	b.SetLocalPosition(Vector3{X: 1, Y: 2, Z: 3})

	worldBefore := b.WorldPosition()
	rotBefore := b.WorldRotation()

	b.SetParent(a)

	if !b.WorldPosition().NearlyEqual(worldBefore, 1e-9) {
		t.Fatalf("world position changed on reparent: %+v vs %+v", b.WorldPosition(), worldBefore)
	}
	if math.Abs(math.Abs(b.WorldRotation().Dot(rotBefore))-1) > 1e-9 {
		t.Fatalf("world rotation changed on reparent")
	}
	if b.Parent() != a {
		t.Fatalf("parent not updated")
	}
}

func TestRegistry_attachAssignsServerModeAndStableIDs(t *testing.T) {
	reg := NewRegistry()

	obj := NewDefaultObject()
	if obj.Mode() != ModeDraft {
		t.Fatalf("fresh object mode = %v, want Draft", obj.Mode())
	}

	node := reg.Root().CreateChild("thing")
	id := reg.Attach(node, obj)
	if obj.Mode() != ModeServer {
		t.Fatalf("registered object mode = %v, want Server", obj.Mode())
	}
	if reg.Get(id) != obj {
		t.Fatalf("Get(%v) did not resolve", id)
	}

	reg.Remove(obj)
	if reg.Get(id) != nil {
		t.Fatalf("stale id resolved after removal")
	}

	// Slot reuse bumps the version so the old id stays dead.
	obj2 := NewDefaultObject()
	id2 := reg.Attach(reg.Root().CreateChild("thing2"), obj2)
	if id2.Slot() != id.Slot() {
		t.Fatalf("slot not reused: %v vs %v", id2, id)
	}
	if id2 == id {
		t.Fatalf("reused slot kept the same version")
	}
	if reg.Get(id) != nil {
		t.Fatalf("old id resolves to the new object")
	}
}

func TestRegistry_removeCascadesToDescendants(t *testing.T) {
	reg := NewRegistry()

	var removed []NetworkID
	reg.OnRemoved(func(o Object) { removed = append(removed, o.ID()) })

	parentNode := reg.Root().CreateChild("parent")
	parentObj := NewDefaultObject()
	parentID := reg.Attach(parentNode, parentObj)

	childNode := parentNode.CreateChild("child")
	childObj := NewDefaultObject()
	childID := reg.Attach(childNode, childObj)

	grandNode := childNode.CreateChild("grandchild")
	grandObj := NewDefaultObject()
	grandID := reg.Attach(grandNode, grandObj)

	reg.Remove(parentObj)

	if len(removed) != 3 {
		t.Fatalf("removed %d objects, want 3", len(removed))
	}
	if removed[0] != parentID || removed[1] != childID || removed[2] != grandID {
		t.Fatalf("removal order = %v, want parent first", removed)
	}
	if len(reg.Objects()) != 0 {
		t.Fatalf("objects remain after cascade: %d", len(reg.Objects()))
	}
}

func TestRegistry_dirtyNotificationsReachSubtree(t *testing.T) {
	reg := NewRegistry()

	dirty := map[NetworkID]int{}
	reg.OnDirty(func(o Object) { dirty[o.ID()]++ })

	parentNode := reg.Root().CreateChild("parent")
	parentObj := NewDefaultObject()
	parentID := reg.Attach(parentNode, parentObj)

	childNode := parentNode.CreateChild("child")
	childObj := NewDefaultObject()
	childID := reg.Attach(childNode, childObj)

	// Moving the parent moves the child's world transform too.
	parentNode.SetLocalPosition(Vector3{X: 5})

	if dirty[parentID] == 0 || dirty[childID] == 0 {
		t.Fatalf("dirty did not propagate through subtree: %v", dirty)
	}
}

func TestTemporalBuffer_interpolatesBetweenSnapshots(t *testing.T) {
	b := NewTemporalBuffer(8)
	b.Push(nettime.New(100), Vector3{X: 0}, QuaternionIdentity)
	b.Push(nettime.New(102), Vector3{X: 4}, QuaternionIdentity)

	at := nettime.New(101)
	pos, ok := b.SamplePosition(at)
	if !ok {
		t.Fatalf("no sample")
	}
	if !pos.NearlyEqual(Vector3{X: 2}, 1e-9) {
		t.Fatalf("midpoint = %+v, want x=2", pos)
	}

	// Before the window: clamp to oldest.
	pos, _ = b.SamplePosition(nettime.New(90))
	if !pos.NearlyEqual(Vector3{X: 0}, 1e-9) {
		t.Fatalf("pre-window sample = %+v", pos)
	}

	// After the window: hold the newest.
	pos, _ = b.SamplePosition(nettime.New(200))
	if !pos.NearlyEqual(Vector3{X: 4}, 1e-9) {
		t.Fatalf("post-window sample = %+v", pos)
	}
}

func TestTemporalBuffer_dropsReorderedStaleSamples(t *testing.T) {
	b := NewTemporalBuffer(8)
	b.Push(nettime.New(100), Vector3{X: 1}, QuaternionIdentity)
	b.Push(nettime.New(104), Vector3{X: 5}, QuaternionIdentity)
	// Late delivery of an older snapshot.
	b.Push(nettime.New(102), Vector3{X: 100}, QuaternionIdentity)

	pos, _ := b.SamplePosition(nettime.New(102))
	if !pos.NearlyEqual(Vector3{X: 3}, 1e-9) {
		t.Fatalf("stale snapshot affected trajectory: %+v", pos)
	}
}

func TestTemporalBuffer_samplesAcrossFrameWrap(t *testing.T) {
	b := NewTemporalBuffer(8)
	b.Push(nettime.New(math.MaxUint32-1), Vector3{X: 0}, QuaternionIdentity)
	b.Push(nettime.New(2), Vector3{X: 4}, QuaternionIdentity)

	pos, ok := b.SamplePosition(nettime.New(0))
	if !ok {
		t.Fatalf("no sample")
	}
	if !pos.NearlyEqual(Vector3{X: 2}, 1e-9) {
		t.Fatalf("wrap midpoint = %+v, want x=2", pos)
	}
}
