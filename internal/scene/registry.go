package scene

// Registry hands out stable network ids and keeps the ordered list of
// replicable objects the replication managers iterate. Ids are arena
// slots with a reuse version, so a destroyed object's slot can be recycled
// without stale references resolving to the newcomer.
//
// The replication managers subscribe to added/removed/dirty notifications;
// the registry itself never talks to the network.
type Registry struct {
	root *Node

	slots    []Object
	versions []uint8
	free     []uint32
	ordered  []Object

	onAdded   []func(Object)
	onRemoved []func(Object)
	onDirty   []func(Object)
}

func NewRegistry() *Registry {
	return &Registry{root: NewNode("root")}
}

// Root returns the hierarchy root. Nodes parented here replicate with no
// parent linkage.
func (r *Registry) Root() *Node {
	return r.root
}

func (r *Registry) OnAdded(fn func(Object)) {
	r.onAdded = append(r.onAdded, fn)
}

func (r *Registry) OnRemoved(fn func(Object)) {
	r.onRemoved = append(r.onRemoved, fn)
}

func (r *Registry) OnDirty(fn func(Object)) {
	r.onDirty = append(r.onDirty, fn)
}

// Attach registers an object on a node and assigns a fresh id. The mode
// becomes Server: this is the authoritative registration path.
func (r *Registry) Attach(node *Node, obj Object) NetworkID {
	var slot uint32
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		slot = uint32(len(r.slots))
		r.slots = append(r.slots, nil)
		r.versions = append(r.versions, 0)
	}
	r.versions[slot]++
	if r.versions[slot] == 0 {
		r.versions[slot] = 1
	}
	id := MakeID(slot, r.versions[slot])

	r.slots[slot] = obj
	r.ordered = append(r.ordered, obj)
	obj.attach(r, id, node)
	obj.setMode(ModeServer)
	for _, fn := range r.onAdded {
		fn(obj)
	}
	return id
}

// AttachReplicated registers an object under a server-assigned id, as a
// client does when applying AddObjects.
func (r *Registry) AttachReplicated(id NetworkID, node *Node, obj Object, mode OwnershipMode) {
	slot := id.Slot()
	for uint32(len(r.slots)) <= slot {
		r.slots = append(r.slots, nil)
		r.versions = append(r.versions, 0)
	}
	r.slots[slot] = obj
	r.versions[slot] = id.Version()
	r.ordered = append(r.ordered, obj)
	obj.attach(r, id, node)
	obj.setMode(mode)
	for _, fn := range r.onAdded {
		fn(obj)
	}
}

// Remove unregisters an object and every replicated descendant of its
// node, parents first, then detaches the node subtree from the hierarchy.
func (r *Registry) Remove(obj Object) {
	node := obj.Node()
	if node == nil {
		return
	}
	node.walkObjects(func(o Object) {
		r.removeOne(o)
	})
	node.detach()
}

func (r *Registry) removeOne(obj Object) {
	slot := obj.ID().Slot()
	if int(slot) >= len(r.slots) || r.slots[slot] != obj {
		return
	}
	r.slots[slot] = nil
	r.free = append(r.free, slot)
	for i, o := range r.ordered {
		if o == obj {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
	for _, fn := range r.onRemoved {
		fn(obj)
	}
	obj.detach()
}

// Get resolves an id, returning nil for stale versions and empty slots.
func (r *Registry) Get(id NetworkID) Object {
	slot := id.Slot()
	if int(slot) >= len(r.slots) {
		return nil
	}
	obj := r.slots[slot]
	if obj == nil || obj.ID() != id {
		return nil
	}
	return obj
}

// AtSlot returns the live object in an arena slot, if any.
func (r *Registry) AtSlot(slot uint32) Object {
	if int(slot) >= len(r.slots) {
		return nil
	}
	return r.slots[slot]
}

// Objects returns the live objects in registration order. The slice is
// shared; callers must not keep it across mutations.
func (r *Registry) Objects() []Object {
	return r.ordered
}

// SlotCount returns the size of the slot arena, the bound for per-slot
// bookkeeping like relevance bitsets and delta masks.
func (r *Registry) SlotCount() int {
	return len(r.slots)
}

// SetMode overrides how this peer perceives an object's ownership; the
// client replication manager uses it when an ownership change arrives.
func (r *Registry) SetMode(obj Object, mode OwnershipMode) {
	obj.setMode(mode)
}

func (r *Registry) notifyDirty(obj Object) {
	for _, fn := range r.onDirty {
		fn(obj)
	}
}
