package scene

import (
	"fmt"

	"framesync.io/internal/nettime"
	"framesync.io/internal/protocol"
)

// OwnershipMode describes who is authoritative for an object and how a
// given peer perceives it.
type OwnershipMode uint8

const (
	// ModeDraft: created but not yet registered for replication.
	ModeDraft OwnershipMode = iota
	// ModeServer: authoritative copy on the server.
	ModeServer
	// ModeClientOwned: this client's own object, owned via SetOwner.
	ModeClientOwned
	// ModeClientReplicated: a replicated copy of someone else's object.
	ModeClientReplicated
)

func (m OwnershipMode) String() string {
	switch m {
	case ModeDraft:
		return "Draft"
	case ModeServer:
		return "Server"
	case ModeClientOwned:
		return "ClientOwned"
	case ModeClientReplicated:
		return "ClientReplicated"
	default:
		return fmt.Sprintf("OwnershipMode(%d)", uint8(m))
	}
}

// NetworkID identifies a replicated object: an arena slot in the low 24
// bits and a reuse version in the high 8. Zero is never a valid id because
// versions start at 1.
type NetworkID uint32

const InvalidID NetworkID = 0

func MakeID(slot uint32, version uint8) NetworkID {
	return NetworkID(slot&0xffffff | uint32(version)<<24)
}

func (id NetworkID) Slot() uint32 {
	return uint32(id) & 0xffffff
}

func (id NetworkID) Version() uint8 {
	return uint8(uint32(id) >> 24)
}

func (id NetworkID) String() string {
	return fmt.Sprintf("%d:%d", id.Slot(), id.Version())
}

// Object is a replicable scene entity. The engine calls the Write hooks on
// the server to produce snapshot and delta payloads and the Read hooks on
// clients to apply them; everything else is bookkeeping the replication
// managers need.
type Object interface {
	ID() NetworkID
	Node() *Node
	Mode() OwnershipMode
	Owner() uint32
	Prefab() string

	// IsRelevantTo decides whether the object belongs in the given
	// connection's view this tick.
	IsRelevantTo(connID uint32) bool

	// WriteSnapshot serializes the full initial state for AddObjects.
	WriteSnapshot(w *protocol.Writer)
	// ReadSnapshot applies an initial state on the client.
	ReadSnapshot(r *protocol.Reader) error

	// WriteReliableDelta serializes structural changes since the last
	// reliable delta; it returns false when there is nothing to send.
	WriteReliableDelta(w *protocol.Writer) bool
	// ReadReliableDelta applies a structural delta on the client.
	ReadReliableDelta(r *protocol.Reader) error

	// WriteUnreliableDelta serializes the continuous state (transform).
	WriteUnreliableDelta(w *protocol.Writer)
	// ReadUnreliableDelta applies a continuous delta received at the
	// given estimated server time.
	ReadUnreliableDelta(at nettime.Time, r *protocol.Reader) error

	attach(reg *Registry, id NetworkID, node *Node)
	detach()
	markDirty()
	markStructuralDirty()
	setOwner(connID uint32)
	setMode(mode OwnershipMode)
}

// DefaultObject replicates the attached node's transform: parent linkage,
// owner and local transform over the reliable channel, continuous local
// transform over the unreliable channel. Custom object kinds embed it and
// extend the hooks.
type DefaultObject struct {
	id   NetworkID
	node *Node
	reg  *Registry

	mode   OwnershipMode
	owner  uint32
	prefab string

	structural bool

	// Relevance returns whether the object should be visible to a given
	// connection. Nil means always relevant.
	Relevance func(connID uint32) bool

	temporal TemporalBuffer
}

// NewDefaultObject creates an object in Draft mode, to be attached through
// Registry.Attach.
func NewDefaultObject() *DefaultObject {
	return &DefaultObject{mode: ModeDraft, temporal: NewTemporalBuffer(16)}
}

// NewPrefabObject creates an object that tells clients to instantiate the
// named prefab before applying replicated state.
func NewPrefabObject(prefab string) *DefaultObject {
	o := NewDefaultObject()
	o.prefab = prefab
	return o
}

func (o *DefaultObject) ID() NetworkID { return o.id }

func (o *DefaultObject) Node() *Node { return o.node }

func (o *DefaultObject) Mode() OwnershipMode { return o.mode }

func (o *DefaultObject) Owner() uint32 { return o.owner }

func (o *DefaultObject) Prefab() string { return o.prefab }

func (o *DefaultObject) IsRelevantTo(connID uint32) bool {
	if o.Relevance == nil {
		return true
	}
	return o.Relevance(connID)
}

// SetOwner assigns the owning connection. Only meaningful on the server;
// the new ownership reaches clients with the next reliable batch.
func (o *DefaultObject) SetOwner(connID uint32) {
	o.setOwner(connID)
}

func (o *DefaultObject) WriteSnapshot(w *protocol.Writer) {
	o.writeTransform(w)
	w.WriteU32(o.owner)
}

func (o *DefaultObject) ReadSnapshot(r *protocol.Reader) error {
	if err := o.readTransform(r); err != nil {
		return err
	}
	o.owner = r.ReadU32()
	return r.Err()
}

func (o *DefaultObject) WriteReliableDelta(w *protocol.Writer) bool {
	if !o.structural {
		return false
	}
	parentID := uint32(InvalidID)
	if p := o.node.Parent(); p != nil && p.Object() != nil {
		parentID = uint32(p.Object().ID())
	}
	w.WriteU32(parentID)
	o.writeTransform(w)
	w.WriteU32(o.owner)
	o.structural = false
	return true
}

func (o *DefaultObject) ReadReliableDelta(r *protocol.Reader) error {
	parentID := NetworkID(r.ReadU32())
	if r.Err() != nil {
		return r.Err()
	}
	o.applyParent(parentID)
	if err := o.readTransform(r); err != nil {
		return err
	}
	o.owner = r.ReadU32()
	return r.Err()
}

func (o *DefaultObject) WriteUnreliableDelta(w *protocol.Writer) {
	o.writeTransform(w)
}

func (o *DefaultObject) ReadUnreliableDelta(at nettime.Time, r *protocol.Reader) error {
	if err := o.readTransform(r); err != nil {
		return err
	}
	o.temporal.Push(at, o.node.WorldPosition(), o.node.WorldRotation())
	return nil
}

// TemporalWorldPosition samples the replicated world position as of the
// given network time, interpolating between bracketing snapshots.
func (o *DefaultObject) TemporalWorldPosition(at nettime.Time) (Vector3, bool) {
	return o.temporal.SamplePosition(at)
}

// TemporalWorldRotation samples the replicated world rotation as of the
// given network time.
func (o *DefaultObject) TemporalWorldRotation(at nettime.Time) (Quaternion, bool) {
	return o.temporal.SampleRotation(at)
}

func (o *DefaultObject) writeTransform(w *protocol.Writer) {
	p := o.node.LocalPosition()
	w.WriteF32(float32(p.X))
	w.WriteF32(float32(p.Y))
	w.WriteF32(float32(p.Z))
	q := o.node.LocalRotation()
	w.WriteF32(float32(q.W))
	w.WriteF32(float32(q.X))
	w.WriteF32(float32(q.Y))
	w.WriteF32(float32(q.Z))
}

func (o *DefaultObject) readTransform(r *protocol.Reader) error {
	var p Vector3
	p.X = float64(r.ReadF32())
	p.Y = float64(r.ReadF32())
	p.Z = float64(r.ReadF32())
	var q Quaternion
	q.W = float64(r.ReadF32())
	q.X = float64(r.ReadF32())
	q.Y = float64(r.ReadF32())
	q.Z = float64(r.ReadF32())
	if err := r.Err(); err != nil {
		return err
	}
	// Apply directly, without the dirty notification a local edit makes.
	o.node.localPosition = p
	o.node.localRotation = q.Normalized()
	return nil
}

func (o *DefaultObject) applyParent(parentID NetworkID) {
	if o.reg == nil {
		return
	}
	var parentNode *Node
	if parentID == InvalidID {
		parentNode = o.reg.Root()
	} else if parent := o.reg.Get(parentID); parent != nil {
		parentNode = parent.Node()
	}
	if parentNode != nil && o.node.Parent() != parentNode {
		o.node.SetParent(parentNode)
	}
}

func (o *DefaultObject) attach(reg *Registry, id NetworkID, node *Node) {
	o.reg = reg
	o.id = id
	o.node = node
	node.object = o
	o.structural = true
}

func (o *DefaultObject) detach() {
	if o.node != nil {
		o.node.object = nil
	}
	o.reg = nil
	o.id = InvalidID
	o.mode = ModeDraft
}

func (o *DefaultObject) markDirty() {
	if o.reg != nil {
		o.reg.notifyDirty(o)
	}
}

func (o *DefaultObject) markStructuralDirty() {
	o.structural = true
	o.markDirty()
}

func (o *DefaultObject) setOwner(connID uint32) {
	o.owner = connID
	o.markStructuralDirty()
}

func (o *DefaultObject) setMode(mode OwnershipMode) { o.mode = mode }
