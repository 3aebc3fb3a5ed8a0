// Package scene is the replication engine's view of the scene graph: a
// transform hierarchy of nodes, replicable objects attached to them, and
// the registry that hands out stable network ids. The real simulation
// (physics, rendering, game rules) lives outside; this package carries only
// what replication needs.
package scene

// Node is one element of the transform hierarchy. Local transforms are
// relative to the parent; world transforms are derived on demand.
type Node struct {
	Name string

	parent   *Node
	children []*Node

	localPosition Vector3
	localRotation Quaternion

	object Object
}

func NewNode(name string) *Node {
	return &Node{Name: name, localRotation: QuaternionIdentity}
}

func (n *Node) Parent() *Node {
	return n.parent
}

func (n *Node) Children() []*Node {
	return n.children
}

// Object returns the replicable object attached to this node, if any.
func (n *Node) Object() Object {
	return n.object
}

func (n *Node) CreateChild(name string) *Node {
	child := NewNode(name)
	child.parent = n
	n.children = append(n.children, child)
	return child
}

// SetParent moves the node under a new parent, recomputing the local
// transform so the world transform is unchanged.
func (n *Node) SetParent(parent *Node) {
	worldPos := n.WorldPosition()
	worldRot := n.WorldRotation()

	n.detach()
	n.parent = parent
	if parent != nil {
		parent.children = append(parent.children, n)
		parentRotInv := parent.WorldRotation().Inverse()
		n.localPosition = parentRotInv.Rotate(worldPos.Sub(parent.WorldPosition()))
		n.localRotation = parentRotInv.Mul(worldRot).Normalized()
	} else {
		n.localPosition = worldPos
		n.localRotation = worldRot
	}
	// Linkage changed: the object must resend its structural state.
	if n.object != nil {
		n.object.markStructuralDirty()
	}
}

func (n *Node) detach() {
	if n.parent == nil {
		return
	}
	siblings := n.parent.children
	for i, c := range siblings {
		if c == n {
			n.parent.children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	n.parent = nil
}

func (n *Node) LocalPosition() Vector3 {
	return n.localPosition
}

func (n *Node) LocalRotation() Quaternion {
	return n.localRotation
}

func (n *Node) SetLocalPosition(p Vector3) {
	n.localPosition = p
	n.markMoved()
}

func (n *Node) SetLocalRotation(q Quaternion) {
	n.localRotation = q.Normalized()
	n.markMoved()
}

func (n *Node) WorldPosition() Vector3 {
	if n.parent == nil {
		return n.localPosition
	}
	return n.parent.WorldPosition().Add(n.parent.WorldRotation().Rotate(n.localPosition))
}

func (n *Node) WorldRotation() Quaternion {
	if n.parent == nil {
		return n.localRotation
	}
	return n.parent.WorldRotation().Mul(n.localRotation).Normalized()
}

func (n *Node) markMoved() {
	if n.object != nil {
		n.object.markDirty()
	}
	// Moving a subtree moves every replicated descendant.
	for _, c := range n.children {
		c.markMoved()
	}
}

// FindChild searches the subtree, depth first, for a node by name.
func (n *Node) FindChild(name string) *Node {
	for _, c := range n.children {
		if c.Name == name {
			return c
		}
		if found := c.FindChild(name); found != nil {
			return found
		}
	}
	return nil
}

// walkObjects visits the objects of n and all descendants, parents first.
func (n *Node) walkObjects(visit func(Object)) {
	if n.object != nil {
		visit(n.object)
	}
	for _, c := range n.children {
		c.walkObjects(visit)
	}
}
