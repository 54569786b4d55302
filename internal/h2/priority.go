package h2

import (
	"cmp"
	"errors"
	"slices"
)

// defaultWeight is the effective weight of a stream without explicit priority.
const defaultWeight = 16

var errSelfDependency = errors.New("h2: stream cannot depend on itself")

// Node is a snapshot of one stream's position in the priority tree.
type Node struct {
	StreamID  uint32
	Parent    uint32 // 0 is the root
	Weight    int    // 1-256
	Exclusive bool
}

// PriorityTree is the stream dependency forest of one connection. It is owned
// by the connection loop and not safe for concurrent use.
type PriorityTree struct {
	nodes map[uint32]*Node
}

func NewPriorityTree() *PriorityTree {
	return &PriorityTree{nodes: make(map[uint32]*Node)}
}

// Add inserts id with default priority unless it is already present.
func (t *PriorityTree) Add(id uint32) {
	if _, ok := t.nodes[id]; !ok {
		t.nodes[id] = &Node{StreamID: id, Weight: defaultWeight}
	}
}

// Update upserts id with the given dependency. weight is the wire value
// (0-255); the stored weight is one more. A dependency on a stream that is not
// in the tree falls back to the root.
//
// If dep is currently a descendant of id, dep is first moved to id's former
// parent so the tree stays acyclic. With exclusive set and a non-zero dep,
// every other child of dep becomes a child of id.
func (t *PriorityTree) Update(id, dep uint32, weight uint8, exclusive bool) error {
	if id == dep {
		return errSelfDependency
	}

	n, ok := t.nodes[id]
	if !ok {
		n = &Node{StreamID: id}
		t.nodes[id] = n
	}
	n.Weight = int(weight) + 1
	n.Exclusive = exclusive

	if dep != 0 {
		parent, ok := t.nodes[dep]
		if !ok {
			dep = 0
		} else if t.isDescendant(dep, id) {
			parent.Parent = n.Parent
		}
	}
	n.Parent = dep

	if exclusive && dep != 0 {
		for _, other := range t.nodes {
			if other.StreamID != id && other.Parent == dep {
				other.Parent = id
			}
		}
	}
	return nil
}

// Remove deletes id. Its children are attached to its parent.
func (t *PriorityTree) Remove(id uint32) {
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	for _, other := range t.nodes {
		if other.Parent == id {
			other.Parent = n.Parent
		}
	}
	delete(t.nodes, id)
}

// Node returns a copy of id's node.
func (t *PriorityTree) Node(id uint32) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (t *PriorityTree) Len() int {
	return len(t.nodes)
}

// isDescendant reports whether a sits below b. The walk stops at the root, at
// a stream missing from the tree or at the first repeated stream.
func (t *PriorityTree) isDescendant(a, b uint32) bool {
	visited := make(map[uint32]struct{})
	for cur := a; cur != 0; {
		if _, seen := visited[cur]; seen {
			return false
		}
		visited[cur] = struct{}{}

		n, ok := t.nodes[cur]
		if !ok {
			return false
		}
		if n.Parent == b {
			return true
		}
		cur = n.Parent
	}
	return false
}

// Order sorts ids for scheduling: ancestors before descendants, siblings by
// weight descending then stream id ascending. Streams not in the tree come
// last in id order.
func (t *PriorityTree) Order(ids []uint32) []uint32 {
	want := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	children := make(map[uint32][]*Node)
	for _, n := range t.nodes {
		p := n.Parent
		if _, ok := t.nodes[p]; !ok {
			p = 0
		}
		children[p] = append(children[p], n)
	}
	for _, c := range children {
		slices.SortFunc(c, func(a, b *Node) int {
			if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
				return c
			}
			return cmp.Compare(a.StreamID, b.StreamID)
		})
	}

	out := make([]uint32, 0, len(ids))
	visited := make(map[uint32]struct{}, len(t.nodes))
	var walk func(parent uint32)
	walk = func(parent uint32) {
		for _, n := range children[parent] {
			if _, seen := visited[n.StreamID]; seen {
				continue
			}
			visited[n.StreamID] = struct{}{}
			if _, ok := want[n.StreamID]; ok {
				out = append(out, n.StreamID)
			}
			walk(n.StreamID)
		}
	}
	walk(0)

	var rest []uint32
	for id := range want {
		if _, seen := visited[id]; !seen {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}
