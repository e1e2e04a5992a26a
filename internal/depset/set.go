package depset

import (
	"github.com/vk/assetgrid/internal/assetid"
)

type edge struct {
	parent, child int
}

// Set is an ordered, append-only collection of Dependency nodes.
type Set struct {
	nodes []*Dependency
	index map[assetid.OutputID]int
	edges map[edge]struct{}
}

// New creates an empty Set.
func New() *Set {
	return &Set{
		index: make(map[assetid.OutputID]int),
		edges: make(map[edge]struct{}),
	}
}

// Len returns the number of nodes.
func (s *Set) Len() int { return len(s.nodes) }

// At returns the node at index i. The pointer stays valid for the lifetime of the set.
func (s *Set) At(i int) *Dependency { return s.nodes[i] }

// Index returns the index of the node with the given id.
func (s *Set) Index(id assetid.OutputID) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

// Get returns the node with the given id, or nil.
func (s *Set) Get(id assetid.OutputID) *Dependency {
	if i, ok := s.index[id]; ok {
		return s.nodes[i]
	}
	return nil
}

// Add inserts dep unless a node with the same OutputID already exists, in
// which case dep's flags are unioned into the existing node. It returns the
// node's index and whether a new node was created.
func (s *Set) Add(dep Dependency) (int, bool) {
	if i, ok := s.index[dep.OutputID]; ok {
		s.nodes[i].Flags |= dep.Flags
		return i, false
	}
	d := dep
	d.Children = nil
	i := len(s.nodes)
	s.nodes = append(s.nodes, &d)
	s.index[d.OutputID] = i
	return i, true
}

// Link records that parent depends on child. A negative parent means the
// child is a root. Self links and duplicate edges are ignored; the return
// value reports whether a new edge was recorded.
func (s *Set) Link(parent, child int) bool {
	if parent < 0 || parent == child {
		return false
	}
	e := edge{parent, child}
	if _, ok := s.edges[e]; ok {
		return false
	}
	s.edges[e] = struct{}{}
	s.nodes[parent].Children = append(s.nodes[parent].Children, child)
	return true
}

// EdgeCount returns the number of distinct parent->child edges.
func (s *Set) EdgeCount() int { return len(s.edges) }

// Parents returns the reverse adjacency: for every node, the indices of the
// nodes that list it as a child.
func (s *Set) Parents() [][]int {
	parents := make([][]int, len(s.nodes))
	for p, n := range s.nodes {
		for _, c := range n.Children {
			parents[c] = append(parents[c], p)
		}
	}
	return parents
}

// Leaves returns the indices of nodes with no children, in index order.
func (s *Set) Leaves() []int {
	var out []int
	for i, n := range s.nodes {
		if len(n.Children) == 0 {
			out = append(out, i)
		}
	}
	return out
}
