// Package graph provides the immutable in-memory projection of the code
// graph and the algorithms that run on it: dependency and impact
// traversal, cycle detection and bounded shortest paths.
//
// A Snapshot is built from a consistent storage.Dump and never changes
// after construction. Nodes are indexed in ascending id order, so comparing
// indices is the same as comparing ids; every deterministic tie-break in
// this package relies on that.
package graph

import (
	"sort"
	"time"

	"github.com/orneryd/mucode/pkg/storage"
)

// adj is one adjacency entry: the neighbor's index and the edge kind.
type adj struct {
	to   int32
	kind storage.EdgeKind
}

// Snapshot is an immutable adjacency-list projection of the store.
//
// Safe for concurrent use by any number of readers.
type Snapshot struct {
	version uint64
	builtAt time.Time

	nodes []*storage.Node // ascending id
	index map[string]int32
	out   [][]adj // forward adjacency, sorted by (to, kind)
	in    [][]adj // reverse adjacency, sorted by (to, kind)

	edges   int
	skipped int
}

// Build constructs a snapshot in O(V log V + E log E). Edges whose endpoint
// is not among the dumped nodes are skipped and counted.
func Build(d *storage.Dump, version uint64) *Snapshot {
	s := &Snapshot{version: version, builtAt: time.Now()}
	if d == nil {
		d = &storage.Dump{}
	}

	s.nodes = make([]*storage.Node, len(d.Nodes))
	copy(s.nodes, d.Nodes)
	sort.Slice(s.nodes, func(i, j int) bool { return s.nodes[i].ID < s.nodes[j].ID })

	s.index = make(map[string]int32, len(s.nodes))
	for i, n := range s.nodes {
		s.index[n.ID] = int32(i)
	}

	s.out = make([][]adj, len(s.nodes))
	s.in = make([][]adj, len(s.nodes))
	for _, e := range d.Edges {
		from, ok1 := s.index[e.Source]
		to, ok2 := s.index[e.Target]
		if !ok1 || !ok2 {
			s.skipped++
			continue
		}
		s.out[from] = append(s.out[from], adj{to: to, kind: e.Kind})
		s.in[to] = append(s.in[to], adj{to: from, kind: e.Kind})
		s.edges++
	}
	for i := range s.nodes {
		sortAdj(s.out[i])
		sortAdj(s.in[i])
	}
	return s
}

func sortAdj(list []adj) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].to != list[j].to {
			return list[i].to < list[j].to
		}
		return list[i].kind < list[j].kind
	})
}

// Version is the monotonically increasing publish number.
func (s *Snapshot) Version() uint64 { return s.version }

// BuiltAt is when the snapshot was constructed.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// NodeCount returns the number of nodes.
func (s *Snapshot) NodeCount() int { return len(s.nodes) }

// EdgeCount returns the number of projected edges.
func (s *Snapshot) EdgeCount() int { return s.edges }

// Skipped returns how many dumped edges had a missing endpoint.
func (s *Snapshot) Skipped() int { return s.skipped }

// Node returns the node with id, or nil.
func (s *Snapshot) Node(id string) *storage.Node {
	if i, ok := s.index[id]; ok {
		return s.nodes[i]
	}
	return nil
}

// Has reports whether id is in the snapshot.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Nodes returns all nodes in ascending id order. The slice must not be
// modified.
func (s *Snapshot) Nodes() []*storage.Node { return s.nodes }

// Neighbors returns the edges of id in direction dir whose kind is in
// kinds, ordered by neighbor id then kind. storage.Both lists outgoing
// edges first.
func (s *Snapshot) Neighbors(id string, dir storage.Direction, kinds KindSet) []storage.Edge {
	i, ok := s.index[id]
	if !ok {
		return nil
	}
	var out []storage.Edge
	if dir == storage.Outgoing || dir == storage.Both {
		for _, a := range s.out[i] {
			if kinds.Has(a.kind) {
				out = append(out, storage.Edge{Source: id, Target: s.nodes[a.to].ID, Kind: a.kind})
			}
		}
	}
	if dir == storage.Incoming || dir == storage.Both {
		for _, a := range s.in[i] {
			if kinds.Has(a.kind) {
				out = append(out, storage.Edge{Source: s.nodes[a.to].ID, Target: id, Kind: a.kind})
			}
		}
	}
	return out
}

// Degree counts edges of id with kinds in kinds.
func (s *Snapshot) Degree(id string, dir storage.Direction, kinds KindSet) int {
	i, ok := s.index[id]
	if !ok {
		return 0
	}
	n := 0
	if dir == storage.Outgoing || dir == storage.Both {
		for _, a := range s.out[i] {
			if kinds.Has(a.kind) {
				n++
			}
		}
	}
	if dir == storage.Incoming || dir == storage.Both {
		for _, a := range s.in[i] {
			if kinds.Has(a.kind) {
				n++
			}
		}
	}
	return n
}

// Edges returns every projected edge ordered by (source, target, kind).
func (s *Snapshot) Edges() []storage.Edge {
	out := make([]storage.Edge, 0, s.edges)
	for i, list := range s.out {
		for _, a := range list {
			out = append(out, storage.Edge{Source: s.nodes[i].ID, Target: s.nodes[a.to].ID, Kind: a.kind})
		}
	}
	return out
}
