package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/orneryd/mucode/pkg/storage"
)

var (
	// ErrNodeNotFound is returned when a root or endpoint id is not in the
	// snapshot.
	ErrNodeNotFound = errors.New("node not found")
	// ErrNoPath is returned when no path exists within the hop bound.
	ErrNoPath = errors.New("no path")
)

// Unbounded lifts the depth limit of a traversal.
const Unbounded = -1

// TraversalOptions configures Dependencies and Impact.
type TraversalOptions struct {
	// MaxDepth bounds the number of hops from the root. Unbounded follows
	// every reachable node; 0 reaches nothing but the root.
	MaxDepth int
	// Kinds restricts followed edges; the zero value means DefaultKinds.
	Kinds KindSet
	// Budget caps the work; nil means unlimited.
	Budget *Budget
}

// Reached is a node found by a traversal with the hop count from the root
// and the edge through which it was first reached.
type Reached struct {
	Node  *storage.Node
	Depth int
	Via   storage.Edge
}

// Traversal is the result of Dependencies or Impact.
type Traversal struct {
	Root *storage.Node
	// Nodes excludes the root and is ordered by depth, then id.
	Nodes []Reached
	// Edges lists every followed edge between visited nodes once, in
	// original direction, ordered by the traversal.
	Edges []storage.Edge
}

// IDs returns the reached node ids in result order.
func (t *Traversal) IDs() []string {
	out := make([]string, len(t.Nodes))
	for i, r := range t.Nodes {
		out[i] = r.Node.ID
	}
	return out
}

// Dependencies returns what root depends on: a breadth-first walk over
// outgoing edges.
func (s *Snapshot) Dependencies(root string, opts TraversalOptions) (*Traversal, error) {
	return s.bfs(root, opts, false)
}

// Impact returns what depends on root: a breadth-first walk over incoming
// edges.
func (s *Snapshot) Impact(root string, opts TraversalOptions) (*Traversal, error) {
	return s.bfs(root, opts, true)
}

func (s *Snapshot) bfs(root string, opts TraversalOptions, reverse bool) (*Traversal, error) {
	start, ok := s.index[root]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, root)
	}
	kinds := opts.Kinds.OrDefault()
	adjacency := s.out
	if reverse {
		adjacency = s.in
	}

	t := &Traversal{Root: s.nodes[start]}
	visited := map[int32]bool{start: true}
	frontier := []int32{start}

	for depth := 1; len(frontier) > 0; depth++ {
		if opts.MaxDepth >= 0 && depth > opts.MaxDepth {
			break
		}
		var next []int32
		via := make(map[int32]storage.Edge)
		for _, u := range frontier {
			if err := opts.Budget.Step(1); err != nil {
				return nil, err
			}
			for _, a := range adjacency[u] {
				if !kinds.Has(a.kind) {
					continue
				}
				if err := opts.Budget.Step(1); err != nil {
					return nil, err
				}
				e := s.edgeFor(u, a, reverse)
				t.Edges = append(t.Edges, e)
				if visited[a.to] {
					continue
				}
				visited[a.to] = true
				via[a.to] = e
				next = append(next, a.to)
			}
		}
		// Index order is id order.
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		for _, v := range next {
			t.Nodes = append(t.Nodes, Reached{Node: s.nodes[v], Depth: depth, Via: via[v]})
		}
		frontier = next
	}
	return t, nil
}

// edgeFor turns an adjacency entry of u back into a stored edge.
func (s *Snapshot) edgeFor(u int32, a adj, reverse bool) storage.Edge {
	if reverse {
		return storage.Edge{Source: s.nodes[a.to].ID, Target: s.nodes[u].ID, Kind: a.kind}
	}
	return storage.Edge{Source: s.nodes[u].ID, Target: s.nodes[a.to].ID, Kind: a.kind}
}

// Contained returns the nodes reachable from id over Contains edges (the
// members of a module or class), ordered by id.
func (s *Snapshot) Contained(id string) []*storage.Node {
	t, err := s.Dependencies(id, TraversalOptions{MaxDepth: Unbounded, Kinds: Kinds(storage.EdgeContains)})
	if err != nil {
		return nil
	}
	out := make([]*storage.Node, len(t.Nodes))
	for i, r := range t.Nodes {
		out[i] = r.Node
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
