package graph

import (
	"fmt"

	"github.com/orneryd/mucode/pkg/storage"
)

// DefaultMaxHops bounds PATH queries that do not give MAX-HOPS.
const DefaultMaxHops = 10

// Path is an ordered walk from one node to another.
type Path struct {
	Nodes []*storage.Node
	Edges []storage.Edge
}

// Hops is the number of edges on the path.
func (p *Path) Hops() int { return len(p.Edges) }

// IDs returns the node ids along the path.
func (p *Path) IDs() []string {
	out := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		out[i] = n.ID
	}
	return out
}

// ShortestPath finds an unweighted shortest path over outgoing edges of the
// given kinds using at most maxHops edges. A negative maxHops means
// DefaultMaxHops; 0 only finds the empty path from a node to itself.
//
// Among equally short paths the one whose next hop has the lexicographically
// smallest id is chosen at every step. This is done by computing the exact
// distance to `to` from every node within range with a reverse
// breadth-first search, then walking forward from `from` and always taking
// the smallest-id neighbor that is one step closer.
func (s *Snapshot) ShortestPath(from, to string, maxHops int, kinds KindSet, budget *Budget) (*Path, error) {
	src, ok := s.index[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	dst, ok := s.index[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}
	if maxHops < 0 {
		maxHops = DefaultMaxHops
	}
	kinds = kinds.OrDefault()

	if src == dst {
		return &Path{Nodes: []*storage.Node{s.nodes[src]}}, nil
	}

	dist := map[int32]int{dst: 0}
	frontier := []int32{dst}
	for d := 1; d <= maxHops && len(frontier) > 0; d++ {
		var next []int32
		for _, v := range frontier {
			for _, a := range s.in[v] {
				if !kinds.Has(a.kind) {
					continue
				}
				if err := budget.Step(1); err != nil {
					return nil, err
				}
				if _, seen := dist[a.to]; seen {
					continue
				}
				dist[a.to] = d
				next = append(next, a.to)
			}
		}
		if _, found := dist[src]; found {
			break
		}
		frontier = next
	}

	hops, found := dist[src]
	if !found {
		return nil, fmt.Errorf("%w: from %s to %s within %d hops", ErrNoPath, from, to, maxHops)
	}

	p := &Path{Nodes: []*storage.Node{s.nodes[src]}}
	cur := src
	for remaining := hops; remaining > 0; remaining-- {
		// s.out is sorted by neighbor index, i.e. by id; the first
		// qualifying entry is the lexicographically smallest next hop.
		var step *adj
		for i := range s.out[cur] {
			a := &s.out[cur][i]
			if !kinds.Has(a.kind) {
				continue
			}
			if d, ok := dist[a.to]; ok && d == remaining-1 {
				step = a
				break
			}
		}
		if step == nil {
			// Unreachable: every node at distance r has a neighbor at r-1.
			return nil, fmt.Errorf("%w: inconsistent distances at %s", ErrNoPath, s.nodes[cur].ID)
		}
		p.Edges = append(p.Edges, storage.Edge{Source: s.nodes[cur].ID, Target: s.nodes[step.to].ID, Kind: step.kind})
		p.Nodes = append(p.Nodes, s.nodes[step.to])
		cur = step.to
	}
	return p, nil
}
