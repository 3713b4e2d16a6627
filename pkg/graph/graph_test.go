package graph

import (
	"errors"
	"sync"
	"testing"

	"github.com/orneryd/mucode/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snap builds a snapshot from "A>B" style call edges; every mentioned id
// becomes a function node.
func snap(edges ...string) *Snapshot {
	d := &storage.Dump{}
	seen := map[string]bool{}
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			d.Nodes = append(d.Nodes, &storage.Node{ID: id, Name: id, Kind: storage.KindFunction, Path: "p.py"})
		}
	}
	for _, e := range edges {
		src, dst := e[:1], e[2:]
		add(src)
		add(dst)
		d.Edges = append(d.Edges, storage.Edge{Source: src, Target: dst, Kind: storage.EdgeCalls})
	}
	return Build(d, 1)
}

func TestBuild(t *testing.T) {
	d := &storage.Dump{
		Nodes: []*storage.Node{
			{ID: "b", Kind: storage.KindFunction},
			{ID: "a", Kind: storage.KindFunction},
		},
		Edges: []storage.Edge{
			{Source: "a", Target: "b", Kind: storage.EdgeCalls},
			{Source: "a", Target: "ghost", Kind: storage.EdgeCalls},
		},
	}
	s := Build(d, 7)
	assert.Equal(t, uint64(7), s.Version())
	assert.Equal(t, 2, s.NodeCount())
	assert.Equal(t, 1, s.EdgeCount())
	assert.Equal(t, 1, s.Skipped())
	assert.Equal(t, "a", s.Nodes()[0].ID)
	assert.NotNil(t, s.Node("b"))
	assert.Nil(t, s.Node("ghost"))
	assert.Equal(t, []storage.Edge{{Source: "a", Target: "b", Kind: storage.EdgeCalls}},
		s.Neighbors("b", storage.Incoming, AllKinds))
}

func TestCycles(t *testing.T) {
	s := snap("A>B", "B>C", "C>A")
	cycles, err := s.Cycles("", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B", "C"}}, cycles)

	// Same cycle entered from a different node is still canonical.
	cycles, err = s.Cycles("C", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A", "B", "C"}}, cycles)

	s = snap("A>B", "B>C")
	cycles, err = s.Cycles("", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, cycles)
}

func TestCycles_SelfLoopAndScope(t *testing.T) {
	s := snap("A>A", "B>C", "C>B", "D>E")
	cycles, err := s.Cycles("", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}}, cycles)

	// Only the subgraph reachable from D is searched.
	cycles, err = s.Cycles("D", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, cycles)

	_, err = s.Cycles("Z", 0, nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestCycles_IgnoresExcludedKinds(t *testing.T) {
	d := &storage.Dump{
		Nodes: []*storage.Node{{ID: "m"}, {ID: "f"}},
		Edges: []storage.Edge{
			{Source: "m", Target: "f", Kind: storage.EdgeContains},
			{Source: "f", Target: "m", Kind: storage.EdgeCalls},
		},
	}
	s := Build(d, 1)
	cycles, err := s.Cycles("", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, cycles)

	cycles, err = s.Cycles("", AllKinds, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"f", "m"}}, cycles)
}

func TestImpact(t *testing.T) {
	s := snap("A>B", "B>C")

	tr, err := s.Impact("C", TraversalOptions{MaxDepth: Unbounded})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, tr.IDs())
	assert.Equal(t, 2, tr.Nodes[1].Depth)
	assert.Equal(t, storage.Edge{Source: "A", Target: "B", Kind: storage.EdgeCalls}, tr.Nodes[1].Via)

	tr, err = s.Impact("C", TraversalOptions{MaxDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, tr.IDs())

	tr, err = s.Impact("C", TraversalOptions{MaxDepth: 0})
	require.NoError(t, err)
	assert.Equal(t, "C", tr.Root.ID)
	assert.Empty(t, tr.Nodes)
	assert.Empty(t, tr.Edges)
}

func TestDependencies(t *testing.T) {
	s := snap("A>C", "A>B", "B>D", "C>D", "D>A")

	tr, err := s.Dependencies("A", TraversalOptions{MaxDepth: Unbounded})
	require.NoError(t, err)
	// Depth first, then id; the root is never reported.
	assert.Equal(t, []string{"B", "C", "D"}, tr.IDs())
	assert.Equal(t, "B", tr.Nodes[2].Via.Source)
	// Every followed edge appears once.
	assert.Len(t, tr.Edges, 5)

	_, err = s.Dependencies("nope", TraversalOptions{MaxDepth: Unbounded})
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestShortestPath(t *testing.T) {
	s := snap("A>C", "A>B", "B>D", "C>D", "D>E", "A>X", "X>Y", "Y>Z", "Z>E")

	p, err := s.ShortestPath("A", "E", -1, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "D", "E"}, p.IDs())
	assert.Equal(t, 3, p.Hops())

	_, err = s.ShortestPath("A", "E", 2, 0, nil)
	assert.ErrorIs(t, err, ErrNoPath)

	_, err = s.ShortestPath("E", "A", -1, 0, nil)
	assert.ErrorIs(t, err, ErrNoPath)

	p, err = s.ShortestPath("A", "A", 0, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, p.IDs())

	_, err = s.ShortestPath("A", "nope", -1, 0, nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	// Zero hops only connects a node to itself.
	_, err = s.ShortestPath("A", "B", 0, 0, nil)
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestBudget(t *testing.T) {
	s := snap("A>B", "B>C", "C>D", "D>E")

	_, err := s.Dependencies("A", TraversalOptions{MaxDepth: Unbounded, Budget: NewBudget(3)})
	assert.True(t, errors.Is(err, ErrStepBudgetExceeded))

	b := NewBudget(1000)
	_, err = s.Dependencies("A", TraversalOptions{MaxDepth: Unbounded, Budget: b})
	require.NoError(t, err)
	assert.Positive(t, b.Used())

	_, err = s.Cycles("", 0, NewBudget(1))
	assert.ErrorIs(t, err, ErrStepBudgetExceeded)
}

type dumpSource struct {
	mu   sync.Mutex
	dump *storage.Dump
}

func (d *dumpSource) Dump() (*storage.Dump, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dump, nil
}

func TestHandle_PublishIsAtomicForReaders(t *testing.T) {
	h := NewHandle(nil)
	assert.Equal(t, uint64(0), h.Load().Version())

	src := &dumpSource{dump: &storage.Dump{Nodes: []*storage.Node{{ID: "a"}}}}
	old := h.Load()
	s1, err := h.Rebuild(src)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s1.Version())

	// A reader holding the old snapshot is unaffected.
	assert.Equal(t, 0, old.NodeCount())
	assert.Equal(t, 1, h.Load().NodeCount())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Rebuild(src)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(9), h.Load().Version())
}
