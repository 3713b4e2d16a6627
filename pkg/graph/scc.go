package graph

import (
	"fmt"
	"sort"
)

// Cycles finds strongly connected components with Tarjan's algorithm,
// iteratively so deep graphs cannot overflow the goroutine stack.
//
// With an empty root the whole graph is searched; otherwise only the
// subgraph reachable from root. A cycle is an SCC with more than one member
// or a node with a self-loop. Each cycle is returned as a node-id sequence
// that starts at its lowest id and then follows edges inside the component,
// always taking the lowest-id unvisited successor first; for a simple cycle
// this is the cycle itself. Cycles are sorted by their first id.
func (s *Snapshot) Cycles(root string, kinds KindSet, budget *Budget) ([][]string, error) {
	kinds = kinds.OrDefault()
	n := int32(len(s.nodes))

	var starts []int32
	if root != "" {
		r, ok := s.index[root]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, root)
		}
		starts = []int32{r}
	} else {
		starts = make([]int32, n)
		for i := range starts {
			starts[i] = int32(i)
		}
	}

	const unvisited = -1
	index := make([]int32, n)
	low := make([]int32, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = unvisited
	}
	var stack []int32
	var counter int32
	var components [][]int32

	type frame struct {
		v    int32
		next int // position in s.out[v]
	}

	for _, st := range starts {
		if index[st] != unvisited {
			continue
		}
		call := []frame{{v: st}}
		index[st], low[st] = counter, counter
		counter++
		stack = append(stack, st)
		onStack[st] = true

		for len(call) > 0 {
			top := &call[len(call)-1]
			v := top.v
			if top.next < len(s.out[v]) {
				a := s.out[v][top.next]
				top.next++
				if !kinds.Has(a.kind) {
					continue
				}
				if err := budget.Step(1); err != nil {
					return nil, err
				}
				w := a.to
				if index[w] == unvisited {
					index[w], low[w] = counter, counter
					counter++
					stack = append(stack, w)
					onStack[w] = true
					call = append(call, frame{v: w})
				} else if onStack[w] && index[w] < low[v] {
					low[v] = index[w]
				}
				continue
			}

			// v is finished.
			call = call[:len(call)-1]
			if len(call) > 0 {
				parent := call[len(call)-1].v
				if low[v] < low[parent] {
					low[parent] = low[v]
				}
			}
			if low[v] == index[v] {
				var comp []int32
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == v {
						break
					}
				}
				components = append(components, comp)
			}
		}
	}

	var cycles [][]string
	for _, comp := range components {
		if len(comp) == 1 && !s.hasSelfLoop(comp[0], kinds) {
			continue
		}
		cycles = append(cycles, s.canonicalCycle(comp, kinds))
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles, nil
}

func (s *Snapshot) hasSelfLoop(v int32, kinds KindSet) bool {
	for _, a := range s.out[v] {
		if a.to == v && kinds.Has(a.kind) {
			return true
		}
	}
	return false
}

// canonicalCycle orders a component by a depth-first walk inside it that
// starts at its lowest index and prefers lower-index successors.
func (s *Snapshot) canonicalCycle(comp []int32, kinds KindSet) []string {
	member := make(map[int32]bool, len(comp))
	first := comp[0]
	for _, v := range comp {
		member[v] = true
		if v < first {
			first = v
		}
	}

	seen := map[int32]bool{first: true}
	order := []string{s.nodes[first].ID}
	stack := []int32{first}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		advanced := false
		for _, a := range s.out[v] {
			if kinds.Has(a.kind) && member[a.to] && !seen[a.to] {
				seen[a.to] = true
				order = append(order, s.nodes[a.to].ID)
				stack = append(stack, a.to)
				advanced = true
				break
			}
		}
		if !advanced {
			stack = stack[:len(stack)-1]
		}
	}
	return order
}
