package muql

import (
	"time"

	"github.com/orneryd/mucode/pkg/storage"
)

// Shape tells consumers how to render a Result.
type Shape uint8

const (
	// ShapeRows is a table: Columns and Rows.
	ShapeRows Shape = iota
	// ShapeGraph is a node/edge set: Nodes and Edges.
	ShapeGraph
	// ShapePath is an ordered walk: Nodes in path order and the Edges
	// between consecutive nodes.
	ShapePath
)

func (s Shape) String() string {
	switch s {
	case ShapeGraph:
		return "graph"
	case ShapePath:
		return "path"
	}
	return "rows"
}

func (s Shape) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (k StatementKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// NodeRef is a node in a graph or path result.
type NodeRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Path  string `json:"path"`
	Depth int    `json:"depth,omitempty"`
}

// EdgeRef is an edge in a graph or path result.
type EdgeRef struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
}

// Result is the uniform answer to every statement.
type Result struct {
	Statement StatementKind `json:"statement"`
	Shape     Shape         `json:"shape"`
	Plan      string        `json:"plan"`

	Columns []string `json:"columns,omitempty"`
	Rows    [][]any  `json:"rows,omitempty"`

	// Root is set for SHOW DEPS and SHOW IMPACT.
	Root  *NodeRef  `json:"root,omitempty"`
	Nodes []NodeRef `json:"nodes,omitempty"`
	Edges []EdgeRef `json:"edges,omitempty"`

	// Truncated reports that LIMIT cut the result short.
	Truncated       bool          `json:"truncated,omitempty"`
	Steps           int           `json:"steps"`
	SnapshotVersion uint64        `json:"snapshot_version"`
	Elapsed         time.Duration `json:"elapsed_ns"`
}

// Len is the number of rows, or nodes for graph and path results.
func (r *Result) Len() int {
	if r.Shape == ShapeRows {
		return len(r.Rows)
	}
	return len(r.Nodes)
}

// Column returns the values of one column, or nil if it is not present.
func (r *Result) Column(name string) []any {
	idx := -1
	for i, c := range r.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]any, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row[idx]
	}
	return out
}

// IDs returns node ids from a graph or path result, or the id column of a
// row result.
func (r *Result) IDs() []string {
	if r.Shape != ShapeRows {
		out := make([]string, len(r.Nodes))
		for i, n := range r.Nodes {
			out[i] = n.ID
		}
		return out
	}
	var out []string
	for _, v := range r.Column("id") {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func nodeRef(n *storage.Node, depth int) NodeRef {
	return NodeRef{ID: n.ID, Name: n.Name, Kind: n.Kind.String(), Path: n.Path, Depth: depth}
}

func edgeRef(e storage.Edge) EdgeRef {
	return EdgeRef{Source: e.Source, Target: e.Target, Kind: e.Kind.String()}
}

func edgeRefs(edges []storage.Edge) []EdgeRef {
	out := make([]EdgeRef, len(edges))
	for i, e := range edges {
		out[i] = edgeRef(e)
	}
	return out
}
