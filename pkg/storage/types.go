// Package storage provides the persistent code-graph store for mucode.
//
// The store keeps code entities (modules, classes, functions, methods,
// variables), the directed typed edges between them, per-file bookkeeping
// and vector embeddings in a single BadgerDB instance. Every mutation runs
// inside one Badger update transaction, so readers never observe a
// half-applied write.
//
// Design Principles:
//   - One writer at a time, any number of concurrent readers (MVCC)
//   - Closed enums for node kinds, edge kinds and access modes
//   - Versioned on-disk layout upgraded by ordered migrations
//   - Testability through dependency injection (no package globals)
//
// Example Usage:
//
//	store, err := storage.Open(storage.Options{DataDir: "./.mucode"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	store.PutNode(&storage.Node{
//		ID:   "mod:app/main.py",
//		Name: "main",
//		Kind: storage.KindModule,
//		Path: "app/main.py",
//	})
package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidID          = errors.New("invalid id")
	ErrInvalidData        = errors.New("invalid data")
	ErrStorageClosed      = errors.New("storage closed")
	ErrReadOnly           = errors.New("store is read-only")
	ErrDanglingEdge       = errors.New("edge endpoint does not exist")
	ErrTransactionAborted = errors.New("transaction aborted")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrIncompatibleSchema = errors.New("stored schema is newer than this build supports")
	ErrMigrationFailed    = errors.New("schema migration failed")
	ErrInvalidMigrations  = errors.New("invalid migration chain")
	ErrIterationStopped   = errors.New("iteration stopped") // Sentinel to stop scans early
)

// AccessMode is fixed when a store is opened.
type AccessMode uint8

const (
	ReadWrite AccessMode = iota
	ReadOnly
)

func (m AccessMode) String() string {
	switch m {
	case ReadWrite:
		return "read-write"
	case ReadOnly:
		return "read-only"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(m))
	}
}

// NodeKind classifies a code entity.
type NodeKind uint8

const (
	KindModule NodeKind = iota
	KindClass
	KindFunction
	KindMethod
	KindVariable

	numNodeKinds
)

var nodeKindNames = [numNodeKinds]string{
	KindModule:   "module",
	KindClass:    "class",
	KindFunction: "function",
	KindMethod:   "method",
	KindVariable: "variable",
}

// NodeKinds returns every node kind in declaration order.
func NodeKinds() []NodeKind {
	out := make([]NodeKind, 0, numNodeKinds)
	for k := NodeKind(0); k < numNodeKinds; k++ {
		out = append(out, k)
	}
	return out
}

func (k NodeKind) String() string {
	if k.Valid() {
		return nodeKindNames[k]
	}
	return fmt.Sprintf("NodeKind(%d)", uint8(k))
}

// Valid reports whether k is one of the declared kinds.
func (k NodeKind) Valid() bool { return k < numNodeKinds }

// ParseNodeKind accepts the singular or plural kind name, case-insensitively.
func ParseNodeKind(s string) (NodeKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k := NodeKind(0); k < numNodeKinds; k++ {
		if name == nodeKindNames[k] || name == pluralKind(nodeKindNames[k]) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown node kind %q", s)
}

func pluralKind(name string) string {
	if strings.HasSuffix(name, "s") {
		return name + "es"
	}
	return name + "s"
}

// MarshalText encodes the kind by name so stored JSON stays readable.
func (k NodeKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid node kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *NodeKind) UnmarshalText(b []byte) error {
	v, err := ParseNodeKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// EdgeKind classifies a directed relationship.
type EdgeKind uint8

const (
	EdgeContains EdgeKind = iota
	EdgeImports
	EdgeCalls
	EdgeInherits

	numEdgeKinds
)

var edgeKindNames = [numEdgeKinds]string{
	EdgeContains: "contains",
	EdgeImports:  "imports",
	EdgeCalls:    "calls",
	EdgeInherits: "inherits",
}

// EdgeKinds returns every edge kind in declaration order.
func EdgeKinds() []EdgeKind {
	out := make([]EdgeKind, 0, numEdgeKinds)
	for k := EdgeKind(0); k < numEdgeKinds; k++ {
		out = append(out, k)
	}
	return out
}

func (k EdgeKind) String() string {
	if k.Valid() {
		return edgeKindNames[k]
	}
	return fmt.Sprintf("EdgeKind(%d)", uint8(k))
}

func (k EdgeKind) Valid() bool { return k < numEdgeKinds }

// ParseEdgeKind accepts names such as "calls", "CALLS" or "call".
func ParseEdgeKind(s string) (EdgeKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k := EdgeKind(0); k < numEdgeKinds; k++ {
		full := edgeKindNames[k]
		if name == full || name == strings.TrimSuffix(full, "s") {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown edge kind %q", s)
}

func (k EdgeKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid edge kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *EdgeKind) UnmarshalText(b []byte) error {
	v, err := ParseEdgeKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Direction selects which edges of a node to return.
type Direction uint8

const (
	Outgoing Direction = iota
	Incoming
	Both
)

// Node is a code entity.
//
// IDs are stable across rebuilds (the build pipeline derives them from the
// file path and qualified name) and must not contain a NUL byte, which the
// key layout uses as a separator.
type Node struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      NodeKind          `json:"kind"`
	Path      string            `json:"path"`
	Language  string            `json:"language,omitempty"`
	LineStart int               `json:"line_start,omitempty"`
	LineEnd   int               `json:"line_end,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Seq is the insertion sequence assigned by the store the first time the
	// id is written. It is ignored on input and preserved across replaces.
	Seq uint64 `json:"seq,omitempty"`
}

// Validate checks the invariants a node must satisfy before it is stored.
func (n *Node) Validate() error {
	if n == nil {
		return ErrInvalidData
	}
	if err := validateID(n.ID); err != nil {
		return err
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: node %s has invalid kind", ErrInvalidData, n.ID)
	}
	if strings.IndexByte(n.Path, 0) >= 0 || strings.IndexByte(n.Name, 0) >= 0 {
		return fmt.Errorf("%w: node %s contains NUL", ErrInvalidData, n.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Edge is a directed typed relationship. Its identity is the triple
// (Source, Kind, Target); storing the same triple twice is a no-op.
type Edge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Kind   EdgeKind `json:"kind"`
}

func (e Edge) String() string {
	return e.Source + " -" + e.Kind.String() + "-> " + e.Target
}

// Validate checks ids and kind.
func (e Edge) Validate() error {
	if err := validateID(e.Source); err != nil {
		return err
	}
	if err := validateID(e.Target); err != nil {
		return err
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: edge %s has invalid kind", ErrInvalidData, e)
	}
	return nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.IndexByte(id, 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidID, id)
	}
	return nil
}

// DanglingEdge is an edge that could not be stored because an endpoint was
// missing when its file was written. ResolveDangling promotes it once both
// endpoints exist.
type DanglingEdge struct {
	Edge
	// Origin is the path of the file whose replacement produced the record.
	Origin     string    `json:"origin"`
	RecordedAt time.Time `json:"recorded_at"`
}

// FileRecord is the per-file bookkeeping kept by the build pipeline.
type FileRecord struct {
	Path      string    `json:"path"`
	Hash      string    `json:"hash"`
	Language  string    `json:"language,omitempty"`
	NodeIDs   []string  `json:"node_ids"`
	EdgeCount int       `json:"edge_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileBatch is the complete replacement content for one source file.
type FileBatch struct {
	Path     string
	Hash     string
	Language string
	Nodes    []*Node
	Edges    []Edge
}

// ReplaceResult reports what a ReplaceFile call changed.
type ReplaceResult struct {
	NodesRemoved int
	NodesWritten int
	EdgesWritten int
	// Dangling lists the edges recorded in the dangling table by this call,
	// both new edges with a missing endpoint and existing incoming edges
	// whose target disappeared.
	Dangling []DanglingEdge
}

// Dump is a consistent copy of every node and edge, taken from a single
// read transaction. Nodes are in insertion order.
type Dump struct {
	Nodes []*Node
	Edges []Edge
}

// Stats summarises store contents.
type Stats struct {
	SchemaVersion      int
	Nodes              int
	Edges              int
	Files              int
	Dangling           int
	Embeddings         int
	EmbeddingDimension int
	NodesByKind        map[string]int
	EdgesByKind        map[string]int
}

// Embedding is a vector keyed by node id.
type Embedding struct {
	NodeID string
	Vector []float32
}
