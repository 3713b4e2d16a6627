// Package build keeps the persistent store and the graph snapshot in step
// with a source tree.
//
// A run scans the tree, parses every new or changed file in parallel,
// translates each module definition into node and edge records, replaces
// each file's records in its own transaction, removes files that vanished,
// and finally publishes a fresh graph snapshot. Scanning and parsing are
// delegated to the Scanner and Parser collaborators; this package never
// looks at source syntax itself.
package build

import (
	"context"
	"time"

	"github.com/orneryd/mucode/pkg/storage"
)

// FileEntry is one source file found by a Scanner.
type FileEntry struct {
	Path     string // slash-separated, relative to the root
	Language string
}

// Scanner enumerates the source files of a project root.
type Scanner interface {
	Scan(ctx context.Context, root string) ([]FileEntry, error)
}

// Parser turns one file into a module definition, or fails with a reason.
// Implementations must be safe for concurrent use and must not retain src.
type Parser interface {
	Parse(ctx context.Context, file FileEntry, src []byte) (*ModuleDef, error)
}

// ModuleDef is the parser's view of one source file.
type ModuleDef struct {
	// Name is the module's import name (e.g. "pkg.util" for Python,
	// "internal/util" for a Go package directory).
	Name     string
	Path     string
	Language string
	Lines    int
	Doc      string
	Symbols  []Symbol
	Imports  []Import
}

// Symbol is a definition inside a module.
type Symbol struct {
	Name string
	Kind storage.NodeKind // Class, Function, Method or Variable
	// Parent is the enclosing class for methods and class attributes.
	Parent    string
	LineStart int
	LineEnd   int
	Signature string
	Doc       string
	// Bases lists superclass (or embedded type) names as written.
	Bases []string
	// Calls lists callee expressions as written: "helper", "self.run",
	// "util.parse".
	Calls []string
}

// QualName is Parent.Name for members, Name otherwise.
func (s Symbol) QualName() string {
	if s.Parent != "" {
		return s.Parent + "." + s.Name
	}
	return s.Name
}

// Import is one import statement.
type Import struct {
	// Module is the imported module as written ("os.path", "./util",
	// "github.com/x/y/pkg").
	Module string
	// Names are the imported members for from-imports.
	Names []string
	// Alias is the local binding of the module ("np" in "import numpy as np").
	Alias string
}

// FailedFile records why a file was skipped.
type FailedFile struct {
	Path   string `json:"path"`
	Stage  string `json:"stage"` // read, parse or write
	Reason string `json:"reason"`
}

// Result summarises a build run.
type Result struct {
	RunID             string        `json:"run_id"`
	Root              string        `json:"root"`
	FilesScanned      int           `json:"files_scanned"`
	FilesParsed       int           `json:"files_parsed"`
	FilesUnchanged    int           `json:"files_unchanged"`
	FilesRelinked     int           `json:"files_relinked"` // unchanged but rewritten for new definitions
	FilesRemoved      int           `json:"files_removed"`
	Failed            []FailedFile  `json:"failed,omitempty"`
	NodesWritten      int           `json:"nodes_written"`
	EdgesWritten      int           `json:"edges_written"`
	EdgesResolved     int           `json:"edges_resolved"`
	DanglingEdges     int           `json:"dangling_edges"`
	EmbeddingsWritten int           `json:"embeddings_written"`
	EmbeddingError    string        `json:"embedding_error,omitempty"`
	SnapshotVersion   uint64        `json:"snapshot_version"`
	Elapsed           time.Duration `json:"elapsed"`
}

// Store is the part of storage.Store a build writes through.
type Store interface {
	Files() ([]*storage.FileRecord, error)
	AllNodes() ([]*storage.Node, error)
	ReplaceFile(batch storage.FileBatch) (*storage.ReplaceResult, error)
	DeleteFile(path string) (*storage.ReplaceResult, error)
	ResolveDangling() ([]storage.Edge, error)
	Dangling() ([]storage.DanglingEdge, error)
	Dump() (*storage.Dump, error)
}
