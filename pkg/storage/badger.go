package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Store provides persistent storage of the code graph using BadgerDB.
//
// Features:
//   - Every mutation is a single Badger transaction (all or nothing)
//   - Secondary indexes by kind, lowercase name and file path
//   - Insertion-order scans via a sequence index
//   - Dangling-edge table for edges whose endpoint is not yet known
//   - Embedding vectors with a dimension fixed by the first write
//
// Key Structure:
//   - Nodes: 0x01 + id -> JSON(Node)
//   - Outgoing: 0x02 + src + 0x00 + kind + 0x00 + dst -> empty
//   - Incoming: 0x03 + dst + 0x00 + kind + 0x00 + src -> empty
//   - Kind Index: 0x04 + kind + id -> empty
//   - Name Index: 0x05 + lower(name) + 0x00 + id -> empty
//   - Path Index: 0x06 + path + 0x00 + id -> empty
//   - Sequence: 0x07 + uint64be -> id
//   - Files: 0x08 + path -> JSON(FileRecord)
//   - Dangling: 0x09 + src + 0x00 + kind + 0x00 + dst -> JSON(DanglingEdge)
//   - Embeddings: 0x0A + id -> float32 LE
//   - Meta: 0x0F + name -> value
//
// Concurrency: mutations are serialized by an internal writer lock; reads use
// Badger's snapshot isolation and may run concurrently with a write. A read
// observes either all or none of any committed mutation.
type Store struct {
	db      *badger.DB
	schema  *SchemaManager
	mode    AccessMode
	version int
	logger  *zap.Logger

	mu      sync.RWMutex // protects closed
	closed  bool
	writeMu sync.Mutex // single writer

	// beforeCommit runs at the end of every update transaction. Tests use it
	// to inject failures after all writes were staged.
	beforeCommit func(txn *badger.Txn) error
}

// Options configures a Store.
type Options struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Data is not persisted.
	InMemory bool

	// Mode is fixed for the lifetime of the Store.
	Mode AccessMode

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// LowMemory shrinks Badger's memtables and caches.
	LowMemory bool

	// Migrations overrides the layout history. Nil means DefaultMigrations.
	Migrations []Migration

	// Logger receives store and Badger logs. Nil discards them.
	Logger *zap.Logger
}

// Open opens (creating if needed) a store and upgrades its layout to the
// latest schema version.
//
// Errors:
//   - ErrIncompatibleSchema when the stored version is newer than this build
//   - ErrMigrationFailed when a migration step fails (the store keeps the
//     version of the last successful step)
//   - ErrInvalidMigrations when opts.Migrations is not a contiguous chain
//
// Example:
//
//	store, err := storage.Open(storage.Options{DataDir: ".mucode/db"})
//	if err != nil {
//		return fmt.Errorf("open store: %w", err)
//	}
//	defer store.Close()
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("storage")

	migrations := opts.Migrations
	if migrations == nil {
		migrations = DefaultMigrations()
	}
	schema, err := NewSchemaManager(migrations, logger)
	if err != nil {
		return nil, err
	}

	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.DataDir == "" {
			return nil, fmt.Errorf("%w: data directory is required", ErrInvalidData)
		}
		badgerOpts = badger.DefaultOptions(opts.DataDir)
		if opts.Mode == ReadOnly {
			badgerOpts = badgerOpts.WithReadOnly(true)
		}
	}
	badgerOpts = badgerOpts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(newBadgerLogger(logger))

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	version, err := schema.Upgrade(db, opts.Mode)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened",
		zap.String("dir", opts.DataDir),
		zap.Bool("in_memory", opts.InMemory),
		zap.Stringer("mode", opts.Mode),
		zap.Int("schema_version", version))

	return &Store{
		db:      db,
		schema:  schema,
		mode:    opts.Mode,
		version: version,
		logger:  logger,
	}, nil
}

// OpenInMemory creates an in-memory read-write store, mainly for tests.
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

// Mode reports the access mode the store was opened with.
func (s *Store) Mode() AccessMode { return s.mode }

// SchemaVersion is the layout version after any migrations ran at open.
func (s *Store) SchemaVersion() int { return s.version }

// Close releases the underlying database. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("store closed")
	return s.db.Close()
}

func (s *Store) view(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return s.db.View(fn)
}

// ============================================================================
// Node reads
// ============================================================================

// GetNode returns the node with the given id or ErrNotFound.
func (s *Store) GetNode(id string) (*Node, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var node *Node
	err := s.view(func(txn *badger.Txn) error {
		n, err := getNodeTxn(txn, id)
		node = n
		return err
	})
	return node, err
}

// HasNode reports whether id exists.
func (s *Store) HasNode(id string) (bool, error) {
	_, err := s.GetNode(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// NodesByKind returns every node of kind in insertion order.
func (s *Store) NodesByKind(kind NodeKind) ([]*Node, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: node kind %d", ErrInvalidData, uint8(kind))
	}
	return s.nodesFromIndex(kindIndexPrefix(kind))
}

// NodesByName returns nodes whose name equals name ignoring case, in
// insertion order.
func (s *Store) NodesByName(name string) ([]*Node, error) {
	return s.nodesFromIndex(nameIndexPrefix(name))
}

// NodesByPath returns the nodes defined in one file, in insertion order.
func (s *Store) NodesByPath(path string) ([]*Node, error) {
	return s.nodesFromIndex(pathIndexPrefix(path))
}

func (s *Store) nodesFromIndex(prefix []byte) ([]*Node, error) {
	var nodes []*Node
	err := s.view(func(txn *badger.Txn) error {
		ns, err := nodesFromIndexTxn(txn, prefix)
		nodes = ns
		return err
	})
	return nodes, err
}

// ScanNodes calls fn for every node in insertion order. Returning
// ErrIterationStopped from fn ends the scan without error.
func (s *Store) ScanNodes(fn func(*Node) error) error {
	err := s.view(func(txn *badger.Txn) error {
		return scanNodesTxn(txn, fn)
	})
	if errors.Is(err, ErrIterationStopped) {
		return nil
	}
	return err
}

// AllNodes returns every node in insertion order.
func (s *Store) AllNodes() ([]*Node, error) {
	var nodes []*Node
	err := s.ScanNodes(func(n *Node) error {
		nodes = append(nodes, n)
		return nil
	})
	return nodes, err
}

// ============================================================================
// Edge reads
// ============================================================================

// Edges returns the edges of id in the requested direction, ordered by kind
// then neighbor id. Outgoing edges come before incoming ones for Both.
func (s *Store) Edges(id string, dir Direction) ([]Edge, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var edges []Edge
	err := s.view(func(txn *badger.Txn) error {
		if dir == Outgoing || dir == Both {
			out, err := edgesTxn(txn, outEdgePrefix(id), edgeFromOutKey)
			if err != nil {
				return err
			}
			edges = append(edges, out...)
		}
		if dir == Incoming || dir == Both {
			in, err := edgesTxn(txn, inEdgePrefix(id), edgeFromInKey)
			if err != nil {
				return err
			}
			edges = append(edges, in...)
		}
		return nil
	})
	return edges, err
}

// HasEdge reports whether the exact (source, kind, target) edge is stored.
func (s *Store) HasEdge(e Edge) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	var found bool
	err := s.view(func(txn *badger.Txn) error {
		ok, err := keyExists(txn, outEdgeKey(e))
		found = ok
		return err
	})
	return found, err
}

// Dump copies every node (insertion order) and edge (source, kind, target
// order) from a single read transaction.
func (s *Store) Dump() (*Dump, error) {
	d := &Dump{}
	err := s.view(func(txn *badger.Txn) error {
		if err := scanNodesTxn(txn, func(n *Node) error {
			d.Nodes = append(d.Nodes, n)
			return nil
		}); err != nil {
			return err
		}
		edges, err := edgesTxn(txn, []byte{prefixOutEdge}, edgeFromOutKey)
		d.Edges = edges
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Dangling returns every recorded dangling edge ordered by (source, kind,
// target).
func (s *Store) Dangling() ([]DanglingEdge, error) {
	var out []DanglingEdge
	err := s.view(func(txn *badger.Txn) error {
		ds, err := danglingTxn(txn)
		out = ds
		return err
	})
	return out, err
}

// ============================================================================
// Files and stats
// ============================================================================

// FileRecord returns the bookkeeping for path or ErrNotFound.
func (s *Store) FileRecord(path string) (*FileRecord, error) {
	var rec *FileRecord
	err := s.view(func(txn *badger.Txn) error {
		r, err := getFileRecordTxn(txn, path)
		rec = r
		return err
	})
	return rec, err
}

// Files returns every file record ordered by path.
func (s *Store) Files() ([]*FileRecord, error) {
	var out []*FileRecord
	err := s.view(func(txn *badger.Txn) error {
		return iteratePrefix(txn, []byte{prefixFileRecord}, true, func(item *badger.Item) error {
			return item.Value(func(val []byte) error {
				rec, err := decodeFileRecord(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
		})
	})
	return out, err
}

// Stats counts store contents in one read transaction.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{
		SchemaVersion: s.version,
		NodesByKind:   make(map[string]int),
		EdgesByKind:   make(map[string]int),
	}
	err := s.view(func(txn *badger.Txn) error {
		for _, k := range NodeKinds() {
			n, err := countPrefix(txn, kindIndexPrefix(k))
			if err != nil {
				return err
			}
			st.NodesByKind[k.String()] = n
			st.Nodes += n
		}
		edges, err := edgesTxn(txn, []byte{prefixOutEdge}, edgeFromOutKey)
		if err != nil {
			return err
		}
		for _, e := range edges {
			st.EdgesByKind[e.Kind.String()]++
		}
		st.Edges = len(edges)
		if st.Files, err = countPrefix(txn, []byte{prefixFileRecord}); err != nil {
			return err
		}
		if st.Dangling, err = countPrefix(txn, []byte{prefixDangling}); err != nil {
			return err
		}
		if st.Embeddings, err = countPrefix(txn, []byte{prefixEmbedding}); err != nil {
			return err
		}
		st.EmbeddingDimension, err = embeddingDimTxn(txn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ============================================================================
// Transaction-level helpers shared by reads, writes and migrations
// ============================================================================

func iteratePrefix(txn *badger.Txn, prefix []byte, prefetch bool, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = prefetch
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}

func countPrefix(txn *badger.Txn, prefix []byte) (int, error) {
	n := 0
	err := iteratePrefix(txn, prefix, false, func(*badger.Item) error {
		n++
		return nil
	})
	return n, err
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func getNodeTxn(txn *badger.Txn, id string) (*Node, error) {
	item, err := txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var node *Node
	err = item.Value(func(val []byte) error {
		n, err := decodeNode(val)
		node = n
		return err
	})
	return node, err
}

func nodesFromIndexTxn(txn *badger.Txn, prefix []byte) ([]*Node, error) {
	var ids []string
	err := iteratePrefix(txn, prefix, false, func(item *badger.Item) error {
		ids = append(ids, idFromIndexKey(item.KeyCopy(nil), prefix))
		return nil
	})
	if err != nil {
		return nil, err
	}
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		n, err := getNodeTxn(txn, id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	sortBySeq(nodes)
	return nodes, nil
}

func sortBySeq(nodes []*Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Seq != nodes[j].Seq {
			return nodes[i].Seq < nodes[j].Seq
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func scanNodesTxn(txn *badger.Txn, fn func(*Node) error) error {
	var ids []string
	err := iteratePrefix(txn, []byte{prefixSeqIndex}, true, func(item *badger.Item) error {
		return item.Value(func(val []byte) error {
			ids = append(ids, string(val))
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		n, err := getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

func edgesTxn(txn *badger.Txn, prefix []byte, decode func([]byte) (Edge, error)) ([]Edge, error) {
	var edges []Edge
	err := iteratePrefix(txn, prefix, false, func(item *badger.Item) error {
		e, err := decode(item.KeyCopy(nil))
		if err != nil {
			return err
		}
		edges = append(edges, e)
		return nil
	})
	return edges, err
}

func danglingTxn(txn *badger.Txn) ([]DanglingEdge, error) {
	var out []DanglingEdge
	err := iteratePrefix(txn, []byte{prefixDangling}, true, func(item *badger.Item) error {
		return item.Value(func(val []byte) error {
			d, err := decodeDangling(val)
			if err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

func getFileRecordTxn(txn *badger.Txn, path string) (*FileRecord, error) {
	item, err := txn.Get(fileRecordKey(path))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	var rec *FileRecord
	err = item.Value(func(val []byte) error {
		r, err := decodeFileRecord(val)
		rec = r
		return err
	})
	return rec, err
}

func embeddingDimTxn(txn *badger.Txn) (int, error) {
	item, err := txn.Get(metaKey(metaEmbeddingDim))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var dim uint64
	err = item.Value(func(val []byte) error {
		v, err := decodeUint(val)
		dim = v
		return err
	})
	return int(dim), err
}
