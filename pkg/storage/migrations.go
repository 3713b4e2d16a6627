package storage

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// DefaultMigrations is the layout history of the store.
//
//	0→1  node records, outgoing edges, incoming-edge index
//	1→2  kind, name and path secondary indexes
//	2→3  insertion sequence index, per-file records, embedding dimension lock
func DefaultMigrations() []Migration {
	return []Migration{
		{From: 0, To: 1, Description: "initial layout", Apply: migrateInitialLayout},
		{From: 1, To: 2, Description: "secondary indexes", Apply: migrateSecondaryIndexes},
		{From: 2, To: 3, Description: "sequence index and file records", Apply: migrateSequenceAndFiles},
	}
}

// migrateInitialLayout repairs the incoming-edge index from the outgoing
// edges. On a fresh store there is nothing to do.
func migrateInitialLayout(txn *badger.Txn) error {
	var edges []Edge
	err := iteratePrefix(txn, []byte{prefixOutEdge}, false, func(item *badger.Item) error {
		e, err := edgeFromOutKey(item.KeyCopy(nil))
		if err != nil {
			return err
		}
		edges = append(edges, e)
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range edges {
		if err := txn.Set(inEdgeKey(e), nil); err != nil {
			return err
		}
	}
	return nil
}

func migrateSecondaryIndexes(txn *badger.Txn) error {
	nodes, err := nodesByKeyOrder(txn)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := txn.Set(kindIndexKey(n.Kind, n.ID), nil); err != nil {
			return err
		}
		if err := txn.Set(nameIndexKey(n.Name, n.ID), nil); err != nil {
			return err
		}
		if err := txn.Set(pathIndexKey(n.Path, n.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

// migrateSequenceAndFiles assigns insertion sequence numbers in id order
// (older layouts kept no insertion history) and derives a file record per
// path. File hashes are left empty so the next build re-parses every file.
func migrateSequenceAndFiles(txn *badger.Txn) error {
	nodes, err := nodesByKeyOrder(txn)
	if err != nil {
		return err
	}
	files := make(map[string]*FileRecord)
	var seq uint64
	for _, n := range nodes {
		seq++
		n.Seq = seq
		data, err := encodeNode(n)
		if err != nil {
			return err
		}
		if err := txn.Set(nodeKey(n.ID), data); err != nil {
			return err
		}
		if err := txn.Set(seqKey(seq), []byte(n.ID)); err != nil {
			return err
		}
		rec, ok := files[n.Path]
		if !ok {
			rec = &FileRecord{Path: n.Path, Language: n.Language, UpdatedAt: time.Now().UTC()}
			files[n.Path] = rec
		}
		rec.NodeIDs = append(rec.NodeIDs, n.ID)
	}
	if err := txn.Set(metaKey(metaNextSeq), encodeUint(seq+1)); err != nil {
		return err
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		data, err := json.Marshal(files[p])
		if err != nil {
			return err
		}
		if err := txn.Set(fileRecordKey(p), data); err != nil {
			return err
		}
	}
	return nil
}

func nodesByKeyOrder(txn *badger.Txn) ([]*Node, error) {
	var nodes []*Node
	err := iteratePrefix(txn, []byte{prefixNode}, true, func(item *badger.Item) error {
		return item.Value(func(val []byte) error {
			n, err := decodeNode(val)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	return nodes, err
}
