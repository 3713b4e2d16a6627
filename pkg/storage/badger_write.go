package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// update runs fn in one update transaction under the writer lock. Read-only
// stores are rejected before any I/O. Commit failures are reported as
// ErrTransactionAborted; errors returned by fn keep their identity and are
// also wrapped with ErrTransactionAborted so callers can test either.
func (s *Store) update(op string, fn func(txn *badger.Txn) error) error {
	if s.mode == ReadOnly {
		return fmt.Errorf("%s: %w", op, ErrReadOnly)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := fn(txn); err != nil {
			return err
		}
		if s.beforeCommit != nil {
			return s.beforeCommit(txn)
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("write rolled back", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrTransactionAborted, op, err)
	}
	return nil
}

// ============================================================================
// Nodes and edges
// ============================================================================

// PutNode inserts or replaces a node. A replaced node keeps its insertion
// sequence and its edges.
func (s *Store) PutNode(n *Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	return s.update("put node", func(txn *badger.Txn) error {
		return putNodeTxn(txn, n.Clone(), 0)
	})
}

// DeleteNode removes a node, its outgoing edges and its embedding. Incoming
// edges from other nodes move to the dangling table so a later write of the
// same id can restore them.
func (s *Store) DeleteNode(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return s.update("delete node", func(txn *badger.Txn) error {
		n, err := getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		if _, err := removeNodeTxn(txn, n, nil); err != nil {
			return err
		}
		return txn.Delete(embeddingKey(id))
	})
}

// PutEdge stores an edge. Both endpoints must exist, otherwise the write is
// rolled back with ErrDanglingEdge.
func (s *Store) PutEdge(e Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.update("put edge", func(txn *badger.Txn) error {
		for _, id := range []string{e.Source, e.Target} {
			ok, err := keyExists(txn, nodeKey(id))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s (missing %s)", ErrDanglingEdge, e, id)
			}
		}
		return putEdgeTxn(txn, e)
	})
}

// DeleteEdge removes an edge; deleting a missing edge is not an error.
func (s *Store) DeleteEdge(e Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.update("delete edge", func(txn *badger.Txn) error {
		return deleteEdgeTxn(txn, e)
	})
}

// ============================================================================
// Per-file replacement
// ============================================================================

// ReplaceFile swaps the complete content of one file in a single
// transaction.
//
// Within that transaction it:
//   - rejects the batch if any of its ids is owned by another file
//   - removes every node previously stored for batch.Path, with its outgoing
//     edges, and the embeddings of ids that do not reappear
//   - keeps incoming edges from other files when the target id reappears,
//     and moves them to the dangling table otherwise
//   - writes the new nodes (surviving ids keep their insertion sequence)
//   - writes the new edges, recording those with a missing endpoint as
//     dangling instead of failing
//   - updates the file record
//
// Either all of this is visible to readers or none of it is.
func (s *Store) ReplaceFile(batch FileBatch) (*ReplaceResult, error) {
	if batch.Path == "" {
		return nil, fmt.Errorf("%w: file batch without path", ErrInvalidData)
	}
	for _, n := range batch.Nodes {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if n.Path != batch.Path {
			return nil, fmt.Errorf("%w: node %s has path %q, batch is %q", ErrInvalidData, n.ID, n.Path, batch.Path)
		}
	}
	for _, e := range batch.Edges {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}

	var res *ReplaceResult
	err := s.update("replace "+batch.Path, func(txn *badger.Txn) error {
		r, err := replaceFileTxn(txn, batch, true)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteFile removes everything stored for path, including its file record.
func (s *Store) DeleteFile(path string) (*ReplaceResult, error) {
	var res *ReplaceResult
	err := s.update("delete "+path, func(txn *badger.Txn) error {
		r, err := replaceFileTxn(txn, FileBatch{Path: path}, false)
		res = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func replaceFileTxn(txn *badger.Txn, batch FileBatch, keepRecord bool) (*ReplaceResult, error) {
	res := &ReplaceResult{}
	now := time.Now().UTC()

	incoming := make(map[string]bool, len(batch.Nodes))
	for _, n := range batch.Nodes {
		incoming[n.ID] = true
		// A file may only rewrite the nodes it owns.
		prev, err := getNodeTxn(txn, n.ID)
		switch {
		case err == nil && prev.Path != batch.Path:
			return nil, fmt.Errorf("%w: node %s belongs to %q, batch is %q", ErrInvalidData, n.ID, prev.Path, batch.Path)
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	old, err := nodesFromIndexTxn(txn, pathIndexPrefix(batch.Path))
	if err != nil {
		return nil, err
	}
	oldIDs := make(map[string]bool, len(old))
	for _, n := range old {
		oldIDs[n.ID] = true
	}

	// Dangling records this file produced last time are re-derived below.
	if err := clearDanglingFromOrigin(txn, batch.Path); err != nil {
		return nil, err
	}

	seqs := make(map[string]uint64, len(old))
	for _, n := range old {
		seqs[n.ID] = n.Seq
		moved, err := removeNodeTxn(txn, n, func(e Edge) bool {
			return oldIDs[e.Source] || incoming[e.Target]
		})
		if err != nil {
			return nil, err
		}
		for _, d := range moved {
			d.RecordedAt = now
			res.Dangling = append(res.Dangling, d)
		}
		if !incoming[n.ID] {
			if err := txn.Delete(embeddingKey(n.ID)); err != nil {
				return nil, err
			}
		}
	}
	res.NodesRemoved = len(old)

	for _, n := range batch.Nodes {
		if err := putNodeTxn(txn, n.Clone(), seqs[n.ID]); err != nil {
			return nil, err
		}
	}
	res.NodesWritten = len(batch.Nodes)

	for _, e := range batch.Edges {
		ok, err := endpointsExist(txn, e)
		if err != nil {
			return nil, err
		}
		if !ok {
			d := DanglingEdge{Edge: e, Origin: batch.Path, RecordedAt: now}
			if err := putDanglingTxn(txn, d); err != nil {
				return nil, err
			}
			res.Dangling = append(res.Dangling, d)
			continue
		}
		if err := putEdgeTxn(txn, e); err != nil {
			return nil, err
		}
		res.EdgesWritten++
	}

	if !keepRecord {
		return res, txn.Delete(fileRecordKey(batch.Path))
	}
	rec := FileRecord{
		Path:      batch.Path,
		Hash:      batch.Hash,
		Language:  batch.Language,
		NodeIDs:   make([]string, 0, len(batch.Nodes)),
		EdgeCount: res.EdgesWritten,
		UpdatedAt: now,
	}
	for _, n := range batch.Nodes {
		rec.NodeIDs = append(rec.NodeIDs, n.ID)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	return res, txn.Set(fileRecordKey(batch.Path), data)
}

// ResolveDangling promotes every dangling edge whose endpoints both exist
// into a real edge and returns the promoted edges.
func (s *Store) ResolveDangling() ([]Edge, error) {
	var resolved []Edge
	err := s.update("resolve dangling", func(txn *badger.Txn) error {
		resolved = resolved[:0]
		pending, err := danglingTxn(txn)
		if err != nil {
			return err
		}
		for _, d := range pending {
			ok, err := endpointsExist(txn, d.Edge)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := putEdgeTxn(txn, d.Edge); err != nil {
				return err
			}
			if err := txn.Delete(danglingKey(d.Edge)); err != nil {
				return err
			}
			resolved = append(resolved, d.Edge)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// ============================================================================
// Embeddings
// ============================================================================

// PutEmbedding stores vec for an existing node. The first vector ever
// written fixes the dimension; later vectors of another length fail with
// ErrDimensionMismatch. The check and the lock happen in the same
// transaction as the write.
func (s *Store) PutEmbedding(id string, vec []float32) error {
	if err := validateID(id); err != nil {
		return err
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty embedding for %s", ErrInvalidData, id)
	}
	for _, f := range vec {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return fmt.Errorf("%w: embedding for %s has non-finite values", ErrInvalidData, id)
		}
	}
	return s.update("put embedding", func(txn *badger.Txn) error {
		if ok, err := keyExists(txn, nodeKey(id)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: node %s", ErrNotFound, id)
		}
		dim, err := embeddingDimTxn(txn)
		if err != nil {
			return err
		}
		switch {
		case dim == 0:
			if err := txn.Set(metaKey(metaEmbeddingDim), encodeUint(uint64(len(vec)))); err != nil {
				return err
			}
		case dim != len(vec):
			return fmt.Errorf("%w: store holds %d dimensions, got %d", ErrDimensionMismatch, dim, len(vec))
		}
		return txn.Set(embeddingKey(id), encodeVector(vec))
	})
}

// DeleteEmbedding removes the vector of id; a missing vector is not an error.
func (s *Store) DeleteEmbedding(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	return s.update("delete embedding", func(txn *badger.Txn) error {
		return txn.Delete(embeddingKey(id))
	})
}

// GetEmbedding returns the vector of id or ErrNotFound.
func (s *Store) GetEmbedding(id string) ([]float32, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	var vec []float32
	err := s.view(func(txn *badger.Txn) error {
		item, err := txn.Get(embeddingKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: embedding %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := decodeVector(val)
			vec = v
			return err
		})
	})
	return vec, err
}

// ScanEmbeddings calls fn for every stored vector in node id order.
// Returning ErrIterationStopped ends the scan without error.
func (s *Store) ScanEmbeddings(fn func(id string, vec []float32) error) error {
	err := s.view(func(txn *badger.Txn) error {
		return iteratePrefix(txn, []byte{prefixEmbedding}, true, func(item *badger.Item) error {
			id := string(item.Key()[1:])
			return item.Value(func(val []byte) error {
				vec, err := decodeVector(val)
				if err != nil {
					return err
				}
				return fn(id, vec)
			})
		})
	})
	if errors.Is(err, ErrIterationStopped) {
		return nil
	}
	return err
}

// EmbeddingDimension returns the locked dimension, or 0 before the first
// vector was written.
func (s *Store) EmbeddingDimension() (int, error) {
	var dim int
	err := s.view(func(txn *badger.Txn) error {
		d, err := embeddingDimTxn(txn)
		dim = d
		return err
	})
	return dim, err
}

// ============================================================================
// Transaction helpers
// ============================================================================

// putNodeTxn writes n and its index entries. An existing node with the same
// id has its stale index entries removed and keeps its sequence; otherwise
// seq (if non-zero) or the next counter value is assigned.
func putNodeTxn(txn *badger.Txn, n *Node, seq uint64) error {
	prev, err := getNodeTxn(txn, n.ID)
	switch {
	case err == nil:
		if err := deleteNodeIndexes(txn, prev, false); err != nil {
			return err
		}
		n.Seq = prev.Seq
	case errors.Is(err, ErrNotFound):
		if seq == 0 {
			if seq, err = nextSeq(txn); err != nil {
				return err
			}
		}
		n.Seq = seq
	default:
		return err
	}

	data, err := encodeNode(n)
	if err != nil {
		return err
	}
	if err := txn.Set(nodeKey(n.ID), data); err != nil {
		return err
	}
	if err := txn.Set(seqKey(n.Seq), []byte(n.ID)); err != nil {
		return err
	}
	if err := txn.Set(kindIndexKey(n.Kind, n.ID), nil); err != nil {
		return err
	}
	if err := txn.Set(nameIndexKey(n.Name, n.ID), nil); err != nil {
		return err
	}
	return txn.Set(pathIndexKey(n.Path, n.ID), nil)
}

func deleteNodeIndexes(txn *badger.Txn, n *Node, withSeq bool) error {
	keys := [][]byte{
		kindIndexKey(n.Kind, n.ID),
		nameIndexKey(n.Name, n.ID),
		pathIndexKey(n.Path, n.ID),
	}
	if withSeq {
		keys = append(keys, seqKey(n.Seq))
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// removeNodeTxn deletes n with its indexes and edges. Incoming edges for
// which keep returns true stay in place; the rest are moved to the dangling
// table and returned. A nil keep moves every incoming edge from another
// node.
func removeNodeTxn(txn *badger.Txn, n *Node, keep func(Edge) bool) ([]DanglingEdge, error) {
	out, err := edgesTxn(txn, outEdgePrefix(n.ID), edgeFromOutKey)
	if err != nil {
		return nil, err
	}
	for _, e := range out {
		if err := deleteEdgeTxn(txn, e); err != nil {
			return nil, err
		}
	}

	in, err := edgesTxn(txn, inEdgePrefix(n.ID), edgeFromInKey)
	if err != nil {
		return nil, err
	}
	var moved []DanglingEdge
	for _, e := range in {
		if keep != nil && keep(e) {
			continue
		}
		if err := deleteEdgeTxn(txn, e); err != nil {
			return nil, err
		}
		if e.Source == n.ID {
			continue
		}
		origin := ""
		if src, err := getNodeTxn(txn, e.Source); err == nil {
			origin = src.Path
		}
		d := DanglingEdge{Edge: e, Origin: origin, RecordedAt: time.Now().UTC()}
		if err := putDanglingTxn(txn, d); err != nil {
			return nil, err
		}
		moved = append(moved, d)
	}

	if err := deleteNodeIndexes(txn, n, true); err != nil {
		return nil, err
	}
	return moved, txn.Delete(nodeKey(n.ID))
}

func putEdgeTxn(txn *badger.Txn, e Edge) error {
	if err := txn.Set(outEdgeKey(e), nil); err != nil {
		return err
	}
	if err := txn.Set(inEdgeKey(e), nil); err != nil {
		return err
	}
	return txn.Delete(danglingKey(e))
}

func deleteEdgeTxn(txn *badger.Txn, e Edge) error {
	if err := txn.Delete(outEdgeKey(e)); err != nil {
		return err
	}
	return txn.Delete(inEdgeKey(e))
}

func endpointsExist(txn *badger.Txn, e Edge) (bool, error) {
	for _, id := range []string{e.Source, e.Target} {
		ok, err := keyExists(txn, nodeKey(id))
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func putDanglingTxn(txn *badger.Txn, d DanglingEdge) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return txn.Set(danglingKey(d.Edge), data)
}

func clearDanglingFromOrigin(txn *badger.Txn, path string) error {
	pending, err := danglingTxn(txn)
	if err != nil {
		return err
	}
	for _, d := range pending {
		if d.Origin != path {
			continue
		}
		if err := txn.Delete(danglingKey(d.Edge)); err != nil {
			return err
		}
	}
	return nil
}

// nextSeq returns the next insertion sequence and advances the persisted
// counter inside txn, so the counter only moves if txn commits.
func nextSeq(txn *badger.Txn) (uint64, error) {
	seq := uint64(1)
	item, err := txn.Get(metaKey(metaNextSeq))
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			v, err := decodeUint(val)
			seq = v
			return err
		}); err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	return seq, txn.Set(metaKey(metaNextSeq), encodeUint(seq+1))
}

func decodeFileRecord(data []byte) (*FileRecord, error) {
	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode file record: %v", ErrInvalidData, err)
	}
	return &rec, nil
}

func decodeDangling(data []byte) (DanglingEdge, error) {
	var d DanglingEdge
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("%w: decode dangling edge: %v", ErrInvalidData, err)
	}
	return d, nil
}
