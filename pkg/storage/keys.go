package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes; variable-length parts are separated by 0x00, which
// is why ids, names and paths may not contain NUL.
const (
	prefixNode       = byte(0x01) // node:id -> JSON(Node)
	prefixOutEdge    = byte(0x02) // out:src 0 kind 0 dst -> empty
	prefixInEdge     = byte(0x03) // in:dst 0 kind 0 src -> empty
	prefixKindIndex  = byte(0x04) // kind:kindByte id -> empty
	prefixNameIndex  = byte(0x05) // name:lower(name) 0 id -> empty
	prefixPathIndex  = byte(0x06) // path:path 0 id -> empty
	prefixSeqIndex   = byte(0x07) // seq:uint64be -> id
	prefixFileRecord = byte(0x08) // file:path -> JSON(FileRecord)
	prefixDangling   = byte(0x09) // dangling:src 0 kind 0 dst -> JSON(DanglingEdge)
	prefixEmbedding  = byte(0x0A) // emb:id -> little-endian float32s
	prefixMeta       = byte(0x0F) // meta:name -> value
)

const (
	metaSchemaVersion = "schema_version"
	metaNextSeq       = "next_seq"
	metaEmbeddingDim  = "embedding_dim"
)

func nodeKey(id string) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeTripleKey(prefix byte, a string, kind EdgeKind, b string) []byte {
	key := make([]byte, 0, len(a)+len(b)+4)
	key = append(key, prefix)
	key = append(key, a...)
	key = append(key, 0x00, byte(kind), 0x00)
	return append(key, b...)
}

func outEdgeKey(e Edge) []byte {
	return edgeTripleKey(prefixOutEdge, e.Source, e.Kind, e.Target)
}

func inEdgeKey(e Edge) []byte {
	return edgeTripleKey(prefixInEdge, e.Target, e.Kind, e.Source)
}

func danglingKey(e Edge) []byte {
	return edgeTripleKey(prefixDangling, e.Source, e.Kind, e.Target)
}

// outEdgePrefix / inEdgePrefix select every edge of one node.
func outEdgePrefix(id string) []byte {
	return append(append([]byte{prefixOutEdge}, id...), 0x00)
}

func inEdgePrefix(id string) []byte {
	return append(append([]byte{prefixInEdge}, id...), 0x00)
}

// parseEdgeTriple decodes a key built by edgeTripleKey back into its parts.
func parseEdgeTriple(key []byte) (a string, kind EdgeKind, b string, err error) {
	if len(key) < 1 {
		return "", 0, "", fmt.Errorf("%w: empty edge key", ErrInvalidData)
	}
	rest := key[1:]
	sep := bytes.IndexByte(rest, 0x00)
	if sep < 0 || len(rest) < sep+3 || rest[sep+2] != 0x00 {
		return "", 0, "", fmt.Errorf("%w: malformed edge key", ErrInvalidData)
	}
	kind = EdgeKind(rest[sep+1])
	if !kind.Valid() {
		return "", 0, "", fmt.Errorf("%w: edge key has kind %d", ErrInvalidData, rest[sep+1])
	}
	return string(rest[:sep]), kind, string(rest[sep+3:]), nil
}

func edgeFromOutKey(key []byte) (Edge, error) {
	src, kind, dst, err := parseEdgeTriple(key)
	return Edge{Source: src, Target: dst, Kind: kind}, err
}

func edgeFromInKey(key []byte) (Edge, error) {
	dst, kind, src, err := parseEdgeTriple(key)
	return Edge{Source: src, Target: dst, Kind: kind}, err
}

func kindIndexKey(kind NodeKind, id string) []byte {
	return append([]byte{prefixKindIndex, byte(kind)}, id...)
}

func kindIndexPrefix(kind NodeKind) []byte {
	return []byte{prefixKindIndex, byte(kind)}
}

func nameIndexPrefix(name string) []byte {
	return append(append([]byte{prefixNameIndex}, strings.ToLower(name)...), 0x00)
}

func nameIndexKey(name, id string) []byte {
	return append(nameIndexPrefix(name), id...)
}

func pathIndexPrefix(path string) []byte {
	return append(append([]byte{prefixPathIndex}, path...), 0x00)
}

func pathIndexKey(path, id string) []byte {
	return append(pathIndexPrefix(path), id...)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixSeqIndex
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func fileRecordKey(path string) []byte {
	return append([]byte{prefixFileRecord}, path...)
}

func embeddingKey(id string) []byte {
	return append([]byte{prefixEmbedding}, id...)
}

func metaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}

// idFromIndexKey returns the trailing id of a secondary index key given the
// index prefix that was scanned.
func idFromIndexKey(key, prefix []byte) string {
	return string(key[len(prefix):])
}

// ============================================================================
// Value encoding
// ============================================================================

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(n)
}

func decodeNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: decode node: %v", ErrInvalidData, err)
	}
	return &n, nil
}

func encodeUint(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: counter has %d bytes", ErrInvalidData, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// encodeVector stores float32 values little-endian, 4 bytes each.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: vector blob of %d bytes", ErrInvalidData, len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
