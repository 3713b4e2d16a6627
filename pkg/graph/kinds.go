package graph

import (
	"strings"

	"github.com/orneryd/mucode/pkg/storage"
)

// KindSet is a set of edge kinds.
type KindSet uint8

// DefaultKinds are followed by traversals unless a query narrows them:
// dependency relationships only, structural containment excluded.
var DefaultKinds = Kinds(storage.EdgeImports, storage.EdgeCalls, storage.EdgeInherits)

// AllKinds includes every edge kind.
var AllKinds = Kinds(storage.EdgeKinds()...)

// Kinds builds a set.
func Kinds(ks ...storage.EdgeKind) KindSet {
	var s KindSet
	for _, k := range ks {
		s |= 1 << k
	}
	return s
}

// Has reports membership.
func (s KindSet) Has(k storage.EdgeKind) bool { return s&(1<<k) != 0 }

// OrDefault returns DefaultKinds for the empty set.
func (s KindSet) OrDefault() KindSet {
	if s == 0 {
		return DefaultKinds
	}
	return s
}

// List returns the members in declaration order.
func (s KindSet) List() []storage.EdgeKind {
	var out []storage.EdgeKind
	for _, k := range storage.EdgeKinds() {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

func (s KindSet) String() string {
	names := make([]string, 0, 4)
	for _, k := range s.List() {
		names = append(names, k.String())
	}
	return strings.Join(names, ",")
}
