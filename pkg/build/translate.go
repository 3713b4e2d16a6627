package build

import (
	"sort"
	"strings"

	"github.com/orneryd/mucode/pkg/storage"
)

// Metadata keys written on nodes.
const (
	metaQualName  = "qualname"
	metaSignature = "signature"
	metaDoc       = "doc"
	metaParent    = "parent"
	metaExternal  = "external_imports"

	maxDocLen = 512
)

// translate turns one parsed module into the batch that replaces the
// file's records. References are resolved through the project table;
// whatever cannot be resolved is dropped, except imports of modules outside
// the project, which are kept on the module node as metadata.
func translate(m *ModuleDef, hash string, table *symbolTable) storage.FileBatch {
	mid := moduleID(m.Path)
	name := m.Name
	if name == "" {
		name = m.Path
	}
	mod := &storage.Node{
		ID:        mid,
		Name:      name,
		Kind:      storage.KindModule,
		Path:      m.Path,
		Language:  m.Language,
		LineStart: 1,
		LineEnd:   m.Lines,
	}
	if m.Doc != "" {
		mod.Metadata = map[string]string{metaDoc: truncate(m.Doc, maxDocLen)}
	}

	batch := storage.FileBatch{
		Path:     m.Path,
		Hash:     hash,
		Language: m.Language,
		Nodes:    []*storage.Node{mod},
	}
	seenEdge := make(map[storage.Edge]bool)
	addEdge := func(src, dst string, kind storage.EdgeKind) {
		if src == "" || dst == "" {
			return
		}
		e := storage.Edge{Source: src, Target: dst, Kind: kind}
		if !seenEdge[e] {
			seenEdge[e] = true
			batch.Edges = append(batch.Edges, e)
		}
	}

	// Classes first so members can hang off them.
	classes := make(map[string]string)
	for _, s := range m.Symbols {
		if s.Kind == storage.KindClass && s.Parent == "" {
			classes[s.Name] = symbolID(m.Path, s)
		}
	}

	seenNode := map[string]bool{mid: true}
	for _, s := range m.Symbols {
		id := symbolID(m.Path, s)
		if seenNode[id] {
			continue
		}
		seenNode[id] = true
		batch.Nodes = append(batch.Nodes, symbolNode(m, s, id))

		parent := mid
		if s.Parent != "" {
			if cid, ok := classes[s.Parent]; ok {
				parent = cid
			}
		}
		addEdge(parent, id, storage.EdgeContains)
	}

	var external []string
	for _, imp := range m.Imports {
		targets := table.importTargets(imp)
		if len(targets) == 0 {
			external = append(external, imp.Module)
			continue
		}
		for _, t := range targets {
			if t != mid {
				addEdge(mid, t, storage.EdgeImports)
			}
		}
	}
	if len(external) > 0 {
		if mod.Metadata == nil {
			mod.Metadata = make(map[string]string)
		}
		mod.Metadata[metaExternal] = strings.Join(dedupSorted(external), ",")
	}

	sc := table.scopeFor(m)
	for _, s := range m.Symbols {
		id := symbolID(m.Path, s)
		owner := s.Parent
		if s.Kind == storage.KindClass {
			owner = s.Name
		}
		for _, call := range s.Calls {
			addEdge(id, sc.resolve(call, owner, isCallable), storage.EdgeCalls)
		}
		if s.Kind == storage.KindClass {
			for _, base := range s.Bases {
				if target := sc.resolve(base, "", isClass); target != id {
					addEdge(id, target, storage.EdgeInherits)
				}
			}
		}
	}

	sort.SliceStable(batch.Edges, func(i, j int) bool {
		a, b := batch.Edges[i], batch.Edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Target < b.Target
	})
	return batch
}

func symbolNode(m *ModuleDef, s Symbol, id string) *storage.Node {
	n := &storage.Node{
		ID:        id,
		Name:      s.Name,
		Kind:      s.Kind,
		Path:      m.Path,
		Language:  m.Language,
		LineStart: s.LineStart,
		LineEnd:   s.LineEnd,
		Metadata:  map[string]string{metaQualName: s.QualName()},
	}
	if s.Parent != "" {
		n.Metadata[metaParent] = s.Parent
	}
	if s.Signature != "" {
		n.Metadata[metaSignature] = s.Signature
	}
	if s.Doc != "" {
		n.Metadata[metaDoc] = truncate(s.Doc, maxDocLen)
	}
	return n
}

// embeddingText is what gets embedded for a node.
func embeddingText(n *storage.Node) string {
	var b strings.Builder
	b.WriteString(n.Kind.String())
	b.WriteByte(' ')
	if q := n.Metadata[metaQualName]; q != "" {
		b.WriteString(q)
	} else {
		b.WriteString(n.Name)
	}
	if sig := n.Metadata[metaSignature]; sig != "" {
		b.WriteString("\n")
		b.WriteString(sig)
	}
	if doc := n.Metadata[metaDoc]; doc != "" {
		b.WriteString("\n")
		b.WriteString(doc)
	}
	b.WriteString("\n")
	b.WriteString(n.Path)
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
