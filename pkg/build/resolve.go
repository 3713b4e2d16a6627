package build

import (
	"sort"
	"strings"

	"github.com/orneryd/mucode/pkg/storage"
)

// symbolTable indexes every definition in the project so references can be
// resolved across files. It is built once per run from the stored nodes of
// files that are not being rewritten plus the freshly parsed modules.
type symbolTable struct {
	// modules maps an import name to the module ids that carry it. Go
	// packages span several files, so one name can map to many ids.
	modules map[string][]string
	// members maps module id → qualified name → node id.
	members map[string]map[string]string
	// global maps a bare function or class name to every id defining it.
	global map[string][]string
	kinds  map[string]storage.NodeKind
}

func newSymbolTable() *symbolTable {
	return &symbolTable{
		modules: make(map[string][]string),
		members: make(map[string]map[string]string),
		global:  make(map[string][]string),
		kinds:   make(map[string]storage.NodeKind),
	}
}

// addStored registers a node loaded from the store.
func (t *symbolTable) addStored(n *storage.Node) {
	t.kinds[n.ID] = n.Kind
	if n.Kind == storage.KindModule {
		t.modules[n.Name] = append(t.modules[n.Name], n.ID)
		return
	}
	qual := n.Metadata[metaQualName]
	if qual == "" {
		qual = n.Name
	}
	t.addMember(moduleID(n.Path), qual, n.ID, n.Kind, n.Name)
}

// addModule registers a parsed module and its symbols.
func (t *symbolTable) addModule(m *ModuleDef) {
	mid := moduleID(m.Path)
	t.kinds[mid] = storage.KindModule
	t.modules[m.Name] = append(t.modules[m.Name], mid)
	for _, s := range m.Symbols {
		id := symbolID(m.Path, s)
		t.kinds[id] = s.Kind
		t.addMember(mid, s.QualName(), id, s.Kind, s.Name)
	}
}

func (t *symbolTable) addMember(mid, qual, id string, kind storage.NodeKind, name string) {
	mm := t.members[mid]
	if mm == nil {
		mm = make(map[string]string)
		t.members[mid] = mm
	}
	mm[qual] = id
	if kind == storage.KindFunction || kind == storage.KindClass {
		t.global[name] = append(t.global[name], id)
	}
}

// finish sorts the multi-valued entries so resolution is deterministic.
func (t *symbolTable) finish() {
	for k, ids := range t.modules {
		t.modules[k] = dedupSorted(ids)
	}
	for k, ids := range t.global {
		t.global[k] = dedupSorted(ids)
	}
}

// resolveModule finds the project modules an import refers to. An exact
// name match wins; otherwise the longest module name that is a suffix of
// the import at a path or dot boundary is used, which is how Go import
// paths map onto directories below the project root.
func (t *symbolTable) resolveModule(imp string) []string {
	imp = strings.TrimPrefix(imp, "./")
	if ids, ok := t.modules[imp]; ok {
		return ids
	}
	var best string
	for name := range t.modules {
		if name == "" || len(name) <= len(best) || !strings.HasSuffix(imp, name) {
			continue
		}
		cut := len(imp) - len(name)
		if cut == 0 || imp[cut-1] == '/' || imp[cut-1] == '.' {
			best = name
		}
	}
	if best == "" {
		return nil
	}
	return t.modules[best]
}

// member looks up a qualified name in any of the given modules.
func (t *symbolTable) member(mids []string, qual string) string {
	for _, mid := range mids {
		if id, ok := t.members[mid][qual]; ok {
			return id
		}
	}
	return ""
}

// unique returns the single project-wide definition of name, if there is
// exactly one.
func (t *symbolTable) unique(name string, want func(storage.NodeKind) bool) string {
	var found string
	for _, id := range t.global[name] {
		if !want(t.kinds[id]) {
			continue
		}
		if found != "" {
			return ""
		}
		found = id
	}
	return found
}

// scope is the name environment of one module during translation.
type scope struct {
	table *symbolTable
	mid   string
	// local is the module followed by the other files of its package.
	local []string
	// aliases maps a local module binding to the modules it names.
	aliases map[string][]string
	// imported maps a from-imported name to its definition.
	imported map[string]string
}

func (t *symbolTable) scopeFor(m *ModuleDef) *scope {
	sc := &scope{
		table:    t,
		mid:      moduleID(m.Path),
		aliases:  make(map[string][]string),
		imported: make(map[string]string),
	}
	sc.local = []string{sc.mid}
	for _, id := range t.modules[m.Name] {
		if id != sc.mid {
			sc.local = append(sc.local, id)
		}
	}
	for _, imp := range m.Imports {
		targets := t.resolveModule(imp.Module)
		if len(targets) > 0 {
			local := imp.Alias
			if local == "" {
				local = lastSegment(imp.Module)
			}
			sc.aliases[local] = targets
		}
		for _, name := range imp.Names {
			if id := t.member(targets, name); id != "" {
				sc.imported[name] = id
			} else if sub := t.resolveModule(imp.Module + "." + name); len(sub) > 0 {
				sc.aliases[name] = sub
			}
		}
	}
	return sc
}

// importTargets returns the project modules an import statement pulls in:
// the module itself and, for from-imports, any named submodules.
func (t *symbolTable) importTargets(imp Import) []string {
	targets := append([]string(nil), t.resolveModule(imp.Module)...)
	for _, name := range imp.Names {
		if len(targets) > 0 && t.member(targets, name) != "" {
			continue
		}
		targets = append(targets, t.resolveModule(imp.Module+"."+name)...)
	}
	return dedupSorted(targets)
}

func isCallable(k storage.NodeKind) bool {
	return k == storage.KindFunction || k == storage.KindClass || k == storage.KindMethod
}

func isClass(k storage.NodeKind) bool { return k == storage.KindClass }

// resolve maps a reference as written inside class owner (may be empty) to
// a node id, or "" when it cannot be resolved.
func (sc *scope) resolve(ref, owner string, want func(storage.NodeKind) bool) string {
	ref = strings.TrimSuffix(strings.TrimSpace(ref), "()")
	if ref == "" {
		return ""
	}
	local := sc.local

	for _, self := range []string{"self.", "this.", "cls."} {
		if rest, ok := strings.CutPrefix(ref, self); ok {
			if owner == "" {
				return ""
			}
			return sc.pick(sc.table.member(local, owner+"."+rest), want)
		}
	}

	if head, rest, ok := strings.Cut(ref, "."); ok {
		if targets, ok := sc.aliases[head]; ok {
			return sc.pick(sc.table.member(targets, rest), want)
		}
		// Class.method inside the same module.
		if id := sc.pick(sc.table.member(local, ref), want); id != "" {
			return id
		}
		// A fully qualified module path: try each split point.
		for i := strings.LastIndexByte(ref, '.'); i > 0; i = strings.LastIndexByte(ref[:i], '.') {
			if targets := sc.table.resolveModule(ref[:i]); len(targets) > 0 {
				if id := sc.pick(sc.table.member(targets, ref[i+1:]), want); id != "" {
					return id
				}
			}
		}
		return ""
	}

	if owner != "" {
		if id := sc.pick(sc.table.member(local, owner+"."+ref), want); id != "" {
			return id
		}
	}
	if id := sc.pick(sc.table.member(local, ref), want); id != "" {
		return id
	}
	if id := sc.pick(sc.imported[ref], want); id != "" {
		return id
	}
	return sc.table.unique(ref, want)
}

func (sc *scope) pick(id string, want func(storage.NodeKind) bool) string {
	if id == "" || !want(sc.table.kinds[id]) {
		return ""
	}
	return id
}

func lastSegment(s string) string {
	if i := strings.LastIndexAny(s, "/."); i >= 0 {
		return s[i+1:]
	}
	return s
}

func dedupSorted(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// buildSymbolTable combines the stored nodes of files that are still in the
// tree and keep their records with the freshly parsed modules.
func buildSymbolTable(results []parsed, stored []*storage.Node, scanned map[string]bool) *symbolTable {
	replaced := make(map[string]bool)
	table := newSymbolTable()
	for _, r := range results {
		if r.module != nil {
			replaced[r.entry.Path] = true
			table.addModule(r.module)
		}
	}
	for _, n := range stored {
		if scanned[n.Path] && !replaced[n.Path] {
			table.addStored(n)
		}
	}
	table.finish()
	return table
}

// definitionsChanged reports whether any parsed module defines a different
// set of names than the store holds for its file. A new file always counts.
func definitionsChanged(results []parsed, stored []*storage.Node) bool {
	byPath := make(map[string][]string)
	for _, n := range stored {
		qual := ""
		if n.Kind != storage.KindModule {
			qual = n.Metadata[metaQualName]
			if qual == "" {
				qual = n.Name
			}
		}
		byPath[n.Path] = append(byPath[n.Path], definition(n.ID, n.Kind, n.Name, qual))
	}
	for _, r := range results {
		if r.module == nil {
			continue
		}
		old, ok := byPath[r.entry.Path]
		if !ok {
			return true
		}
		if !equalSorted(old, moduleDefinitions(r.module)) {
			return true
		}
	}
	return false
}

// moduleDefinitions lists what translate would register for m.
func moduleDefinitions(m *ModuleDef) []string {
	name := m.Name
	if name == "" {
		name = m.Path
	}
	mid := moduleID(m.Path)
	defs := []string{definition(mid, storage.KindModule, name, "")}
	seen := map[string]bool{mid: true}
	for _, s := range m.Symbols {
		id := symbolID(m.Path, s)
		if seen[id] {
			continue
		}
		seen[id] = true
		defs = append(defs, definition(id, s.Kind, s.Name, s.QualName()))
	}
	return defs
}

func definition(id string, kind storage.NodeKind, name, qual string) string {
	return id + "\x00" + kind.String() + "\x00" + name + "\x00" + qual
}

func equalSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
