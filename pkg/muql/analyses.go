package muql

import (
	"math"
	"sort"
	"strings"

	"github.com/orneryd/mucode/pkg/graph"
	"github.com/orneryd/mucode/pkg/storage"
)

// analysisArgs are bound ANALYZE parameters.
type analysisArgs struct {
	limit int // 0 = no limit
	kinds map[storage.NodeKind]bool
}

// analysis is a built-in ANALYZE routine.
type analysis struct {
	name         string
	description  string
	params       []string
	defaultLimit int
	run          func(env *execEnv, args analysisArgs) (*Result, error)
}

var analyses = map[string]*analysis{}

func register(a *analysis) { analyses[a.name] = a }

func init() {
	register(&analysis{
		name:        "dead-code",
		description: "functions, methods and classes nothing calls, imports or inherits",
		params:      []string{"kind", "limit"},
		run:         deadCode,
	})
	register(&analysis{
		name:         "most-connected",
		description:  "nodes with the highest degree over imports, calls and inherits",
		params:       []string{"kind", "limit"},
		defaultLimit: 10,
		run:          mostConnected,
	})
	register(&analysis{
		name:        "stats",
		description: "node and edge counts by kind",
		run:         graphStats,
	})
	register(&analysis{
		name:        "dangling",
		description: "edges waiting for a missing endpoint",
		params:      []string{"limit"},
		run:         danglingEdges,
	})
	register(&analysis{
		name:        "coupling",
		description: "afferent and efferent coupling and instability per module",
		params:      []string{"limit"},
		run:         coupling,
	})
}

// AnalysisNames lists the registered analyses.
func AnalysisNames() []string {
	names := make([]string, 0, len(analyses))
	for name := range analyses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AnalysisDescription returns the one-line description of an analysis.
func AnalysisDescription(name string) (string, bool) {
	a, ok := lookupAnalysis(name)
	if !ok {
		return "", false
	}
	return a.description, true
}

func lookupAnalysis(name string) (*analysis, bool) {
	a, ok := analyses[strings.ReplaceAll(strings.ToLower(name), "_", "-")]
	return a, ok
}

func (a *analysis) bind(params map[string]Literal) (analysisArgs, error) {
	args := analysisArgs{limit: a.defaultLimit}
	for name, v := range params {
		known := false
		for _, p := range a.params {
			known = known || p == name
		}
		if !known {
			return args, planErrorf(ErrInvalidPredicate, "%s does not take parameter %q", a.name, name)
		}
		switch name {
		case "limit":
			if v.Kind != LitNumber || v.Num < 1 || v.Num != math.Trunc(v.Num) {
				return args, planErrorf(ErrInvalidPredicate, "limit must be a positive integer, got %s", v)
			}
			args.limit = int(v.Num)
		case "kind":
			k, err := storage.ParseNodeKind(v.Text)
			if err != nil {
				return args, planErrorf(ErrUnknownNodeKind, "%q", v.Text)
			}
			args.kinds = map[storage.NodeKind]bool{k: true}
		}
	}
	return args, nil
}

// truncate applies limit to rows and reports whether anything was cut.
func truncate(rows [][]any, limit int) ([][]any, bool) {
	if limit > 0 && len(rows) > limit {
		return rows[:limit], true
	}
	return rows, false
}

// dependencyKinds are the edges that make one node use another.
var dependencyKinds = graph.DefaultKinds

func isEntryPoint(n *storage.Node) bool {
	name := n.Name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "main", "init", "setUp", "tearDown", "setUpClass", "tearDownClass":
		return true
	case "ServeHTTP":
		return n.Kind == storage.KindMethod
	}
	if len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__") {
		return true
	}
	for _, prefix := range []string{"Test", "Fuzz", "Benchmark", "Example", "test_"} {
		if len(name) > len(prefix) && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return n.Kind == storage.KindClass && strings.HasPrefix(name, "Test")
}

func deadCode(env *execEnv, args analysisArgs) (*Result, error) {
	kinds := args.kinds
	if kinds == nil {
		kinds = map[storage.NodeKind]bool{storage.KindFunction: true, storage.KindMethod: true, storage.KindClass: true}
	}
	res := &Result{Shape: ShapeRows, Columns: []string{"id", "name", "kind", "path", "line_start"}}
	for _, n := range insertionOrder(env.snap.Nodes()) {
		if err := env.budget.Step(1); err != nil {
			return nil, err
		}
		if !kinds[n.Kind] || isEntryPoint(n) {
			continue
		}
		if env.snap.Degree(n.ID, storage.Incoming, dependencyKinds) == 0 {
			res.Rows = append(res.Rows, []any{n.ID, n.Name, n.Kind.String(), n.Path, n.LineStart})
		}
	}
	res.Rows, res.Truncated = truncate(res.Rows, args.limit)
	return res, nil
}

func mostConnected(env *execEnv, args analysisArgs) (*Result, error) {
	type scored struct {
		n       *storage.Node
		in, out int
	}
	var all []scored
	for _, n := range env.snap.Nodes() {
		if err := env.budget.Step(1); err != nil {
			return nil, err
		}
		if args.kinds != nil && !args.kinds[n.Kind] {
			continue
		}
		in := env.snap.Degree(n.ID, storage.Incoming, dependencyKinds)
		out := env.snap.Degree(n.ID, storage.Outgoing, dependencyKinds)
		if in+out > 0 {
			all = append(all, scored{n, in, out})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		di, dj := all[i].in+all[i].out, all[j].in+all[j].out
		if di != dj {
			return di > dj
		}
		return all[i].n.ID < all[j].n.ID
	})

	res := &Result{Shape: ShapeRows, Columns: []string{"id", "name", "kind", "in", "out", "degree"}}
	for _, s := range all {
		res.Rows = append(res.Rows, []any{s.n.ID, s.n.Name, s.n.Kind.String(), s.in, s.out, s.in + s.out})
	}
	res.Rows, res.Truncated = truncate(res.Rows, args.limit)
	return res, nil
}

func graphStats(env *execEnv, _ analysisArgs) (*Result, error) {
	nodes := map[storage.NodeKind]int{}
	for _, n := range env.snap.Nodes() {
		nodes[n.Kind]++
	}
	edges := map[storage.EdgeKind]int{}
	for _, e := range env.snap.Edges() {
		edges[e.Kind]++
	}
	if err := env.budget.Step(env.snap.NodeCount() + env.snap.EdgeCount()); err != nil {
		return nil, err
	}

	res := &Result{Shape: ShapeRows, Columns: []string{"category", "kind", "count"}}
	for _, k := range storage.NodeKinds() {
		res.Rows = append(res.Rows, []any{"node", k.String(), nodes[k]})
	}
	for _, k := range storage.EdgeKinds() {
		res.Rows = append(res.Rows, []any{"edge", k.String(), edges[k]})
	}
	res.Rows = append(res.Rows,
		[]any{"total", "nodes", env.snap.NodeCount()},
		[]any{"total", "edges", env.snap.EdgeCount()},
	)
	if env.store != nil {
		dangling, err := env.store.Dangling()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, []any{"total", "dangling", len(dangling)})
	}
	return res, nil
}

func danglingEdges(env *execEnv, args analysisArgs) (*Result, error) {
	res := &Result{Shape: ShapeRows, Columns: []string{"source", "kind", "target", "origin"}}
	if env.store == nil {
		return res, nil
	}
	dangling, err := env.store.Dangling()
	if err != nil {
		return nil, err
	}
	for _, d := range dangling {
		res.Rows = append(res.Rows, []any{d.Source, d.Kind.String(), d.Target, d.Origin})
	}
	res.Rows, res.Truncated = truncate(res.Rows, args.limit)
	return res, nil
}

// coupling lifts dependency edges to the modules containing their endpoints.
// Afferent coupling counts distinct modules depending on a module, efferent
// the distinct modules it depends on; instability is Ce / (Ca + Ce).
func coupling(env *execEnv, args analysisArgs) (*Result, error) {
	moduleOf := map[string]string{}
	var modules []*storage.Node
	for _, n := range env.snap.Nodes() {
		if n.Kind == storage.KindModule {
			moduleOf[n.Path] = n.ID
			modules = append(modules, n)
		}
	}

	afferent := map[string]map[string]bool{}
	efferent := map[string]map[string]bool{}
	for _, e := range env.snap.Edges() {
		if err := env.budget.Step(1); err != nil {
			return nil, err
		}
		if !dependencyKinds.Has(e.Kind) {
			continue
		}
		src, dst := env.snap.Node(e.Source), env.snap.Node(e.Target)
		if src == nil || dst == nil {
			continue
		}
		from, to := moduleOf[src.Path], moduleOf[dst.Path]
		if from == "" || to == "" || from == to {
			continue
		}
		if efferent[from] == nil {
			efferent[from] = map[string]bool{}
		}
		efferent[from][to] = true
		if afferent[to] == nil {
			afferent[to] = map[string]bool{}
		}
		afferent[to][from] = true
	}

	type row struct {
		m      *storage.Node
		ca, ce int
	}
	rows := make([]row, 0, len(modules))
	for _, m := range modules {
		rows = append(rows, row{m, len(afferent[m.ID]), len(efferent[m.ID])})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := rows[i].ca+rows[i].ce, rows[j].ca+rows[j].ce
		if ti != tj {
			return ti > tj
		}
		return rows[i].m.ID < rows[j].m.ID
	})

	res := &Result{Shape: ShapeRows, Columns: []string{"module", "path", "afferent", "efferent", "instability"}}
	for _, r := range rows {
		instability := 0.0
		if r.ca+r.ce > 0 {
			instability = float64(r.ce) / float64(r.ca+r.ce)
		}
		res.Rows = append(res.Rows, []any{r.m.ID, r.m.Path, r.ca, r.ce, instability})
	}
	res.Rows, res.Truncated = truncate(res.Rows, args.limit)
	return res, nil
}

// insertionOrder returns nodes sorted by store sequence, then id.
func insertionOrder(nodes []*storage.Node) []*storage.Node {
	out := make([]*storage.Node, len(nodes))
	copy(out, nodes)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out
}
