package muql

import (
	"fmt"
	"strings"

	"github.com/orneryd/mucode/pkg/graph"
	"github.com/orneryd/mucode/pkg/storage"
)

// Plan is an executable, immutable query plan. The set is closed:
// *ScanPlan, *TraversePlan, *CyclesPlan, *MatchPlan, *SimilarPlan,
// *PathPlan and *AnalysisPlan.
type Plan interface {
	Statement() StatementKind
	String() string
	plan()
}

// AccessMethod is how a ScanPlan reads candidate nodes from the store.
type AccessMethod uint8

const (
	AccessFullScan AccessMethod = iota
	AccessKindIndex
	AccessNameIndex
	AccessPathIndex
	AccessPointLookup
)

func (m AccessMethod) String() string {
	switch m {
	case AccessKindIndex:
		return "kind-index"
	case AccessNameIndex:
		return "name-index"
	case AccessPathIndex:
		return "path-index"
	case AccessPointLookup:
		return "point-lookup"
	}
	return "full-scan"
}

// predicate filters nodes in memory.
type predicate func(n *storage.Node) bool

// ScanPlan reads nodes through one access path, filters them and projects
// columns.
type ScanPlan struct {
	Access AccessMethod
	Key    string           // id, name or path for index access
	Kind   storage.NodeKind // for AccessKindIndex
	// Kinds restricts results to the FROM kind; nil accepts all kinds.
	Kinds   map[storage.NodeKind]bool
	Where   Expr
	Columns []string
	OrderBy string
	Desc    bool
	Limit   int

	filter  predicate
	columns []field
	order   *field
}

// TraversePlan is SHOW DEPS (forward) or SHOW IMPACT (Reverse).
type TraversePlan struct {
	Reverse bool
	Root    string
	Depth   int // graph.Unbounded for no limit
	Kinds   graph.KindSet
}

// CyclesPlan is SHOW CYCLES.
type CyclesPlan struct {
	Root  string
	Kinds graph.KindSet
}

// PathPlan is PATH FROM ... TO ....
type PathPlan struct {
	From, To string
	MaxHops  int
	Kinds    graph.KindSet
}

// MatchPlan is FIND pattern.
type MatchPlan struct {
	Pattern string
	Kinds   map[storage.NodeKind]bool
	Scope   string
	Limit   int

	match func(string) bool
}

// SimilarPlan is FIND SIMILAR TO text.
type SimilarPlan struct {
	Text  string
	Kinds map[storage.NodeKind]bool
	Scope string
	Limit int
}

// AnalysisPlan runs a registered analysis.
type AnalysisPlan struct {
	Name   string
	Params map[string]Literal

	analysis *analysis
	args     analysisArgs
}

func (*ScanPlan) Statement() StatementKind     { return StmtSelect }
func (*TraversePlan) Statement() StatementKind { return StmtShow }
func (*CyclesPlan) Statement() StatementKind   { return StmtShow }
func (*PathPlan) Statement() StatementKind     { return StmtPath }
func (*MatchPlan) Statement() StatementKind    { return StmtFind }
func (*SimilarPlan) Statement() StatementKind  { return StmtFind }
func (*AnalysisPlan) Statement() StatementKind { return StmtAnalyze }

func (*ScanPlan) plan()     {}
func (*TraversePlan) plan() {}
func (*CyclesPlan) plan()   {}
func (*PathPlan) plan()     {}
func (*MatchPlan) plan()    {}
func (*SimilarPlan) plan()  {}
func (*AnalysisPlan) plan() {}

func (p *ScanPlan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan(%s", p.Access)
	switch p.Access {
	case AccessKindIndex:
		fmt.Fprintf(&b, " %s", p.Kind)
	case AccessFullScan:
	default:
		fmt.Fprintf(&b, " %q", p.Key)
	}
	b.WriteString(")")
	if p.Where != nil {
		fmt.Fprintf(&b, " Filter(%s)", p.Where)
	}
	if p.OrderBy != "" {
		dir := "asc"
		if p.Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, " Order(%s %s)", p.OrderBy, dir)
	}
	if p.Limit != NoLimit {
		fmt.Fprintf(&b, " Limit(%d)", p.Limit)
	}
	fmt.Fprintf(&b, " Project(%s)", strings.Join(p.Columns, ", "))
	return b.String()
}

func (p *TraversePlan) String() string {
	op := "Dependencies"
	if p.Reverse {
		op = "Impact"
	}
	return fmt.Sprintf("%s(%q depth=%d via=%s)", op, p.Root, p.Depth, p.Kinds)
}

func (p *CyclesPlan) String() string {
	return fmt.Sprintf("Cycles(root=%q via=%s)", p.Root, p.Kinds)
}

func (p *PathPlan) String() string {
	return fmt.Sprintf("ShortestPath(%q -> %q max_hops=%d via=%s)", p.From, p.To, p.MaxHops, p.Kinds)
}

func (p *MatchPlan) String() string {
	return fmt.Sprintf("Match(%q scope=%q limit=%d)", p.Pattern, p.Scope, p.Limit)
}

func (p *SimilarPlan) String() string {
	return fmt.Sprintf("Similar(%q scope=%q k=%d)", p.Text, p.Scope, p.Limit)
}

func (p *AnalysisPlan) String() string {
	return fmt.Sprintf("Analyze(%s)", p.Name)
}

// Planner lowers statements to plans.
type Planner struct {
	// DefaultLimit caps SELECT and FIND results when no LIMIT is given;
	// 0 means unlimited.
	DefaultLimit int
	// DefaultSimilar is k for FIND SIMILAR without LIMIT.
	DefaultSimilar int
	// DefaultMaxHops applies to PATH without MAX-HOPS.
	DefaultMaxHops int
}

// NewPlanner returns a planner with the usual defaults.
func NewPlanner() *Planner {
	return &Planner{DefaultSimilar: 10, DefaultMaxHops: graph.DefaultMaxHops}
}

// Plan validates stmt and lowers it. Every semantic error (unknown kinds,
// fields, analyses, ill-typed predicates) is reported here, before any
// execution.
func (pl *Planner) Plan(stmt Statement) (Plan, error) {
	switch s := stmt.(type) {
	case *SelectStmt:
		return pl.planSelect(s)
	case *ShowStmt:
		return pl.planShow(s)
	case *FindStmt:
		return pl.planFind(s)
	case *PathStmt:
		return pl.planPath(s)
	case *AnalyzeStmt:
		return pl.planAnalyze(s)
	}
	return nil, planErrorf(ErrInvalidPredicate, "unsupported statement %T", stmt)
}

func (pl *Planner) limit(n int) int {
	if n == NoLimit && pl.DefaultLimit > 0 {
		return pl.DefaultLimit
	}
	return n
}

func (pl *Planner) planSelect(s *SelectStmt) (*ScanPlan, error) {
	kinds, err := fromKinds(s.From)
	if err != nil {
		return nil, err
	}
	p := &ScanPlan{Kinds: kinds, Where: s.Where, Limit: pl.limit(s.Limit)}

	names := s.Fields
	if names == nil {
		names = defaultColumns
	}
	for _, name := range names {
		f, err := lookupField(name)
		if err != nil {
			return nil, err
		}
		p.columns = append(p.columns, f)
		p.Columns = append(p.Columns, f.name)
	}

	if s.OrderBy != nil {
		f, err := lookupField(s.OrderBy.Field)
		if err != nil {
			return nil, err
		}
		p.order = &f
		p.OrderBy = f.name
		p.Desc = s.OrderBy.Desc
	}

	if s.Where != nil {
		if p.filter, err = compile(s.Where); err != nil {
			return nil, err
		}
	}
	pl.chooseAccess(p)
	return p, nil
}

// chooseAccess picks the narrowest index usable for the top-level AND
// conjuncts of the predicate. The full predicate is still applied to every
// candidate, so an index only has to return a superset.
func (pl *Planner) chooseAccess(p *ScanPlan) {
	var eq = map[string]string{}
	var kindEq *storage.NodeKind
	for _, c := range conjuncts(p.Where) {
		cmp, ok := c.(*Comparison)
		if !ok || cmp.Op != CmpEq {
			continue
		}
		name := strings.ToLower(cmp.Field)
		if _, seen := eq[name]; !seen {
			eq[name] = cmp.Value.Text
		}
		if name == "kind" && kindEq == nil {
			if k, err := storage.ParseNodeKind(cmp.Value.Text); err == nil {
				kindEq = &k
			}
		}
	}

	switch {
	case eq["id"] != "":
		p.Access, p.Key = AccessPointLookup, eq["id"]
	case eq["name"] != "":
		p.Access, p.Key = AccessNameIndex, eq["name"]
	case eq["path"] != "":
		p.Access, p.Key = AccessPathIndex, eq["path"]
	case len(p.Kinds) == 1:
		for k := range p.Kinds {
			p.Access, p.Kind = AccessKindIndex, k
		}
	case kindEq != nil:
		p.Access, p.Kind = AccessKindIndex, *kindEq
	default:
		p.Access = AccessFullScan
	}
}

func conjuncts(e Expr) []Expr {
	if b, ok := e.(*BinaryExpr); ok && b.Op == OpAnd {
		return append(conjuncts(b.Left), conjuncts(b.Right)...)
	}
	if e == nil {
		return nil
	}
	return []Expr{e}
}

// fromKinds maps a FROM/FIND kind word to a kind set; "nodes" and "all"
// mean every kind and yield nil.
func fromKinds(word string) (map[storage.NodeKind]bool, error) {
	switch strings.ToLower(word) {
	case "", "nodes", "node", "all", "symbols":
		return nil, nil
	}
	k, err := storage.ParseNodeKind(word)
	if err != nil {
		return nil, planErrorf(ErrUnknownNodeKind, "%q", word)
	}
	return map[storage.NodeKind]bool{k: true}, nil
}

// compile type-checks a predicate and turns it into a filter.
func compile(e Expr) (predicate, error) {
	switch x := e.(type) {
	case *BinaryExpr:
		l, err := compile(x.Left)
		if err != nil {
			return nil, err
		}
		r, err := compile(x.Right)
		if err != nil {
			return nil, err
		}
		if x.Op == OpAnd {
			return func(n *storage.Node) bool { return l(n) && r(n) }, nil
		}
		return func(n *storage.Node) bool { return l(n) || r(n) }, nil
	case *NotExpr:
		inner, err := compile(x.X)
		if err != nil {
			return nil, err
		}
		return func(n *storage.Node) bool { return !inner(n) }, nil
	case *Comparison:
		return compileComparison(x)
	}
	return nil, planErrorf(ErrInvalidPredicate, "unsupported expression %T", e)
}

func compileComparison(c *Comparison) (predicate, error) {
	f, err := lookupField(c.Field)
	if err != nil {
		return nil, err
	}
	values := c.Values
	if c.Op != CmpIn {
		values = []Literal{c.Value}
	}

	switch {
	case f.name == "kind":
		return compileKind(f, c, values)
	case f.numeric:
		return compileNumeric(f, c, values)
	}

	if c.Op == CmpLike {
		match := likeMatcher(c.Value.Text)
		return func(n *storage.Node) bool { return match(f.text(n)) }, nil
	}
	if c.Op == CmpIn {
		set := make(map[string]bool, len(values))
		for _, v := range values {
			set[v.Text] = true
		}
		return func(n *storage.Node) bool { return set[f.text(n)] }, nil
	}
	want := c.Value.Text
	cmp := ordering(c.Op)
	return func(n *storage.Node) bool { return cmp(strings.Compare(f.text(n), want)) }, nil
}

func compileKind(f field, c *Comparison, values []Literal) (predicate, error) {
	switch c.Op {
	case CmpEq, CmpNe, CmpIn:
	default:
		return nil, planErrorf(ErrInvalidPredicate, "kind supports =, != and IN, not %s", c.Op)
	}
	set := make(map[storage.NodeKind]bool, len(values))
	for _, v := range values {
		k, err := storage.ParseNodeKind(v.Text)
		if err != nil {
			return nil, planErrorf(ErrUnknownNodeKind, "%q", v.Text)
		}
		set[k] = true
	}
	if c.Op == CmpNe {
		return func(n *storage.Node) bool { return !set[n.Kind] }, nil
	}
	return func(n *storage.Node) bool { return set[n.Kind] }, nil
}

func compileNumeric(f field, c *Comparison, values []Literal) (predicate, error) {
	if c.Op == CmpLike {
		return nil, planErrorf(ErrInvalidPredicate, "LIKE on numeric field %s", f.name)
	}
	nums := make([]float64, 0, len(values))
	for _, v := range values {
		if v.Kind != LitNumber {
			return nil, planErrorf(ErrInvalidPredicate, "%s compares with a number, got %s", f.name, v)
		}
		nums = append(nums, v.Num)
	}
	if c.Op == CmpIn {
		return func(n *storage.Node) bool {
			got := f.number(n)
			for _, x := range nums {
				if got == x {
					return true
				}
			}
			return false
		}, nil
	}
	want := nums[0]
	cmp := ordering(c.Op)
	return func(n *storage.Node) bool {
		got := f.number(n)
		switch {
		case got < want:
			return cmp(-1)
		case got > want:
			return cmp(1)
		}
		return cmp(0)
	}, nil
}

// ordering turns an operator into a test on a three-way comparison result.
func ordering(op CmpOp) func(int) bool {
	switch op {
	case CmpNe:
		return func(c int) bool { return c != 0 }
	case CmpLt:
		return func(c int) bool { return c < 0 }
	case CmpLe:
		return func(c int) bool { return c <= 0 }
	case CmpGt:
		return func(c int) bool { return c > 0 }
	case CmpGe:
		return func(c int) bool { return c >= 0 }
	}
	return func(c int) bool { return c == 0 }
}

func edgeKinds(via []string) (graph.KindSet, error) {
	if len(via) == 0 {
		return graph.DefaultKinds, nil
	}
	var ks []storage.EdgeKind
	for _, v := range via {
		if strings.EqualFold(v, "all") {
			return graph.AllKinds, nil
		}
		k, err := storage.ParseEdgeKind(v)
		if err != nil {
			return 0, planErrorf(ErrUnknownEdgeKind, "%q", v)
		}
		ks = append(ks, k)
	}
	return graph.Kinds(ks...), nil
}

func (pl *Planner) planShow(s *ShowStmt) (Plan, error) {
	kinds, err := edgeKinds(s.Via)
	if err != nil {
		return nil, err
	}
	depth := s.Depth
	switch {
	case depth == NoBound:
		depth = graph.Unbounded
	case depth < 0:
		return nil, planErrorf(ErrInvalidPredicate, "negative depth")
	}
	switch s.Op {
	case ShowDeps, ShowImpact:
		return &TraversePlan{Reverse: s.Op == ShowImpact, Root: s.Target, Depth: depth, Kinds: kinds}, nil
	case ShowCycles:
		return &CyclesPlan{Root: s.Target, Kinds: kinds}, nil
	}
	return nil, planErrorf(ErrInvalidPredicate, "unknown SHOW operation %d", s.Op)
}

func (pl *Planner) planFind(s *FindStmt) (Plan, error) {
	kinds, err := fromKinds(s.NodeKind)
	if err != nil {
		return nil, err
	}
	if s.Similar {
		k := s.Limit
		if k == NoLimit {
			k = pl.DefaultSimilar
		}
		if strings.TrimSpace(s.Pattern) == "" {
			return nil, planErrorf(ErrInvalidPredicate, "empty similarity text")
		}
		return &SimilarPlan{Text: s.Pattern, Kinds: kinds, Scope: s.Scope, Limit: k}, nil
	}
	if s.Pattern == "" {
		return nil, planErrorf(ErrInvalidPredicate, "empty pattern")
	}
	return &MatchPlan{
		Pattern: s.Pattern,
		Kinds:   kinds,
		Scope:   s.Scope,
		Limit:   pl.limit(s.Limit),
		match:   globMatcher(s.Pattern),
	}, nil
}

func (pl *Planner) planPath(s *PathStmt) (Plan, error) {
	kinds, err := edgeKinds(s.Via)
	if err != nil {
		return nil, err
	}
	hops := s.MaxHops
	switch {
	case hops == NoBound:
		hops = pl.DefaultMaxHops
	case hops < 0:
		return nil, planErrorf(ErrInvalidPredicate, "negative max-hops")
	}
	return &PathPlan{From: s.From, To: s.To, MaxHops: hops, Kinds: kinds}, nil
}

func (pl *Planner) planAnalyze(s *AnalyzeStmt) (Plan, error) {
	a, ok := lookupAnalysis(s.Name)
	if !ok {
		return nil, planErrorf(ErrUnknownAnalysis, "%q (known: %s)", s.Name, strings.Join(AnalysisNames(), ", "))
	}
	params := make(map[string]Literal, len(s.Params))
	for _, p := range s.Params {
		params[strings.ToLower(p.Name)] = p.Value
	}
	args, err := a.bind(params)
	if err != nil {
		return nil, err
	}
	return &AnalysisPlan{Name: a.name, Params: params, analysis: a, args: args}, nil
}
