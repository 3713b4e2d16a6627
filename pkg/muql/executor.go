package muql

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/mucode/pkg/cache"
	"github.com/orneryd/mucode/pkg/embed"
	"github.com/orneryd/mucode/pkg/embedding"
	"github.com/orneryd/mucode/pkg/graph"
	"github.com/orneryd/mucode/pkg/metrics"
	"github.com/orneryd/mucode/pkg/storage"
)

// DefaultMaxSteps caps graph work per query when no limit is configured.
const DefaultMaxSteps = 1_000_000

// Reader is the part of the store the executor reads.
type Reader interface {
	GetNode(id string) (*storage.Node, error)
	NodesByKind(kind storage.NodeKind) ([]*storage.Node, error)
	NodesByName(name string) ([]*storage.Node, error)
	NodesByPath(path string) ([]*storage.Node, error)
	ScanNodes(fn func(*storage.Node) error) error
	Dangling() ([]storage.DanglingEdge, error)
}

// Options configures an Executor.
type Options struct {
	Store     Reader
	Snapshots *graph.Handle
	// Embeddings and Model serve FIND SIMILAR; either may be nil.
	Embeddings *embedding.Store
	Model      embed.Embedder
	Planner    *Planner
	// MaxSteps caps graph work per query; <= 0 means DefaultMaxSteps.
	MaxSteps      int
	PlanCacheSize int
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Executor parses, plans and runs MUQL queries. It is safe for concurrent
// use.
type Executor struct {
	store      Reader
	snapshots  *graph.Handle
	embeddings *embedding.Store
	model      embed.Embedder
	planner    *Planner
	plans      *cache.PlanCache[Plan]
	maxSteps   int
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewExecutor returns an executor. Store and Snapshots are required.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Store == nil || opts.Snapshots == nil {
		return nil, errors.New("muql: executor needs a store and a snapshot handle")
	}
	if opts.Planner == nil {
		opts.Planner = NewPlanner()
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.PlanCacheSize <= 0 {
		opts.PlanCacheSize = cache.DefaultSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Executor{
		store:      opts.Store,
		snapshots:  opts.Snapshots,
		embeddings: opts.Embeddings,
		model:      opts.Model,
		planner:    opts.Planner,
		plans:      cache.NewPlanCache[Plan](opts.PlanCacheSize, 0),
		maxSteps:   opts.MaxSteps,
		logger:     opts.Logger.Named("muql"),
		metrics:    opts.Metrics,
	}, nil
}

// Prepare parses and plans query, consulting the plan cache.
func (e *Executor) Prepare(query string) (Plan, error) {
	key := cache.Key(query)
	if p, ok := e.plans.Get(key); ok {
		e.metrics.PlanCacheHit()
		return p, nil
	}
	e.metrics.PlanCacheMiss()

	stmt, err := Parse(query)
	if err != nil {
		return nil, err
	}
	p, err := e.planner.Plan(stmt)
	if err != nil {
		return nil, err
	}
	e.plans.Put(key, p)
	return p, nil
}

// PlanCacheStats reports plan cache usage.
func (e *Executor) PlanCacheStats() cache.Stats { return e.plans.Stats() }

// Execute runs one query against the current snapshot.
func (e *Executor) Execute(ctx context.Context, query string) (*Result, error) {
	start := time.Now()
	p, err := e.Prepare(query)
	if err != nil {
		e.metrics.ObserveQuery("invalid", outcome(err), time.Since(start), 0)
		e.logger.Debug("query rejected", zap.String("query", query), zap.Error(err))
		return nil, err
	}

	res, err := e.Run(ctx, p)
	steps := 0
	if res != nil {
		steps = res.Steps
	}
	e.metrics.ObserveQuery(p.Statement().String(), outcome(err), time.Since(start), steps)
	if err != nil {
		e.logger.Debug("query failed", zap.String("query", query), zap.Error(err))
		return nil, err
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// Run executes a prepared plan. Panics inside execution are reported as
// ErrInternal.
func (e *Executor) Run(ctx context.Context, p Plan) (res *Result, err error) {
	env := &execEnv{
		ctx:    ctx,
		snap:   e.snapshots.Load(),
		store:  e.store,
		budget: graph.NewBudget(e.maxSteps),
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during query execution", zap.Any("panic", r), zap.Stringer("plan", p))
			res, err = nil, &ExecError{Statement: p.Statement(), Err: fmt.Errorf("%w: %v", ErrInternal, r)}
		}
	}()

	res, err = e.run(env, p)
	if err != nil {
		return nil, &ExecError{Statement: p.Statement(), Err: err}
	}
	res.Statement = p.Statement()
	res.Plan = p.String()
	res.Steps = env.budget.Used()
	res.SnapshotVersion = env.snap.Version()
	return res, nil
}

func outcome(err error) string {
	var pe *ParseError
	var ple *PlanError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &pe):
		return "parse_error"
	case errors.As(err, &ple):
		return "plan_error"
	case errors.Is(err, ErrStepBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrNoPath):
		return "not_found"
	}
	return "error"
}

// execEnv is the state of one query: a single snapshot and step budget.
type execEnv struct {
	ctx    context.Context
	snap   *graph.Snapshot
	store  Reader
	budget *graph.Budget
}

func (e *Executor) run(env *execEnv, p Plan) (*Result, error) {
	switch p := p.(type) {
	case *ScanPlan:
		return e.scan(env, p)
	case *TraversePlan:
		return e.traverse(env, p)
	case *CyclesPlan:
		return e.cycles(env, p)
	case *PathPlan:
		return e.path(env, p)
	case *MatchPlan:
		return e.match(env, p)
	case *SimilarPlan:
		return e.similar(env, p)
	case *AnalysisPlan:
		return p.analysis.run(env, p.args)
	}
	return nil, fmt.Errorf("%w: unknown plan %T", ErrInternal, p)
}

// ============================================================================
// SELECT
// ============================================================================

func (e *Executor) scan(env *execEnv, p *ScanPlan) (*Result, error) {
	// keep filters one candidate row; each one costs a step.
	keep := func(n *storage.Node) (bool, error) {
		if err := env.budget.Step(1); err != nil {
			return false, err
		}
		if p.Kinds != nil && !p.Kinds[n.Kind] {
			return false, nil
		}
		return p.filter == nil || p.filter(n), nil
	}

	var nodes []*storage.Node
	switch p.Access {
	case AccessPointLookup:
		n, err := env.store.GetNode(p.Key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			ok, err := keep(n)
			if err != nil {
				return nil, err
			}
			if ok {
				nodes = []*storage.Node{n}
			}
		}
	case AccessNameIndex, AccessPathIndex, AccessKindIndex:
		var candidates []*storage.Node
		var err error
		switch p.Access {
		case AccessNameIndex:
			candidates, err = env.store.NodesByName(p.Key)
		case AccessPathIndex:
			candidates, err = env.store.NodesByPath(p.Key)
		default:
			candidates, err = env.store.NodesByKind(p.Kind)
		}
		if err != nil {
			return nil, err
		}
		for _, n := range candidates {
			ok, err := keep(n)
			if err != nil {
				return nil, err
			}
			if ok {
				nodes = append(nodes, n)
			}
		}
	default:
		// Without ORDER BY the scan can stop one row past the limit.
		stopAt := -1
		if p.order == nil && p.Limit != NoLimit {
			stopAt = p.Limit + 1
		}
		err := env.store.ScanNodes(func(n *storage.Node) error {
			ok, err := keep(n)
			if err != nil {
				return err
			}
			if ok {
				nodes = append(nodes, n)
				if len(nodes) == stopAt {
					return storage.ErrIterationStopped
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Index reads are in insertion order already; this also fixes ties.
	nodes = insertionOrder(nodes)
	if p.order != nil {
		f, desc := *p.order, p.Desc
		sort.SliceStable(nodes, func(i, j int) bool {
			c := compareField(f, nodes[i], nodes[j])
			if c == 0 {
				return nodes[i].ID < nodes[j].ID
			}
			if desc {
				return c > 0
			}
			return c < 0
		})
	}

	res := &Result{Shape: ShapeRows, Columns: p.Columns}
	if p.Limit != NoLimit && len(nodes) > p.Limit {
		nodes, res.Truncated = nodes[:p.Limit], true
	}
	res.Rows = make([][]any, len(nodes))
	for i, n := range nodes {
		row := make([]any, len(p.columns))
		for j, f := range p.columns {
			row[j] = f.get(n)
		}
		res.Rows[i] = row
	}
	return res, nil
}

func compareField(f field, a, b *storage.Node) int {
	if f.numeric {
		x, y := f.number(a), f.number(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(f.text(a), f.text(b))
}

// ============================================================================
// SHOW, PATH
// ============================================================================

// resolveTarget maps a query target to a node id. An existing id wins;
// otherwise a name or qualified name that identifies exactly one node is
// accepted.
func (e *Executor) resolveTarget(env *execEnv, target string) (string, error) {
	if env.snap.Has(target) {
		return target, nil
	}
	candidates, err := env.store.NodesByName(lastComponent(target))
	if err != nil {
		return "", err
	}
	var match []string
	for _, n := range candidates {
		if !env.snap.Has(n.ID) {
			continue
		}
		if n.Name == target || n.Metadata["qualname"] == target {
			match = append(match, n.ID)
		}
	}
	if len(match) == 1 {
		return match[0], nil
	}
	if len(match) > 1 {
		sort.Strings(match)
		return "", fmt.Errorf("%w: %q is ambiguous (%s)", ErrNodeNotFound, target, strings.Join(match, ", "))
	}
	return "", fmt.Errorf("%w: %s", ErrNodeNotFound, target)
}

func lastComponent(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (e *Executor) traverse(env *execEnv, p *TraversePlan) (*Result, error) {
	root, err := e.resolveTarget(env, p.Root)
	if err != nil {
		return nil, err
	}
	opts := graph.TraversalOptions{MaxDepth: p.Depth, Kinds: p.Kinds, Budget: env.budget}
	var t *graph.Traversal
	if p.Reverse {
		t, err = env.snap.Impact(root, opts)
	} else {
		t, err = env.snap.Dependencies(root, opts)
	}
	if err != nil {
		return nil, err
	}

	rootRef := nodeRef(t.Root, 0)
	res := &Result{Shape: ShapeGraph, Root: &rootRef, Edges: edgeRefs(t.Edges)}
	res.Nodes = make([]NodeRef, len(t.Nodes))
	for i, r := range t.Nodes {
		res.Nodes[i] = nodeRef(r.Node, r.Depth)
	}
	return res, nil
}

func (e *Executor) cycles(env *execEnv, p *CyclesPlan) (*Result, error) {
	root := ""
	if p.Root != "" {
		var err error
		if root, err = e.resolveTarget(env, p.Root); err != nil {
			return nil, err
		}
	}
	cycles, err := env.snap.Cycles(root, p.Kinds, env.budget)
	if err != nil {
		return nil, err
	}
	res := &Result{Shape: ShapeRows, Columns: []string{"cycle", "length", "members"}}
	for i, c := range cycles {
		res.Rows = append(res.Rows, []any{i + 1, len(c), c})
	}
	return res, nil
}

func (e *Executor) path(env *execEnv, p *PathPlan) (*Result, error) {
	from, err := e.resolveTarget(env, p.From)
	if err != nil {
		return nil, err
	}
	to, err := e.resolveTarget(env, p.To)
	if err != nil {
		return nil, err
	}
	path, err := env.snap.ShortestPath(from, to, p.MaxHops, p.Kinds, env.budget)
	if err != nil {
		return nil, err
	}
	res := &Result{Shape: ShapePath, Edges: edgeRefs(path.Edges)}
	res.Nodes = make([]NodeRef, len(path.Nodes))
	for i, n := range path.Nodes {
		res.Nodes[i] = nodeRef(n, i)
	}
	return res, nil
}

// ============================================================================
// FIND
// ============================================================================

var findColumns = []string{"id", "name", "kind", "path", "line_start"}

// inScope reports whether n lies under scope: a path prefix, a module or
// class id whose members it is, or an id prefix.
func inScope(n *storage.Node, scope string) bool {
	if scope == "" {
		return true
	}
	if strings.HasPrefix(n.Path, scope) || strings.HasPrefix(n.ID, scope) {
		return true
	}
	if strings.HasPrefix(scope, "mod:") {
		return n.Path == strings.TrimPrefix(scope, "mod:")
	}
	if i := strings.IndexByte(scope, ':'); i >= 0 {
		// cls:<path>:<Class> covers fn:<path>:<Class>.<member>.
		rest := scope[i+1:]
		return strings.HasPrefix(n.ID[strings.IndexByte(n.ID, ':')+1:], rest+".")
	}
	return false
}

func (e *Executor) match(env *execEnv, p *MatchPlan) (*Result, error) {
	res := &Result{Shape: ShapeRows, Columns: findColumns}
	for _, n := range insertionOrder(env.snap.Nodes()) {
		if err := env.budget.Step(1); err != nil {
			return nil, err
		}
		if p.Kinds != nil && !p.Kinds[n.Kind] {
			continue
		}
		if !inScope(n, p.Scope) {
			continue
		}
		if !p.match(n.Name) && !p.match(n.Metadata["qualname"]) {
			continue
		}
		if p.Limit != NoLimit && len(res.Rows) == p.Limit {
			res.Truncated = true
			break
		}
		res.Rows = append(res.Rows, []any{n.ID, n.Name, n.Kind.String(), n.Path, n.LineStart})
	}
	return res, nil
}

func (e *Executor) similar(env *execEnv, p *SimilarPlan) (*Result, error) {
	if e.embeddings == nil || e.model == nil {
		return nil, ErrModelUnavailable
	}
	keep := func(id string) bool {
		n := env.snap.Node(id)
		if n == nil {
			return false
		}
		if p.Kinds != nil && !p.Kinds[n.Kind] {
			return false
		}
		return inScope(n, p.Scope)
	}
	matches, err := e.embeddings.SearchText(env.ctx, e.model, p.Text, p.Limit, keep)
	if err != nil {
		return nil, err
	}
	res := &Result{Shape: ShapeRows, Columns: append(append([]string{}, findColumns...), "similarity")}
	for _, m := range matches {
		n := env.snap.Node(m.NodeID)
		res.Rows = append(res.Rows, []any{n.ID, n.Name, n.Kind.String(), n.Path, n.LineStart, m.Similarity})
	}
	return res, nil
}
