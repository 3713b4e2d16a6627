package muql

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mucode/pkg/embed"
	"github.com/orneryd/mucode/pkg/embedding"
	"github.com/orneryd/mucode/pkg/graph"
	"github.com/orneryd/mucode/pkg/storage"
)

type fixtureNode struct {
	id, name string
	kind     storage.NodeKind
	path     string
	line     int
	qualname string
}

// projectNodes describes two files: a.py imports b.py, Impl inherits Base,
// Impl.go calls run, run calls helper and test_helper calls helper.
var projectNodes = []fixtureNode{
	{"mod:a.py", "a", storage.KindModule, "a.py", 1, ""},
	{"fn:a.py:run", "run", storage.KindFunction, "a.py", 3, "run"},
	{"cls:a.py:Base", "Base", storage.KindClass, "a.py", 8, "Base"},
	{"cls:a.py:Impl", "Impl", storage.KindClass, "a.py", 12, "Impl"},
	{"fn:a.py:Impl.go", "go", storage.KindMethod, "a.py", 13, "Impl.go"},
	{"mod:b.py", "b", storage.KindModule, "b.py", 1, ""},
	{"fn:b.py:helper", "helper", storage.KindFunction, "b.py", 2, "helper"},
	{"fn:b.py:unused", "unused", storage.KindFunction, "b.py", 6, "unused"},
	{"fn:b.py:test_helper", "test_helper", storage.KindFunction, "b.py", 10, "test_helper"},
}

var projectEdges = []storage.Edge{
	{Source: "mod:a.py", Target: "fn:a.py:run", Kind: storage.EdgeContains},
	{Source: "mod:a.py", Target: "cls:a.py:Base", Kind: storage.EdgeContains},
	{Source: "mod:a.py", Target: "cls:a.py:Impl", Kind: storage.EdgeContains},
	{Source: "cls:a.py:Impl", Target: "fn:a.py:Impl.go", Kind: storage.EdgeContains},
	{Source: "mod:b.py", Target: "fn:b.py:helper", Kind: storage.EdgeContains},
	{Source: "mod:b.py", Target: "fn:b.py:unused", Kind: storage.EdgeContains},
	{Source: "mod:b.py", Target: "fn:b.py:test_helper", Kind: storage.EdgeContains},
	{Source: "mod:a.py", Target: "mod:b.py", Kind: storage.EdgeImports},
	{Source: "fn:a.py:run", Target: "fn:b.py:helper", Kind: storage.EdgeCalls},
	{Source: "fn:a.py:Impl.go", Target: "fn:a.py:run", Kind: storage.EdgeCalls},
	{Source: "fn:b.py:test_helper", Target: "fn:b.py:helper", Kind: storage.EdgeCalls},
	{Source: "cls:a.py:Impl", Target: "cls:a.py:Base", Kind: storage.EdgeInherits},
}

type fixture struct {
	store    *storage.Store
	handle   *graph.Handle
	vectors  *embedding.Store
	executor *Executor
}

func setupExecutor(t *testing.T, nodes []fixtureNode, edges []storage.Edge, mutate func(*Options)) *fixture {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, n := range nodes {
		node := &storage.Node{ID: n.id, Name: n.name, Kind: n.kind, Path: n.path, Language: "python", LineStart: n.line, LineEnd: n.line + 2}
		if n.qualname != "" {
			node.Metadata = map[string]string{"qualname": n.qualname}
		}
		require.NoError(t, store.PutNode(node))
	}
	for _, e := range edges {
		require.NoError(t, store.PutEdge(e))
	}

	handle := graph.NewHandle(nil)
	_, err = handle.Rebuild(store)
	require.NoError(t, err)

	f := &fixture{store: store, handle: handle, vectors: embedding.New(store)}
	opts := Options{Store: store, Snapshots: handle, Embeddings: f.vectors}
	if mutate != nil {
		mutate(&opts)
	}
	f.executor, err = NewExecutor(opts)
	require.NoError(t, err)
	return f
}

func (f *fixture) exec(t *testing.T, query string) *Result {
	t.Helper()
	res, err := f.executor.Execute(context.Background(), query)
	require.NoError(t, err, query)
	return res
}

func chain(ids ...string) ([]fixtureNode, []storage.Edge) {
	var nodes []fixtureNode
	var edges []storage.Edge
	for i, id := range ids {
		nodes = append(nodes, fixtureNode{id: id, name: id, kind: storage.KindFunction, path: "x.py", line: i + 1})
		if i > 0 {
			edges = append(edges, storage.Edge{Source: ids[i-1], Target: id, Kind: storage.EdgeCalls})
		}
	}
	return nodes, edges
}

func TestNewExecutor_RequiresStoreAndHandle(t *testing.T) {
	_, err := NewExecutor(Options{})
	assert.Error(t, err)
}

func TestExecutor_SelectInsertionOrder(t *testing.T) {
	f := setupExecutor(t, projectNodes, projectEdges, nil)

	res := f.exec(t, "SELECT id FROM functions")
	assert.Equal(t, ShapeRows, res.Shape)
	assert.Equal(t, StmtSelect, res.Statement)
	assert.Equal(t, []string{"id"}, res.Columns)
	assert.Equal(t, []string{"fn:a.py:run", "fn:b.py:helper", "fn:b.py:unused", "fn:b.py:test_helper"}, res.IDs())

	res = f.exec(t, "SELECT id FROM nodes LIMIT 2")
	assert.Equal(t, []string{"mod:a.py", "fn:a.py:run"}, res.IDs())
	assert.True(t, res.Truncated)

	res = f.exec(t, "SELECT * FROM nodes")
	assert.Equal(t, len(projectNodes), res.Len())
	assert.False(t, res.Truncated)
	assert.Equal(t, []any{"mod:a.py", "a", "module", "a.py", "python", 1, 3}, res.Rows[0])
}

func TestExecutor_SelectOrderAndFilter(t *testing.T) {
	f := setupExecutor(t, projectNodes, projectEdges, nil)

	res := f.exec(t, "SELECT id FROM nodes WHERE path = 'b.py' ORDER BY name DESC")
	assert.Equal(t, []string{"fn:b.py:unused", "fn:b.py:test_helper", "fn:b.py:helper", "mod:b.py"}, res.IDs())

	res = f.exec(t, "SELECT id, line_start FROM nodes WHERE kind IN (class, method) AND line_start > 8")
	assert.Equal(t, [][]any{{"cls:a.py:Impl", 12}, {"fn:a.py:Impl.go", 13}}, res.Rows)

	// Ties on the ordering field fall back to id.
	res = f.exec(t, "SELECT id FROM modules ORDER BY line_start")
	assert.Equal(t, []string{"mod:a.py", "mod:b.py"}, res.IDs())

	res = f.exec(t, "SELECT name FROM nodes WHERE name LIKE '%help%'")
	assert.Equal(t, []any{"helper", "test_helper"}, res.Column("name"))

	res = f.exec(t, "SELECT id FROM nodes WHERE id = 'fn:b.py:unused'")
	assert.Equal(t, []string{"fn:b.py:unused"}, res.IDs())

	res = f.exec(t, "SELECT id FROM classes WHERE id = 'fn:b.py:unused'")
	assert.Empty(t, res.Rows)

	res = f.exec(t, "SELECT id FROM nodes WHERE id = missing")
	assert.Empty(t, res.Rows)

	res = f.exec(t, "SELECT id FROM nodes WHERE metadata.qualname = 'Impl.go'")
	assert.Equal(t, []string{"fn:a.py:Impl.go"}, res.IDs())
}

func TestExecutor_ImpactAndDependencies(t *testing.T) {
	nodes, edges := chain("A", "B", "C")
	f := setupExecutor(t, nodes, edges, nil)

	res := f.exec(t, "SHOW IMPACT OF C")
	assert.Equal(t, ShapeGraph, res.Shape)
	assert.Equal(t, "C", res.Root.ID)
	assert.Equal(t, []string{"B", "A"}, res.IDs())
	assert.Equal(t, []int{1, 2}, []int{res.Nodes[0].Depth, res.Nodes[1].Depth})
	assert.Equal(t, []EdgeRef{{"B", "C", "calls"}, {"A", "B", "calls"}}, res.Edges)

	res = f.exec(t, "SHOW IMPACT OF C DEPTH 1")
	assert.Equal(t, []string{"B"}, res.IDs())

	res = f.exec(t, "SHOW IMPACT OF C DEPTH 0")
	assert.Equal(t, "C", res.Root.ID)
	assert.Empty(t, res.Nodes)
	assert.Empty(t, res.Edges)

	res = f.exec(t, "SHOW DEPS OF A")
	assert.Equal(t, []string{"B", "C"}, res.IDs())

	res = f.exec(t, "SHOW DEPS OF A VIA imports")
	assert.Empty(t, res.Nodes)
	assert.Equal(t, uint64(1), res.SnapshotVersion)
	assert.Positive(t, res.Steps)
}

func TestExecutor_TargetsByName(t *testing.T) {
	f := setupExecutor(t, projectNodes, projectEdges, nil)

	res := f.exec(t, "SHOW IMPACT OF helper DEPTH 1")
	assert.Equal(t, "fn:b.py:helper", res.Root.ID)
	assert.Equal(t, []string{"fn:a.py:run", "fn:b.py:test_helper"}, res.IDs())

	res = f.exec(t, "SHOW IMPACT OF helper")
	assert.Equal(t, []string{"fn:a.py:run", "fn:b.py:test_helper", "fn:a.py:Impl.go"}, res.IDs())

	res = f.exec(t, "SHOW DEPS OF Impl.go")
	assert.Equal(t, "fn:a.py:Impl.go", res.Root.ID)
}

func TestExecutor_Cycles(t *testing.T) {
	nodes, edges := chain("A", "B", "C")
	f := setupExecutor(t, nodes, edges, nil)
	assert.Empty(t, f.exec(t, "SHOW CYCLES").Rows)

	edges = append(edges, storage.Edge{Source: "C", Target: "A", Kind: storage.EdgeCalls})
	f = setupExecutor(t, nodes, edges, nil)

	res := f.exec(t, "SHOW CYCLES")
	assert.Equal(t, []string{"cycle", "length", "members"}, res.Columns)
	assert.Equal(t, [][]any{{1, 3, []string{"A", "B", "C"}}}, res.Rows)

	res = f.exec(t, "SHOW CYCLES OF B")
	assert.Len(t, res.Rows, 1)

	res = f.exec(t, "SHOW CYCLES VIA imports")
	assert.Empty(t, res.Rows)
}

func TestExecutor_Path(t *testing.T) {
	nodes, edges := chain("A", "B", "C", "D")
	f := setupExecutor(t, nodes, edges, nil)

	res := f.exec(t, "PATH FROM A TO D")
	assert.Equal(t, ShapePath, res.Shape)
	assert.Equal(t, []string{"A", "B", "C", "D"}, res.IDs())
	assert.Len(t, res.Edges, 3)

	_, err := f.executor.Execute(context.Background(), "PATH FROM A TO D MAX-HOPS 2")
	assert.ErrorIs(t, err, ErrNoPath)

	// Zero hops never leaves the start node.
	_, err = f.executor.Execute(context.Background(), "PATH FROM A TO B MAX-HOPS 0")
	assert.ErrorIs(t, err, ErrNoPath)
	res = f.exec(t, "PATH FROM A TO A MAX-HOPS 0")
	assert.Equal(t, []string{"A"}, res.IDs())
	assert.Empty(t, res.Edges)

	_, err = f.executor.Execute(context.Background(), "PATH FROM D TO A")
	assert.ErrorIs(t, err, ErrNoPath)
	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, StmtPath, ee.Statement)
}

func TestExecutor_NodeNotFound(t *testing.T) {
	nodes, edges := chain("A", "B")
	f := setupExecutor(t, nodes, edges, nil)

	for _, q := range []string{"SHOW DEPS OF Z", "SHOW CYCLES OF Z", "PATH FROM A TO Z"} {
		_, err := f.executor.Execute(context.Background(), q)
		assert.ErrorIs(t, err, ErrNodeNotFound, q)
	}
}

func TestExecutor_StepBudget(t *testing.T) {
	nodes, edges := chain("A", "B", "C", "D", "E")
	f := setupExecutor(t, nodes, edges, func(o *Options) { o.MaxSteps = 2 })

	for _, q := range []string{"SHOW DEPS OF A", "SHOW CYCLES", "PATH FROM A TO E", "ANALYZE dead-code"} {
		_, err := f.executor.Execute(context.Background(), q)
		assert.ErrorIs(t, err, ErrStepBudgetExceeded, q)
	}

	// Every candidate row a SELECT filters costs a step.
	for _, q := range []string{"SELECT id FROM nodes", "SELECT id FROM nodes WHERE kind = 'function'"} {
		_, err := f.executor.Execute(context.Background(), q)
		assert.ErrorIs(t, err, ErrStepBudgetExceeded, q)
	}
	res := f.exec(t, "SELECT id FROM nodes WHERE id = 'A'")
	assert.Equal(t, []string{"A"}, res.IDs())
	assert.Equal(t, 1, res.Steps)

	res = f.exec(t, "SELECT id FROM nodes LIMIT 1")
	assert.Equal(t, 1, res.Len())
	assert.Equal(t, 2, res.Steps, "the scan stops one row past the limit")
}

func TestExecutor_Find(t *testing.T) {
	f := setupExecutor(t, projectNodes, projectEdges, nil)

	res := f.exec(t, "FIND helper")
	assert.Equal(t, findColumns, res.Columns)
	assert.Equal(t, []string{"fn:b.py:helper", "fn:b.py:test_helper"}, res.IDs())

	res = f.exec(t, "FIND 'HE*'")
	assert.Equal(t, []string{"fn:b.py:helper"}, res.IDs())

	res = f.exec(t, "FIND classes '*'")
	assert.Equal(t, []string{"cls:a.py:Base", "cls:a.py:Impl"}, res.IDs())

	res = f.exec(t, "FIND 'Impl.go'")
	assert.Equal(t, []string{"fn:a.py:Impl.go"}, res.IDs())

	res = f.exec(t, "FIND '*' IN cls:a.py:Impl")
	assert.Equal(t, []string{"cls:a.py:Impl", "fn:a.py:Impl.go"}, res.IDs())

	res = f.exec(t, "FIND functions e IN b.py LIMIT 2")
	assert.Equal(t, []string{"fn:b.py:helper", "fn:b.py:unused"}, res.IDs())
	assert.True(t, res.Truncated)
}

type vectorModel map[string][]float32

func (m vectorModel) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := m[text]; ok {
		return v, nil
	}
	return nil, embed.ErrEmbeddingFailed
}

func (m vectorModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		v, err := m.Embed(ctx, s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (vectorModel) Dimensions() int { return 2 }
func (vectorModel) Model() string   { return "fixture" }

func TestExecutor_FindSimilar(t *testing.T) {
	f := setupExecutor(t, projectNodes, projectEdges, nil)
	_, err := f.executor.Execute(context.Background(), "FIND SIMILAR TO 'run things'")
	assert.ErrorIs(t, err, ErrModelUnavailable)
	var ee *ExecError
	assert.ErrorAs(t, err, &ee)

	model := vectorModel{"run things": {1, 0}}
	f = setupExecutor(t, projectNodes, projectEdges, func(o *Options) { o.Model = model })
	require.NoError(t, f.vectors.Put("fn:a.py:run", []float32{1, 0}))
	require.NoError(t, f.vectors.Put("fn:b.py:helper", []float32{0, 1}))
	require.NoError(t, f.vectors.Put("fn:b.py:unused", []float32{0.9, 0.1}))

	res := f.exec(t, "FIND SIMILAR TO 'run things' LIMIT 2")
	assert.Equal(t, []string{"fn:a.py:run", "fn:b.py:unused"}, res.IDs())
	assert.Equal(t, "similarity", res.Columns[len(res.Columns)-1])
	assert.InDelta(t, 1.0, res.Rows[0][5], 1e-6)

	res = f.exec(t, "FIND SIMILAR TO 'run things' IN b.py")
	assert.Equal(t, []string{"fn:b.py:unused", "fn:b.py:helper"}, res.IDs())

	_, err = f.executor.Execute(context.Background(), "FIND SIMILAR TO 'unknown text'")
	assert.ErrorIs(t, err, embed.ErrEmbeddingFailed)
}

func TestExecutor_PlanCache(t *testing.T) {
	nodes, edges := chain("A", "B")
	f := setupExecutor(t, nodes, edges, nil)

	f.exec(t, "SHOW DEPS OF A")
	f.exec(t, "show deps   of A;")
	stats := f.executor.PlanCacheStats()
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(0), stats.Hits, "keywords differ in case, so the texts differ")

	f.exec(t, "SHOW DEPS   OF A ;")
	stats = f.executor.PlanCacheStats()
	assert.Equal(t, uint64(1), stats.Hits)

	// Rejected queries are not cached.
	_, err := f.executor.Execute(context.Background(), "SELECT * FROM widgets")
	assert.ErrorIs(t, err, ErrUnknownNodeKind)
	assert.Equal(t, 2, f.executor.PlanCacheStats().Size)
}

func TestExecutor_RecoversPanics(t *testing.T) {
	register(&analysis{name: "explode", run: func(*execEnv, analysisArgs) (*Result, error) {
		panic("kaboom")
	}})
	t.Cleanup(func() { delete(analyses, "explode") })

	nodes, edges := chain("A")
	f := setupExecutor(t, nodes, edges, nil)
	_, err := f.executor.Execute(context.Background(), "ANALYZE explode")
	assert.ErrorIs(t, err, ErrInternal)
	var ee *ExecError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, StmtAnalyze, ee.Statement)
}

func TestExecutor_QueriesSeeOneSnapshot(t *testing.T) {
	nodes, edges := chain("A", "B", "C")
	f := setupExecutor(t, nodes, edges, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				res, err := f.executor.Execute(context.Background(), "SHOW IMPACT OF C")
				if err != nil {
					errs <- err
					return
				}
				if len(res.Nodes) != 2 {
					errs <- errors.New("partial snapshot observed")
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.handle.Rebuild(f.store); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, uint64(9), f.handle.Load().Version())
}
