package mucode

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orneryd/mucode/pkg/config"
	"github.com/orneryd/mucode/pkg/embed"
	"github.com/orneryd/mucode/pkg/muql"
	"github.com/orneryd/mucode/pkg/storage"
)

var projectFiles = map[string]string{
	"b.py": "def helper():\n    return 1\n\n\ndef unused():\n    pass\n",
	"a.py": "from b import helper\n\n\ndef run():\n    return helper()\n",
}

func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for name, src := range projectFiles {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(src), 0o644))
	}
	return root
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.InMemory = true
	cfg.Build.NoGit = true
	return cfg
}

func openTestDB(t *testing.T, cfg *config.Config, opts ...Option) *DB {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	db, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// keywordModel maps any text mentioning "helper" to one axis and everything
// else to the other.
type keywordModel struct{}

func (keywordModel) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.Contains(text, "helper") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func (m keywordModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, s := range texts {
		out[i], _ = m.Embed(ctx, s)
	}
	return out, nil
}

func (keywordModel) Dimensions() int { return 2 }
func (keywordModel) Model() string   { return "keyword" }

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Query.MaxSteps = 0
	_, err := Open(cfg, WithLogger(zap.NewNop()))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestDB_BuildAndQuery(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testConfig())
	assert.Equal(t, 0, db.Snapshot().NodeCount())

	res, err := db.RunBuild(ctx, writeProject(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesParsed)
	assert.Empty(t, res.Failed)
	assert.Equal(t, db.Snapshot().Version(), res.SnapshotVersion)

	out, err := db.Execute(ctx, "SHOW IMPACT OF fn:b.py:helper")
	require.NoError(t, err)
	assert.Equal(t, muql.ShapeGraph, out.Shape)
	assert.Contains(t, out.IDs(), "fn:a.py:run")

	out, err = db.Execute(ctx, "SELECT id FROM functions WHERE path = 'b.py' ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []string{"fn:b.py:helper", "fn:b.py:unused"}, out.IDs())

	out, err = db.Execute(ctx, "ANALYZE dead-code")
	require.NoError(t, err)
	assert.Contains(t, out.IDs(), "fn:b.py:unused")
	assert.NotContains(t, out.IDs(), "fn:b.py:helper")

	st, err := db.Status()
	require.NoError(t, err)
	assert.Equal(t, res.SnapshotVersion, st.SnapshotVersion)
	assert.Equal(t, 2, st.Storage.Files)
	assert.Empty(t, st.EmbeddingModel)
	assert.Equal(t, 3, st.PlanCache.Size)
}

func TestDB_SearchNeedsModel(t *testing.T) {
	db := openTestDB(t, testConfig())
	_, err := db.Search(context.Background(), "helper", 3)
	assert.ErrorIs(t, err, embed.ErrModelUnavailable)

	_, err = db.Execute(context.Background(), "FIND SIMILAR TO 'helper'")
	assert.ErrorIs(t, err, muql.ErrModelUnavailable)
}

func TestDB_EmbedsDuringBuild(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, testConfig(), WithEmbedder(keywordModel{}))

	res, err := db.RunBuild(ctx, writeProject(t))
	require.NoError(t, err)
	assert.Equal(t, res.NodesWritten, res.EmbeddingsWritten)
	assert.Empty(t, res.EmbeddingError)

	matches, err := db.Search(ctx, "helper", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "fn:b.py:helper", matches[0].NodeID)

	out, err := db.Execute(ctx, "FIND SIMILAR TO 'helper' LIMIT 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"fn:b.py:helper"}, out.IDs())

	require.NoError(t, db.PutEmbedding("fn:b.py:unused", []float32{1, 0}))
	assert.Error(t, db.PutEmbedding("fn:b.py:missing", []float32{1, 0}))
	assert.ErrorIs(t, db.PutEmbedding("fn:b.py:unused", []float32{1, 0, 0}), storage.ErrDimensionMismatch)
}

func TestDB_ReopenKeepsGraph(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Storage.InMemory = false
	cfg.Storage.DataDir = t.TempDir()

	db, err := Open(cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	_, err = db.RunBuild(ctx, writeProject(t))
	require.NoError(t, err)
	nodes := db.Snapshot().NodeCount()
	require.NoError(t, db.Close())

	cfg.Storage.ReadOnly = true
	db, err = Open(cfg, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, nodes, db.Snapshot().NodeCount())

	out, err := db.Execute(ctx, "SHOW DEPS OF fn:a.py:run")
	require.NoError(t, err)
	assert.Contains(t, out.IDs(), "fn:b.py:helper")

	_, err = db.RunBuild(ctx, writeProject(t))
	assert.ErrorIs(t, err, storage.ErrReadOnly)
}

func TestDB_Close(t *testing.T) {
	db, err := Open(testConfig(), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = db.Execute(context.Background(), "ANALYZE stats")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.RunBuild(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.Status()
	assert.ErrorIs(t, err, ErrClosed)
}
