package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orneryd/mucode/pkg/config"
	"github.com/orneryd/mucode/pkg/mucode"
	"github.com/orneryd/mucode/pkg/muql"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var projectFiles = map[string]string{
	"b.py":        "def helper():\n    return 1\n",
	"a.py":        "from b import helper\n\n\ndef run():\n    return helper()\n",
	"lib/util.py": "def tool():\n    pass\n",
}

func writeProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for name, src := range projectFiles {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	}
	return root
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.InMemory = true
	cfg.Build.NoGit = true
	return cfg
}

type fixture struct {
	db     *mucode.DB
	server *Server
}

func setupServer(t *testing.T, cfg *config.Config, build bool) *fixture {
	t.Helper()
	db, err := mucode.Open(cfg, mucode.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if build {
		_, err = db.RunBuild(context.Background(), writeProject(t))
		require.NoError(t, err)
	}
	s, err := New(db, nil)
	require.NoError(t, err)
	return &fixture{db: db, server: s}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_RequiresDatabase(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	f := setupServer(t, testConfig(), true)
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, f.db.Snapshot().Version(), resp.SnapshotVersion)
}

func TestServer_Status(t *testing.T) {
	f := setupServer(t, testConfig(), true)
	w := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "storage")
	assert.Contains(t, resp, "server")
}

func TestServer_Query(t *testing.T) {
	f := setupServer(t, testConfig(), true)

	w := f.do(t, http.MethodPost, "/v1/query", QueryRequest{Query: "SHOW DEPS OF fn:a.py:run"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		Shape string         `json:"shape"`
		Root  *muql.NodeRef  `json:"root"`
		Nodes []muql.NodeRef `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "graph", res.Shape)
	require.NotNil(t, res.Root)
	assert.Equal(t, "fn:a.py:run", res.Root.ID)
	var ids []string
	for _, n := range res.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Contains(t, ids, "fn:b.py:helper")
}

func TestServer_QueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing query", map[string]string{}, http.StatusBadRequest, "BAD_REQUEST"},
		{"parse", QueryRequest{Query: "SELEC id FROM nodes"}, http.StatusBadRequest, "PARSE_ERROR"},
		{"plan", QueryRequest{Query: "SELECT colour FROM nodes"}, http.StatusBadRequest, "PLAN_ERROR"},
		{"unknown analysis", QueryRequest{Query: "ANALYZE hotness"}, http.StatusBadRequest, "PLAN_ERROR"},
		{"not found", QueryRequest{Query: "SHOW IMPACT OF fn:nowhere.py:x"}, http.StatusNotFound, "NOT_FOUND"},
		{"no model", QueryRequest{Query: "FIND SIMILAR TO 'helper'"}, http.StatusServiceUnavailable, "UNAVAILABLE"},
	}

	f := setupServer(t, testConfig(), true)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/query", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestServer_QueryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.Query.MaxSteps = 1
	f := setupServer(t, cfg, true)

	w := f.do(t, http.MethodPost, "/v1/query", QueryRequest{Query: "ANALYZE dead-code"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "BUDGET_EXCEEDED", decode[ErrorResponse](t, w).Code)
}

func TestServer_Build(t *testing.T) {
	f := setupServer(t, testConfig(), false)

	w := f.do(t, http.MethodPost, "/v1/build", BuildRequest{Root: writeProject(t)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.EqualValues(t, 3, res["files_parsed"])
	assert.Equal(t, 6, f.db.Snapshot().NodeCount()) // three modules, three functions

	w = f.do(t, http.MethodPost, "/v1/build", BuildRequest{Root: filepath.Join(t.TempDir(), "missing")})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_BuildReadOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.InMemory = false
	cfg.Storage.DataDir = t.TempDir()
	db, err := mucode.Open(cfg, mucode.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg.Storage.ReadOnly = true
	f := setupServer(t, cfg, false)
	w := f.do(t, http.MethodPost, "/v1/build", BuildRequest{Root: writeProject(t)})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "READ_ONLY", decode[ErrorResponse](t, w).Code)
}

func TestServer_Nodes(t *testing.T) {
	f := setupServer(t, testConfig(), true)

	w := f.do(t, http.MethodGet, "/v1/nodes/fn:a.py:run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var node map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &node))
	assert.Equal(t, "run", node["name"])
	assert.Equal(t, "function", node["kind"])

	// Ids with slashes are path-escaped.
	w = f.do(t, http.MethodGet, "/v1/nodes/fn:lib%2Futil.py:tool", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/v1/nodes/fn:a.py:missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_Edges(t *testing.T) {
	f := setupServer(t, testConfig(), true)

	w := f.do(t, http.MethodGet, "/v1/nodes/fn:b.py:helper/edges?direction=in", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[EdgesResponse](t, w)
	assert.Equal(t, "in", resp.Direction)
	var sources []string
	for _, e := range resp.Edges {
		sources = append(sources, e.Source)
	}
	assert.Contains(t, sources, "fn:a.py:run")

	w = f.do(t, http.MethodGet, "/v1/nodes/fn:b.py:helper/edges?direction=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/nodes/fn:b.py:missing/edges", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_EmbeddingsAndSearch(t *testing.T) {
	f := setupServer(t, testConfig(), true)

	put := func(id string, vec []float32) *httptest.ResponseRecorder {
		return f.do(t, http.MethodPut, "/v1/embeddings/"+id, EmbeddingRequest{Vector: vec})
	}
	require.Equal(t, http.StatusOK, put("fn:a.py:run", []float32{1, 0}).Code)
	require.Equal(t, http.StatusOK, put("fn:b.py:helper", []float32{0, 1}).Code)
	assert.Equal(t, http.StatusBadRequest, put("fn:b.py:helper", []float32{0, 1, 0}).Code)
	assert.Equal(t, http.StatusNotFound, put("fn:b.py:missing", []float32{0, 1}).Code)

	w := f.do(t, http.MethodPost, "/v1/search", SearchRequest{Vector: []float32{0.9, 0.1}, K: 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[SearchResponse](t, w)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, "fn:a.py:run", resp.Hits[0].ID)
	assert.Equal(t, "run", resp.Hits[0].Name)

	w = f.do(t, http.MethodPost, "/v1/search", SearchRequest{Text: "helper"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = f.do(t, http.MethodPost, "/v1/search", SearchRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	f := setupServer(t, testConfig(), true)
	f.do(t, http.MethodPost, "/v1/query", QueryRequest{Query: "ANALYZE stats"})

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "mucode_queries_total"))

	stats := f.server.Stats()
	assert.EqualValues(t, 2, stats.RequestCount)
}

func TestServer_MetricsDisabled(t *testing.T) {
	db, err := mucode.Open(testConfig(), mucode.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cfg := DefaultConfig()
	cfg.EnableMetrics = false
	s, err := New(db, cfg)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StartStop(t *testing.T) {
	db, err := mucode.Open(testConfig(), mucode.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	s, err := New(db, cfg)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Start(), ErrServerClosed)
}
