package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orneryd/mucode/pkg/build"
	"github.com/orneryd/mucode/pkg/embedding"
	"github.com/orneryd/mucode/pkg/mucode"
	"github.com/orneryd/mucode/pkg/muql"
	"github.com/orneryd/mucode/pkg/storage"
)

// DefaultSearchK is used when a search request omits k.
const DefaultSearchK = 10

// classify maps an error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, muql.ErrParse):
		return http.StatusBadRequest, "PARSE_ERROR"
	case errors.Is(err, muql.ErrUnknownField),
		errors.Is(err, muql.ErrUnknownNodeKind),
		errors.Is(err, muql.ErrUnknownEdgeKind),
		errors.Is(err, muql.ErrInvalidPredicate),
		errors.Is(err, muql.ErrUnknownAnalysis):
		return http.StatusBadRequest, "PLAN_ERROR"
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, storage.ErrInvalidData),
		errors.Is(err, storage.ErrInvalidID),
		errors.Is(err, storage.ErrDimensionMismatch),
		errors.Is(err, embedding.ErrEmptyVector),
		errors.Is(err, embedding.ErrNonFiniteVector):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, muql.ErrNodeNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, muql.ErrNoPath):
		return http.StatusNotFound, "NO_PATH"
	case errors.Is(err, storage.ErrReadOnly):
		return http.StatusForbidden, "READ_ONLY"
	case errors.Is(err, build.ErrBuildInProgress):
		return http.StatusConflict, "BUILD_IN_PROGRESS"
	case errors.Is(err, muql.ErrStepBudgetExceeded):
		return http.StatusUnprocessableEntity, "BUDGET_EXCEEDED"
	case errors.Is(err, muql.ErrModelUnavailable), errors.Is(err, mucode.ErrClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	SnapshotVersion uint64 `json:"snapshot_version"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:          "ok",
		SnapshotVersion: s.db.Snapshot().Version(),
	})
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	*mucode.Status
	Server ServerStats `json:"server"`
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.db.Status()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: st, Server: s.Stats()})
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Query string `json:"query" binding:"required"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	res, err := s.db.Execute(c.Request.Context(), req.Query)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// BuildRequest is the body of POST /v1/build.
type BuildRequest struct {
	Root string `json:"root" binding:"required"`
}

func (s *Server) handleBuild(c *gin.Context) {
	var req BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if fi, err := os.Stat(req.Root); err != nil || !fi.IsDir() {
		s.fail(c, fmt.Errorf("%w: root %q is not a directory", ErrBadRequest, req.Root))
		return
	}
	res, err := s.db.RunBuild(c.Request.Context(), req.Root)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleNode(c *gin.Context) {
	n, err := s.db.Store().GetNode(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

// EdgesResponse is returned by GET /v1/nodes/:id/edges.
type EdgesResponse struct {
	ID        string         `json:"id"`
	Direction string         `json:"direction"`
	Edges     []storage.Edge `json:"edges"`
}

func parseDirection(s string) (storage.Direction, string, error) {
	switch strings.ToLower(s) {
	case "", "out", "outgoing":
		return storage.Outgoing, "out", nil
	case "in", "incoming":
		return storage.Incoming, "in", nil
	case "both", "all":
		return storage.Both, "both", nil
	}
	return 0, "", fmt.Errorf("%w: unknown direction %q", ErrBadRequest, s)
}

func (s *Server) handleEdges(c *gin.Context) {
	id := c.Param("id")
	dir, name, err := parseDirection(c.Query("direction"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if ok, err := s.db.Store().HasNode(id); err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("%w: node %s", storage.ErrNotFound, id)
		}
		s.fail(c, err)
		return
	}
	edges, err := s.db.Store().Edges(id, dir)
	if err != nil {
		s.fail(c, err)
		return
	}
	if edges == nil {
		edges = []storage.Edge{}
	}
	c.JSON(http.StatusOK, EdgesResponse{ID: id, Direction: name, Edges: edges})
}

// EmbeddingRequest is the body of PUT /v1/embeddings/:id.
type EmbeddingRequest struct {
	Vector []float32 `json:"vector" binding:"required"`
}

func (s *Server) handlePutEmbedding(c *gin.Context) {
	var req EmbeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	id := c.Param("id")
	if err := s.db.PutEmbedding(id, req.Vector); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "dimension": len(req.Vector)})
}

// SearchRequest is the body of POST /v1/search. Exactly one of Vector and
// Text is set; Text needs a configured embedding model.
type SearchRequest struct {
	Vector []float32 `json:"vector,omitempty"`
	Text   string    `json:"text,omitempty"`
	K      int       `json:"k,omitempty"`
}

// SearchHit is one search result.
type SearchHit struct {
	ID         string  `json:"id"`
	Name       string  `json:"name,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Path       string  `json:"path,omitempty"`
	Similarity float64 `json:"similarity"`
}

// SearchResponse is returned by POST /v1/search.
type SearchResponse struct {
	Hits []SearchHit `json:"hits"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if (len(req.Vector) == 0) == (req.Text == "") {
		s.fail(c, fmt.Errorf("%w: exactly one of vector and text is required", ErrBadRequest))
		return
	}
	if req.K < 0 {
		s.fail(c, fmt.Errorf("%w: k must not be negative", ErrBadRequest))
		return
	}
	if req.K == 0 {
		req.K = DefaultSearchK
	}

	var (
		matches []embedding.Match
		err     error
	)
	if req.Text != "" {
		matches, err = s.db.Search(c.Request.Context(), req.Text, req.K)
	} else {
		matches, err = s.db.Embeddings().Search(req.Vector, req.K)
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	snap := s.db.Snapshot()
	hits := make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		hit := SearchHit{ID: m.NodeID, Similarity: m.Similarity}
		if n := snap.Node(m.NodeID); n != nil {
			hit.Name, hit.Kind, hit.Path = n.Name, n.Kind.String(), n.Path
		}
		hits = append(hits, hit)
	}
	c.JSON(http.StatusOK, SearchResponse{Hits: hits})
}
