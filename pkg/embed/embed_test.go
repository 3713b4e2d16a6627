package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedder(t *testing.T) {
	_, err := NewEmbedder(&Config{Provider: "none"})
	assert.ErrorIs(t, err, ErrModelUnavailable)

	_, err = NewEmbedder(&Config{Provider: "openai"})
	assert.ErrorIs(t, err, ErrModelUnavailable)

	_, err = NewEmbedder(&Config{Provider: "word2vec"})
	assert.Error(t, err)

	e, err := NewEmbedder(DefaultOllamaConfig())
	require.NoError(t, err)
	assert.Equal(t, "mxbai-embed-large", e.Model())
	assert.Equal(t, 1024, e.Dimensions())
}

func TestOllamaEmbedder(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch {
		case req.Model == "missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"model \"missing\" not found, try pulling it first"}`))
			return
		case len(req.Input) > 0 && req.Input[0] == "boom":
			http.Error(w, "model not loaded", http.StatusInternalServerError)
			return
		}
		assert.True(t, req.Truncate)
		out := ollamaEmbedResponse{Model: req.Model}
		for i := range req.Input {
			out.Embeddings = append(out.Embeddings, []float32{float32(i), 0.2, 0.3})
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()
	ctx := context.Background()

	e := NewOllama(&Config{APIURL: srv.URL + "/", Model: "tiny", Dimensions: 3})
	vec, err := e.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.2, 0.3}, vec)

	requests.Store(0)
	vecs, err := e.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, float32(2), vecs[2][0])
	assert.Equal(t, int32(1), requests.Load(), "a batch is one request")

	vecs, err = e.EmbedBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)

	_, err = e.Embed(ctx, "boom")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	_, err = NewOllama(&Config{APIURL: srv.URL, Model: "missing"}).Embed(ctx, "hello")
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Contains(t, err.Error(), "try pulling it first")

	_, err = NewOllama(&Config{APIURL: srv.URL, Model: "tiny", Dimensions: 8}).Embed(ctx, "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestOllamaEmbedder_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e := NewOllama(&Config{APIURL: url, Model: "tiny"})
	_, err := e.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrModelUnavailable)
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data := make([]map[string]any, len(req.Input))
		// Reply in reverse order; the client must reorder by index.
		for i := range req.Input {
			j := len(req.Input) - 1 - i
			data[i] = map[string]any{
				"object":    "embedding",
				"index":     j,
				"embedding": []float32{float32(j), 1},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
		})
	}))
	defer srv.Close()

	e := NewOpenAI(&Config{APIURL: srv.URL + "/v1", APIKey: "sk-test", Model: "text-embedding-3-small"})
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 1}, {1, 1}, {2, 1}}, vecs)

	vec, err := e.Embed(context.Background(), "solo")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, vec)
}
