package embed

import (
	"context"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder implements Embedder for OpenAI and compatible endpoints
// (vLLM, LM Studio, Azure deployments exposing /v1/embeddings).
type OpenAIEmbedder struct {
	config *Config
	client *openai.Client
}

// NewOpenAI creates an OpenAI embedder. If config is nil,
// DefaultOpenAIConfig("") is used.
func NewOpenAI(config *Config) *OpenAIEmbedder {
	if config == nil {
		config = DefaultOpenAIConfig("")
	}
	cc := openai.DefaultConfig(config.APIKey)
	if config.APIURL != "" {
		cc.BaseURL = config.APIURL
	}
	cc.HTTPClient = &http.Client{Timeout: config.Timeout}
	return &OpenAIEmbedder{config: config, client: openai.NewClientWithConfig(cc)}
}

// Embed embeds a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all texts in one request and returns vectors in input
// order (the API reports each vector's input index).
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.config.Model),
	}
	if e.config.Dimensions > 0 {
		req.Dimensions = e.config.Dimensions
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbeddingFailed, len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrEmbeddingFailed, d.Index)
		}
		if err := checkDimensions(d.Embedding, e.config.Dimensions); err != nil {
			return nil, err
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (e *OpenAIEmbedder) Dimensions() int { return e.config.Dimensions }

func (e *OpenAIEmbedder) Model() string { return e.config.Model }
