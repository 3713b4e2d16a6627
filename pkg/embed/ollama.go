package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// OllamaEmbedder talks to a local Ollama server through /api/embed, which
// accepts a list of inputs so a build batch is a single round trip.
type OllamaEmbedder struct {
	config   *Config
	endpoint string
	client   *http.Client
}

// NewOllama returns an Ollama client; a nil config means DefaultOllamaConfig.
func NewOllama(config *Config) *OllamaEmbedder {
	if config == nil {
		config = DefaultOllamaConfig()
	}
	return &OllamaEmbedder{
		config:   config,
		endpoint: strings.TrimRight(config.APIURL, "/") + "/api/embed",
		client:   &http.Client{Timeout: config.Timeout},
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
	// Long function bodies are cut to the model's context instead of
	// failing the whole batch.
	Truncate bool `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaError struct {
	Error string `json:"error"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(ollamaEmbedRequest{Model: e.config.Model, Input: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("encode ollama request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr ollamaError
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			// Ollama answers 404 when the model has not been pulled.
			return nil, fmt.Errorf("%w: ollama: %s", ErrModelUnavailable, msg)
		}
		return nil, fmt.Errorf("%w: ollama returned %d: %s", ErrEmbeddingFailed, resp.StatusCode, msg)
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode ollama response: %v", ErrEmbeddingFailed, err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: ollama returned %d embeddings for %d inputs",
			ErrEmbeddingFailed, len(out.Embeddings), len(texts))
	}
	for _, vec := range out.Embeddings {
		if err := checkDimensions(vec, e.config.Dimensions); err != nil {
			return nil, err
		}
	}
	return out.Embeddings, nil
}

func (e *OllamaEmbedder) Dimensions() int { return e.config.Dimensions }

func (e *OllamaEmbedder) Model() string { return e.config.Model }
