// Package embed provides embedding model clients used to vectorize code
// entities and FIND SIMILAR queries.
//
// Providers:
//   - Ollama: local models over Ollama's HTTP API (mxbai-embed-large, nomic-embed-text)
//   - OpenAI: any OpenAI-compatible embeddings endpoint via go-openai
//
// Any Embedder can be wrapped in a CachedEmbedder so repeated texts (the same
// query typed twice, an unchanged function body) are embedded once.
//
// Example Usage:
//
//	embedder, err := embed.NewEmbedder(embed.DefaultOllamaConfig())
//	if err != nil {
//		return err
//	}
//	vec, err := embedder.Embed(ctx, "def parse(tokens): ...")
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrModelUnavailable is returned when no model is configured or the
	// provider cannot be reached.
	ErrModelUnavailable = errors.New("embedding model unavailable")
	// ErrEmbeddingFailed wraps provider-side failures (bad status, empty or
	// malformed response).
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// Embedder generates vector embeddings from text.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for several texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the expected vector length (0 if unknown).
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// Config holds embedding provider settings.
type Config struct {
	Provider   string        // none, ollama, openai
	APIURL     string        // e.g. http://localhost:11434 or https://api.openai.com/v1
	APIKey     string        // OpenAI only
	Model      string        // e.g. mxbai-embed-large
	Dimensions int           // expected dimensions (0 = accept what the model returns)
	Timeout    time.Duration // per request
}

// DefaultOllamaConfig targets a local Ollama with mxbai-embed-large.
func DefaultOllamaConfig() *Config {
	return &Config{
		Provider:   "ollama",
		APIURL:     "http://localhost:11434",
		Model:      "mxbai-embed-large",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
	}
}

// DefaultOpenAIConfig targets OpenAI's text-embedding-3-small.
func DefaultOpenAIConfig(apiKey string) *Config {
	return &Config{
		Provider:   "openai",
		APIURL:     "https://api.openai.com/v1",
		APIKey:     apiKey,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// NewEmbedder builds the embedder selected by config.Provider. Provider
// "none" (or empty) yields ErrModelUnavailable so callers can run without
// embeddings.
func NewEmbedder(config *Config) (Embedder, error) {
	if config == nil {
		return nil, ErrModelUnavailable
	}
	switch strings.ToLower(config.Provider) {
	case "", "none":
		return nil, ErrModelUnavailable
	case "ollama":
		return NewOllama(config), nil
	case "openai":
		if config.APIKey == "" {
			return nil, fmt.Errorf("%w: openai requires an API key", ErrModelUnavailable)
		}
		return NewOpenAI(config), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", config.Provider)
	}
}

// checkDimensions validates a returned vector against the configured size.
func checkDimensions(vec []float32, want int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty embedding", ErrEmbeddingFailed)
	}
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%w: model returned %d dimensions, expected %d", ErrEmbeddingFailed, len(vec), want)
	}
	return nil
}
