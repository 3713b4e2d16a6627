// Package embedding stores one vector per code entity and answers exact
// nearest-neighbour queries by cosine similarity.
//
// All vectors share one dimension, fixed by the first vector ever stored.
// Search is brute force over every stored vector: results are exact and
// deterministic (ties broken by ascending node id) at O(N·d) per query.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/mucode/pkg/embed"
	"github.com/orneryd/mucode/pkg/math/vector"
	"github.com/orneryd/mucode/pkg/storage"
)

var (
	ErrEmptyVector     = errors.New("embedding vector is empty")
	ErrNonFiniteVector = errors.New("embedding vector has NaN or Inf components")
)

// Backend is the subset of storage.Store the embedding store needs.
type Backend interface {
	PutEmbedding(id string, vec []float32) error
	GetEmbedding(id string) ([]float32, error)
	DeleteEmbedding(id string) error
	EmbeddingDimension() (int, error)
	ScanEmbeddings(fn func(id string, vec []float32) error) error
}

// Match is one search hit.
type Match struct {
	NodeID     string  `json:"node_id"`
	Similarity float64 `json:"similarity"`
}

// Store is the embedding store.
type Store struct {
	backend Backend
}

// New wraps a backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Put validates and stores vec for nodeID. The node must exist
// (storage.ErrNotFound otherwise); a vector whose length differs from the
// locked dimension fails with storage.ErrDimensionMismatch.
func (s *Store) Put(nodeID string, vec []float32) error {
	if err := validate(vec); err != nil {
		return err
	}
	return s.backend.PutEmbedding(nodeID, vec)
}

// Get returns the vector stored for nodeID.
func (s *Store) Get(nodeID string) ([]float32, error) {
	return s.backend.GetEmbedding(nodeID)
}

// Delete removes the vector for nodeID.
func (s *Store) Delete(nodeID string) error {
	return s.backend.DeleteEmbedding(nodeID)
}

// Dimension returns the locked dimension, 0 before the first Put.
func (s *Store) Dimension() (int, error) {
	return s.backend.EmbeddingDimension()
}

// Count returns the number of stored vectors.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.backend.ScanEmbeddings(func(string, []float32) error {
		n++
		return nil
	})
	return n, err
}

// Search returns up to k nodes ordered by descending cosine similarity to
// query, ties broken by ascending node id. k <= 0 and an empty store both
// yield an empty result.
func (s *Store) Search(query []float32, k int) ([]Match, error) {
	return s.SearchFunc(query, k, nil)
}

// SearchFunc is Search restricted to node ids accepted by keep (nil keeps
// everything).
func (s *Store) SearchFunc(query []float32, k int, keep func(id string) bool) ([]Match, error) {
	if err := validate(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Match{}, nil
	}
	dim, err := s.backend.EmbeddingDimension()
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return []Match{}, nil
	}
	if len(query) != dim {
		return nil, fmt.Errorf("%w: store holds %d dimensions, query has %d", storage.ErrDimensionMismatch, dim, len(query))
	}

	top := vector.NewTopK(k)
	err = s.backend.ScanEmbeddings(func(id string, vec []float32) error {
		if keep != nil && !keep(id) {
			return nil
		}
		top.Push(vector.Scored{ID: id, Score: vector.CosineSimilarity(query, vec)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	scored := top.Result()
	out := make([]Match, len(scored))
	for i, sc := range scored {
		out[i] = Match{NodeID: sc.ID, Similarity: sc.Score}
	}
	return out, nil
}

// SearchText embeds text with model and searches. Model errors are returned
// unchanged so callers can tell an unavailable model from a bad query.
func (s *Store) SearchText(ctx context.Context, model embed.Embedder, text string, k int, keep func(id string) bool) ([]Match, error) {
	if model == nil {
		return nil, embed.ErrModelUnavailable
	}
	vec, err := model.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.SearchFunc(vec, k, keep)
}

func validate(vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if !vector.Finite(vec) {
		return ErrNonFiniteVector
	}
	return nil
}
