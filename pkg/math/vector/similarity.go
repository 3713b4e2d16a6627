// Package vector provides the vector math used by embedding search.
//
// Main Functions:
//   - CosineSimilarity: similarity of two float32 vectors with float64 accumulation
//   - Norm / Normalize: Euclidean length and unit-length copies
//   - Finite: rejects vectors containing NaN or ±Inf
//   - TopK: bounded selection of the best scored ids with deterministic ties
package vector

import (
	"container/heap"
	"math"
)

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns a value in [-1, 1]; 0 when the lengths differ, either vector is
// empty, or either vector has zero magnitude.
//
// Example:
//
//	a := []float32{1.0, 2.0, 3.0}
//	b := []float32{4.0, 5.0, 6.0}
//	sim := CosineSimilarity(a, b)  // 0.9746318461970762
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DotProduct returns the dot product, or 0 for vectors of different length.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm returns the Euclidean length of v.
func Norm(v []float32) float64 {
	return math.Sqrt(DotProduct(v, v))
}

// Normalize returns a unit-length copy of v. A zero vector is returned as a
// zero copy.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	n := Norm(v)
	if n == 0 {
		return out
	}
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out
}

// Finite reports whether every component is a finite number.
func Finite(v []float32) bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

// Scored is an id with its similarity score.
type Scored struct {
	ID    string
	Score float64
}

// better orders by descending score, then ascending id.
func better(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// TopK keeps the k best entries seen by Push. Result order is by
// descending score with ties broken by ascending id, independent of the
// order entries were pushed.
type TopK struct {
	k int
	h scoredHeap
}

// NewTopK returns a collector for k entries; k <= 0 collects nothing.
func NewTopK(k int) *TopK {
	if k < 0 {
		k = 0
	}
	return &TopK{k: k, h: make(scoredHeap, 0, k)}
}

// Push offers one entry.
func (t *TopK) Push(s Scored) {
	if t.k == 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, s)
		return
	}
	if better(s, t.h[0]) {
		t.h[0] = s
		heap.Fix(&t.h, 0)
	}
}

// Result returns the collected entries best first.
func (t *TopK) Result() []Scored {
	out := make([]Scored, len(t.h))
	h := make(scoredHeap, len(t.h))
	copy(h, t.h)
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Scored)
	}
	return out
}

// scoredHeap is a min-heap by "goodness": the root is the worst kept entry.
type scoredHeap []Scored

func (h scoredHeap) Len() int            { return len(h) }
func (h scoredHeap) Less(i, j int) bool  { return better(h[j], h[i]) }
func (h scoredHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x interface{}) { *h = append(*h, x.(Scored)) }
func (h *scoredHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
