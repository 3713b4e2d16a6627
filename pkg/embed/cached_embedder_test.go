package embed

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder returns [len(text), 1] and records what it was asked.
type countingEmbedder struct {
	mu      sync.Mutex
	model   string
	texts   []string
	batches [][]string
	err     error
}

func (m *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	if m.err != nil {
		return nil, m.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (m *countingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]string(nil), texts...))
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		m.texts = append(m.texts, text)
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (m *countingEmbedder) Dimensions() int { return 2 }

func (m *countingEmbedder) Model() string { return m.model }

func (m *countingEmbedder) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.texts)
}

func TestCachedEmbedder_Embed(t *testing.T) {
	base := &countingEmbedder{model: "m1"}
	c := NewCachedEmbedder(base, 10)
	ctx := context.Background()

	for _, text := range []string{"def run():", "def run():", "class Parser:"} {
		_, err := c.Embed(ctx, text)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, base.calls())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 10, st.MaxSize)
	assert.InDelta(t, 33.3, st.HitRate, 0.1)

	c.Clear()
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCachedEmbedder_KeyIncludesModel(t *testing.T) {
	base := &countingEmbedder{model: "m1"}
	c := NewCachedEmbedder(base, 10)
	ctx := context.Background()

	_, err := c.Embed(ctx, "text")
	require.NoError(t, err)
	base.model = "m2"
	_, err = c.Embed(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, 2, base.calls())
}

func TestCachedEmbedder_FailuresNotCached(t *testing.T) {
	base := &countingEmbedder{model: "m", err: ErrModelUnavailable}
	c := NewCachedEmbedder(base, 10)
	ctx := context.Background()

	_, err := c.Embed(ctx, "x")
	assert.ErrorIs(t, err, ErrModelUnavailable)
	_, err = c.EmbedBatch(ctx, []string{"x", "y"})
	assert.ErrorIs(t, err, ErrModelUnavailable)

	base.err = nil
	vec, err := c.Embed(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, vec)
	assert.Equal(t, []string{"x", "y"}, base.batches[0])
}

func TestCachedEmbedder_EmbedBatch(t *testing.T) {
	base := &countingEmbedder{model: "m"}
	c := NewCachedEmbedder(base, 10)
	ctx := context.Background()

	_, err := c.Embed(ctx, "aa")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(ctx, []string{"aa", "bbb", "c", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {3, 1}, {1, 1}, {3, 1}}, vecs)
	require.Len(t, base.batches, 1)
	assert.Equal(t, []string{"bbb", "c"}, base.batches[0], "only distinct misses go to the model")

	vecs, err = c.EmbedBatch(ctx, []string{"c", "aa"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Len(t, base.batches, 1, "all hits, no model call")
}

func TestCachedEmbedder_Eviction(t *testing.T) {
	base := &countingEmbedder{model: "m"}
	c := NewCachedEmbedder(base, 2)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		_, err := c.Embed(ctx, text)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Stats().Size)

	_, err := c.Embed(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 4, base.calls(), "least recently used entry was evicted")
}

func TestCachedEmbedder_DefaultSize(t *testing.T) {
	c := NewCachedEmbedder(&countingEmbedder{}, 0)
	assert.Equal(t, DefaultCacheSize, c.Stats().MaxSize)
}

func TestCachedEmbedder_Concurrent(t *testing.T) {
	c := NewCachedEmbedder(&countingEmbedder{model: "m"}, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := []string{"even", "odd"}[i%2]
			if _, err := c.Embed(ctx, text); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, uint64(50), st.Hits+st.Misses)
}
