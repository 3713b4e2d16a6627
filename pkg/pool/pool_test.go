package pool

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool_GetReturnsEmptyBuffer(t *testing.T) {
	p := NewBufferPool(DefaultConfig())
	buf := p.Get(100)
	assert.Len(t, buf, 0)
	assert.GreaterOrEqual(t, cap(buf), 100)

	big := p.Get(1 << 18)
	assert.GreaterOrEqual(t, cap(big), 1<<18)
}

func TestBufferPool_PutClearsLength(t *testing.T) {
	p := NewBufferPool(DefaultConfig())
	buf := append(p.Get(8), "stale"...)
	p.Put(buf)

	again := p.Get(8)
	assert.Len(t, again, 0)
	assert.Equal(t, int64(1), p.Stats().Returned)
}

func TestBufferPool_DropsOversizedBuffers(t *testing.T) {
	p := NewBufferPool(Config{Enabled: true, MaxBufferSize: 64, InitialSize: 16})
	p.Put(make([]byte, 0, 128))
	st := p.Stats()
	assert.Equal(t, int64(1), st.Dropped)
	assert.Equal(t, int64(0), st.Returned)
}

func TestBufferPool_Disabled(t *testing.T) {
	p := NewBufferPool(Config{Enabled: false})
	buf := p.Get(10)
	p.Put(buf)
	p.Get(10)
	st := p.Stats()
	assert.Equal(t, int64(2), st.Gets)
	assert.Equal(t, int64(2), st.Allocated)
	assert.Equal(t, int64(0), st.Returned)
}

func TestBufferPool_ReadFile(t *testing.T) {
	dir := t.TempDir()
	p := NewBufferPool(Config{Enabled: true, MaxBufferSize: 1 << 20, InitialSize: 4})

	tests := []struct {
		name    string
		content string
		hint    int64
	}{
		{"empty", "", 0},
		{"exact hint", "def f():\n    pass\n", 18},
		{"stale small hint", strings.Repeat("x = 1\n", 500), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".py")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			buf, err := p.ReadFile(path, tt.hint)
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(buf))
			p.Put(buf)
		})
	}

	_, err := p.ReadFile(filepath.Join(dir, "missing.py"), 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBufferPool_Concurrent(t *testing.T) {
	p := NewBufferPool(DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				buf := append(p.Get(32), byte(i), byte(j))
				if len(buf) != 2 || buf[0] != byte(i) {
					t.Errorf("buffer shared between goroutines")
				}
				p.Put(buf)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1600), p.Stats().Gets)
}
