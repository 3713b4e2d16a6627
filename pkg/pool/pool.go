// Package pool recycles the byte buffers builds read source files into.
//
// A build reads every changed file once, hashes it, parses it and then has
// no further use for the bytes. Parsed modules copy out every string they
// keep, so the buffer can go back to the pool as soon as parsing returns.
//
// Usage:
//
//	buffers := pool.NewBufferPool(pool.DefaultConfig())
//
//	src, err := buffers.ReadFile(path, info.Size())
//	if err != nil {
//		return err
//	}
//	defer buffers.Put(src)
package pool

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Config configures a BufferPool.
type Config struct {
	// Enabled controls whether buffers are reused at all.
	Enabled bool

	// MaxBufferSize keeps larger buffers out of the pool so one huge file
	// does not pin its memory for the life of the process.
	MaxBufferSize int

	// InitialSize is the capacity of freshly allocated buffers.
	InitialSize int
}

// DefaultConfig pools buffers up to 1MB.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxBufferSize: 1 << 20,
		InitialSize:   16 << 10,
	}
}

// Stats counts pool traffic.
type Stats struct {
	Gets      int64 `json:"gets"`
	Allocated int64 `json:"allocated"`
	Returned  int64 `json:"returned"`
	Dropped   int64 `json:"dropped"`
}

// BufferPool hands out byte buffers. It is safe for concurrent use.
type BufferPool struct {
	config Config
	pool   sync.Pool

	gets      atomic.Int64
	allocated atomic.Int64
	returned  atomic.Int64
	dropped   atomic.Int64
}

// NewBufferPool returns an empty pool.
func NewBufferPool(config Config) *BufferPool {
	if config.InitialSize <= 0 {
		config.InitialSize = DefaultConfig().InitialSize
	}
	return &BufferPool{config: config}
}

// Get returns a zero-length buffer with capacity for at least size bytes.
func (b *BufferPool) Get(size int) []byte {
	b.gets.Add(1)
	if b.config.Enabled {
		if p, ok := b.pool.Get().(*[]byte); ok && cap(*p) >= size {
			return (*p)[:0]
		} else if ok {
			// Too small for this request; let it go.
			b.dropped.Add(1)
		}
	}
	b.allocated.Add(1)
	return make([]byte, 0, max(size, b.config.InitialSize))
}

// Put returns buf to the pool. buf must not be used afterwards.
func (b *BufferPool) Put(buf []byte) {
	if !b.config.Enabled || buf == nil {
		return
	}
	if b.config.MaxBufferSize > 0 && cap(buf) > b.config.MaxBufferSize {
		b.dropped.Add(1)
		return
	}
	buf = buf[:0]
	b.returned.Add(1)
	b.pool.Put(&buf)
}

// ReadFile reads the file at path into a pooled buffer. size is a hint,
// usually from a prior Stat; the whole file is read even if it grew.
func (b *BufferPool) ReadFile(path string, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := b.Get(int(size) + 1)
	for {
		if len(buf) == cap(buf) {
			buf = append(buf, 0)[:len(buf)]
		}
		n, err := f.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			b.Put(buf)
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
}

// Stats returns a snapshot of the counters.
func (b *BufferPool) Stats() Stats {
	return Stats{
		Gets:      b.gets.Load(),
		Allocated: b.allocated.Load(),
		Returned:  b.returned.Load(),
		Dropped:   b.dropped.Load(),
	}
}
