package graph

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/mucode/pkg/storage"
	"go.uber.org/zap"
)

// Source provides consistent dumps of the store.
type Source interface {
	Dump() (*storage.Dump, error)
}

// Handle publishes snapshots. Readers call Load once per query and keep the
// returned snapshot; a concurrent Publish never affects them.
type Handle struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64

	rebuildMu sync.Mutex
	logger    *zap.Logger
}

// NewHandle returns a handle holding an empty version-0 snapshot.
func NewHandle(logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handle{logger: logger.Named("graph")}
	h.current.Store(Build(nil, 0))
	return h
}

// Load returns the current snapshot.
func (h *Handle) Load() *Snapshot {
	return h.current.Load()
}

// Publish swaps in s atomically.
func (h *Handle) Publish(s *Snapshot) {
	h.current.Store(s)
	h.logger.Info("snapshot published",
		zap.Uint64("version", s.Version()),
		zap.Int("nodes", s.NodeCount()),
		zap.Int("edges", s.EdgeCount()),
		zap.Int("skipped_edges", s.Skipped()))
}

// Rebuild dumps src, builds a new snapshot off to the side and publishes
// it. Concurrent rebuilds are serialized; versions strictly increase.
func (h *Handle) Rebuild(src Source) (*Snapshot, error) {
	h.rebuildMu.Lock()
	defer h.rebuildMu.Unlock()

	start := time.Now()
	d, err := src.Dump()
	if err != nil {
		return nil, fmt.Errorf("dump store: %w", err)
	}
	s := Build(d, h.version.Add(1))
	h.Publish(s)
	h.logger.Debug("snapshot rebuilt", zap.Duration("elapsed", time.Since(start)))
	return s, nil
}
