// Package mucode provides the main API for embedded mucode usage.
//
// A DB ties together the persistent store, the published graph snapshot, the
// build pipeline, the embedding store and the MUQL executor. Commands and the
// HTTP server go through a DB rather than wiring the parts themselves.
//
// Example Usage:
//
//	cfg := config.DefaultConfig()
//	cfg.Storage.DataDir = ".mucode/db"
//
//	db, err := mucode.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	// Index a source tree
//	res, err := db.RunBuild(ctx, "./src")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("parsed %d files, %d nodes\n", res.FilesParsed, res.NodesWritten)
//
//	// Query it
//	out, err := db.Execute(ctx, "SHOW IMPACT OF fn:src/util.py:parse DEPTH 3")
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, n := range out.Nodes {
//		fmt.Println(n.Depth, n.ID)
//	}
//
// Embeddings are optional. With embedding.provider set to ollama or openai,
// builds embed every written node and FIND SIMILAR TO becomes available.
package mucode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/orneryd/mucode/pkg/build"
	"github.com/orneryd/mucode/pkg/cache"
	"github.com/orneryd/mucode/pkg/config"
	"github.com/orneryd/mucode/pkg/embed"
	"github.com/orneryd/mucode/pkg/embedding"
	"github.com/orneryd/mucode/pkg/graph"
	"github.com/orneryd/mucode/pkg/logging"
	"github.com/orneryd/mucode/pkg/metrics"
	"github.com/orneryd/mucode/pkg/muql"
	"github.com/orneryd/mucode/pkg/parse"
	"github.com/orneryd/mucode/pkg/scan"
	"github.com/orneryd/mucode/pkg/storage"
)

// Errors returned by DB operations.
var (
	ErrClosed = errors.New("database is closed")
)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	embedder embed.Embedder
}

// WithLogger overrides the logger built from cfg.Logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithEmbedder uses e instead of the provider named in cfg.Embedding.
func WithEmbedder(e embed.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// Status summarizes the store and the published snapshot.
type Status struct {
	Storage         *storage.Stats `json:"storage"`
	SnapshotVersion uint64         `json:"snapshot_version"`
	SnapshotNodes   int            `json:"snapshot_nodes"`
	SnapshotEdges   int            `json:"snapshot_edges"`
	EmbeddingModel  string         `json:"embedding_model,omitempty"`
	PlanCache       cache.Stats    `json:"plan_cache"`
}

// DB is an open mucode database.
type DB struct {
	config *config.Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	store      *storage.Store
	snapshots  *graph.Handle
	embeddings *embedding.Store
	embedder   embed.Embedder
	pipeline   *build.Pipeline
	executor   *muql.Executor
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
}

// Open opens the store described by cfg, publishes a snapshot of what it
// holds and wires the build pipeline and the query executor.
func Open(cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Logging); err != nil {
			return nil, err
		}
	}
	reg := o.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	db := &DB{
		config:   cfg,
		logger:   logger,
		metrics:  metrics.New(reg),
		registry: reg,
	}

	mode := storage.ReadWrite
	if cfg.Storage.ReadOnly {
		mode = storage.ReadOnly
	}
	store, err := storage.Open(storage.Options{
		DataDir:    cfg.Storage.DataDir,
		InMemory:   cfg.Storage.InMemory,
		Mode:       mode,
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	db.store = store
	db.embeddings = embedding.New(store)

	db.embedder = o.embedder
	if db.embedder == nil {
		db.embedder, err = newEmbedder(cfg.Embedding)
		switch {
		case errors.Is(err, embed.ErrModelUnavailable) && cfg.Embedding.Provider == "none":
			db.embedder = nil
		case err != nil:
			store.Close()
			return nil, fmt.Errorf("failed to create embedder: %w", err)
		}
	}

	db.snapshots = graph.NewHandle(logger)
	snap, err := db.snapshots.Rebuild(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load graph: %w", err)
	}
	db.metrics.SetSnapshot(snap.Version(), snap.NodeCount(), snap.EdgeCount())

	parser := parse.New()
	parser.Tolerant = cfg.Build.Tolerant
	db.pipeline, err = build.New(build.Config{
		Store:     store,
		Snapshots: db.snapshots,
		Scanner: scan.New(scan.Options{
			Languages: cfg.Build.Languages,
			Ignore:    cfg.Build.Ignore,
			NoGit:     cfg.Build.NoGit,
			Logger:    logger,
		}),
		Parser:         parser,
		Embeddings:     db.embeddings,
		Embedder:       db.embedder,
		EmbedBatchSize: cfg.Build.EmbedBatchSize,
		Workers:        cfg.Build.Workers,
		MaxFileBytes:   int64(cfg.Build.MaxFileSize),
		Force:          cfg.Build.Force,
		Logger:         logger,
		Metrics:        db.metrics,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	planner := muql.NewPlanner()
	planner.DefaultLimit = cfg.Query.DefaultLimit
	planner.DefaultMaxHops = cfg.Query.DefaultMaxHops
	db.executor, err = muql.NewExecutor(muql.Options{
		Store:         store,
		Snapshots:     db.snapshots,
		Embeddings:    db.embeddings,
		Model:         db.embedder,
		Planner:       planner,
		MaxSteps:      cfg.Query.MaxSteps,
		PlanCacheSize: cfg.Query.PlanCacheSize,
		Logger:        logger,
		Metrics:       db.metrics,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Info("database opened",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Bool("in_memory", cfg.Storage.InMemory),
		zap.Stringer("mode", mode),
		zap.Int("schema_version", store.SchemaVersion()),
		zap.Int("nodes", snap.NodeCount()),
		zap.Int("edges", snap.EdgeCount()),
		zap.Bool("embeddings", db.embedder != nil))
	return db, nil
}

func newEmbedder(cfg config.EmbeddingConfig) (embed.Embedder, error) {
	e, err := embed.NewEmbedder(&embed.Config{
		Provider:   cfg.Provider,
		APIURL:     cfg.APIURL,
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		Dimensions: cfg.Dimensions,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		return embed.NewCachedEmbedder(e, cfg.CacheSize), nil
	}
	return e, nil
}

// Config returns the configuration the database was opened with.
func (db *DB) Config() *config.Config { return db.config }

// Logger returns the database logger.
func (db *DB) Logger() *zap.Logger { return db.logger }

// Registry returns the registry the metrics live on.
func (db *DB) Registry() *prometheus.Registry { return db.registry }

// Store returns the underlying store.
func (db *DB) Store() *storage.Store { return db.store }

// Embeddings returns the embedding store.
func (db *DB) Embeddings() *embedding.Store { return db.embeddings }

// Embedder returns the configured model, or nil without one.
func (db *DB) Embedder() embed.Embedder { return db.embedder }

// Snapshot returns the currently published graph snapshot.
func (db *DB) Snapshot() *graph.Snapshot { return db.snapshots.Load() }

// Executor returns the MUQL executor.
func (db *DB) Executor() *muql.Executor { return db.executor }

// Execute runs one MUQL statement.
func (db *DB) Execute(ctx context.Context, query string) (*muql.Result, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.executor.Execute(ctx, query)
}

// RunBuild indexes the tree under root and publishes a new snapshot.
func (db *DB) RunBuild(ctx context.Context, root string) (*build.Result, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	if db.store.Mode() == storage.ReadOnly {
		return nil, storage.ErrReadOnly
	}
	return db.pipeline.Run(ctx, root)
}

// PutEmbedding stores a vector for an existing node.
func (db *DB) PutEmbedding(nodeID string, vec []float32) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return db.embeddings.Put(nodeID, vec)
}

// Search returns the k nodes most similar to text.
func (db *DB) Search(ctx context.Context, text string, k int) ([]embedding.Match, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.embeddings.SearchText(ctx, db.embedder, text, k, nil)
}

// Status reports store counters and the published snapshot.
func (db *DB) Status() (*Status, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	stats, err := db.store.Stats()
	if err != nil {
		return nil, err
	}
	snap := db.snapshots.Load()
	st := &Status{
		Storage:         stats,
		SnapshotVersion: snap.Version(),
		SnapshotNodes:   snap.NodeCount(),
		SnapshotEdges:   snap.EdgeCount(),
		PlanCache:       db.executor.PlanCacheStats(),
	}
	if db.embedder != nil {
		st.EmbeddingModel = db.embedder.Model()
	}
	return st, nil
}

// Close closes the store. Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	var errs []error
	if db.store != nil {
		if err := db.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = db.logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
