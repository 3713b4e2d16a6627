package build

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/mucode/pkg/embed"
	"github.com/orneryd/mucode/pkg/embedding"
	"github.com/orneryd/mucode/pkg/graph"
	"github.com/orneryd/mucode/pkg/metrics"
	"github.com/orneryd/mucode/pkg/pool"
	"github.com/orneryd/mucode/pkg/storage"
)

// Defaults for Config.
const (
	DefaultMaxFileBytes   = 2 << 20
	DefaultEmbedBatchSize = 32
)

// ErrBuildInProgress is returned when a run is requested while another is
// still going.
var ErrBuildInProgress = errors.New("build already in progress")

// Config wires a Pipeline.
type Config struct {
	Store     Store
	Snapshots *graph.Handle
	Scanner   Scanner
	Parser    Parser

	// Embeddings and Embedder are optional; when both are set every written
	// node is embedded after the structural build.
	Embeddings     *embedding.Store
	Embedder       embed.Embedder
	EmbedBatchSize int

	Workers      int   // parse parallelism, default GOMAXPROCS
	MaxFileBytes int64 // larger files are skipped
	Force        bool  // reparse files whose hash is unchanged

	// Buffers holds the read buffers for source files. Parsers must not
	// keep src after Parse returns.
	Buffers *pool.BufferPool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Pipeline runs builds. One run at a time; a second concurrent Run fails
// fast with ErrBuildInProgress.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
	mu     sync.Mutex
}

// New validates cfg and returns a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil || cfg.Snapshots == nil || cfg.Scanner == nil || cfg.Parser == nil {
		return nil, errors.New("build: store, snapshots, scanner and parser are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Buffers == nil {
		cfg.Buffers = pool.NewBufferPool(pool.DefaultConfig())
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger.Named("build")}, nil
}

// parsed is the outcome of reading and parsing one file.
type parsed struct {
	entry     FileEntry
	hash      string
	unchanged bool
	relinked  bool // unchanged content, parsed again for new definitions
	module    *ModuleDef
	failure   *FailedFile
}

// Run brings the store in line with the tree under root.
//
// Files that fail to read or parse are reported in Result.Failed and keep
// whatever was stored for them before. A failed file write is reported the
// same way and leaves the previous records intact. Run returns an error
// only when the scan fails, ctx is cancelled before writing starts, or the
// snapshot cannot be rebuilt.
func (p *Pipeline) Run(ctx context.Context, root string) (*Result, error) {
	if !p.mu.TryLock() {
		return nil, ErrBuildInProgress
	}
	defer p.mu.Unlock()

	start := time.Now()
	res := &Result{RunID: uuid.NewString(), Root: root}
	log := p.logger.With(zap.String("run_id", res.RunID), zap.String("root", root))
	log.Info("build started", zap.Bool("force", p.cfg.Force))

	out, err := p.run(ctx, root, res, log)
	res.Elapsed = time.Since(start)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case len(res.Failed) > 0:
		outcome = "partial"
	}
	p.cfg.Metrics.ObserveBuild(outcome, res.Elapsed)
	if err != nil {
		log.Error("build failed", zap.Error(err), zap.Duration("elapsed", res.Elapsed))
		return out, err
	}
	log.Info("build finished",
		zap.Int("scanned", res.FilesScanned),
		zap.Int("parsed", res.FilesParsed),
		zap.Int("unchanged", res.FilesUnchanged),
		zap.Int("relinked", res.FilesRelinked),
		zap.Int("removed", res.FilesRemoved),
		zap.Int("failed", len(res.Failed)),
		zap.Int("nodes", res.NodesWritten),
		zap.Int("edges", res.EdgesWritten),
		zap.Int("dangling", res.DanglingEdges),
		zap.Uint64("snapshot", res.SnapshotVersion),
		zap.Duration("elapsed", res.Elapsed))
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, root string, res *Result, log *zap.Logger) (*Result, error) {
	files, err := p.cfg.Scanner.Scan(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	res.FilesScanned = len(files)

	records, err := p.cfg.Store.Files()
	if err != nil {
		return nil, fmt.Errorf("load file records: %w", err)
	}
	known := make(map[string]*storage.FileRecord, len(records))
	for _, r := range records {
		known[r.Path] = r
	}

	results, err := p.parseAll(ctx, root, files, known)
	if err != nil {
		return nil, err
	}

	scanned := make(map[string]bool, len(files))
	for _, f := range files {
		scanned[f.Path] = true
	}
	removed := make([]string, 0)
	for path := range known {
		if !scanned[path] {
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)

	stored, err := p.cfg.Store.AllNodes()
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	// References in unchanged files were resolved against the previous
	// set of definitions. When that set changes they are parsed again and
	// rewritten.
	if len(removed) > 0 || definitionsChanged(results, stored) {
		if err := p.relink(ctx, root, results); err != nil {
			return nil, err
		}
	}

	// Everything below writes; a cancelled context no longer stops the run
	// so the store never ends up half way between two trees.
	table := buildSymbolTable(results, stored, scanned)

	var written []*storage.Node
	for _, r := range results {
		switch {
		case r.failure != nil:
			res.Failed = append(res.Failed, *r.failure)
			log.Warn("file skipped", zap.String("path", r.failure.Path),
				zap.String("stage", r.failure.Stage), zap.String("reason", r.failure.Reason))
			continue
		case r.unchanged:
			res.FilesUnchanged++
			continue
		}
		batch := translate(r.module, r.hash, table)
		rr, err := p.cfg.Store.ReplaceFile(batch)
		if err != nil {
			res.Failed = append(res.Failed, FailedFile{Path: r.entry.Path, Stage: "write", Reason: err.Error()})
			log.Error("file write failed", zap.String("path", r.entry.Path), zap.Error(err))
			continue
		}
		res.EdgesWritten += rr.EdgesWritten
		if r.relinked {
			res.FilesUnchanged++
			res.FilesRelinked++
			continue
		}
		res.FilesParsed++
		res.NodesWritten += rr.NodesWritten
		written = append(written, batch.Nodes...)
	}

	for _, path := range removed {
		if _, err := p.cfg.Store.DeleteFile(path); err != nil {
			res.Failed = append(res.Failed, FailedFile{Path: path, Stage: "write", Reason: err.Error()})
			log.Error("file removal failed", zap.String("path", path), zap.Error(err))
			continue
		}
		res.FilesRemoved++
	}

	resolved, err := p.cfg.Store.ResolveDangling()
	if err != nil {
		return nil, fmt.Errorf("resolve dangling edges: %w", err)
	}
	res.EdgesResolved = len(resolved)
	res.EdgesWritten += len(resolved)
	dangling, err := p.cfg.Store.Dangling()
	if err != nil {
		return nil, fmt.Errorf("count dangling edges: %w", err)
	}
	res.DanglingEdges = len(dangling)

	if p.cfg.Embeddings != nil && p.cfg.Embedder != nil && len(written) > 0 {
		n, err := p.embed(ctx, written)
		res.EmbeddingsWritten = n
		if err != nil {
			res.EmbeddingError = err.Error()
			log.Warn("embedding stopped", zap.Int("written", n), zap.Error(err))
		}
	}

	snap, err := p.cfg.Snapshots.Rebuild(p.cfg.Store)
	if err != nil {
		return res, fmt.Errorf("rebuild snapshot: %w", err)
	}
	res.SnapshotVersion = snap.Version()
	p.cfg.Metrics.SetSnapshot(snap.Version(), snap.NodeCount(), snap.EdgeCount())
	p.cfg.Metrics.AddBuildFiles("parsed", res.FilesParsed)
	p.cfg.Metrics.AddBuildFiles("unchanged", res.FilesUnchanged)
	p.cfg.Metrics.AddBuildFiles("relinked", res.FilesRelinked)
	p.cfg.Metrics.AddBuildFiles("removed", res.FilesRemoved)
	p.cfg.Metrics.AddBuildFiles("failed", len(res.Failed))
	return res, nil
}

// parseAll reads, hashes and parses files on a bounded worker pool. Per
// file failures are recorded, not returned; only cancellation aborts.
func (p *Pipeline) parseAll(ctx context.Context, root string, files []FileEntry, known map[string]*storage.FileRecord) ([]parsed, error) {
	results := make([]parsed, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.parseOne(gctx, root, f, known[f.Path])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Pipeline) parseOne(ctx context.Context, root string, f FileEntry, rec *storage.FileRecord) parsed {
	r := parsed{entry: f}
	fail := func(stage string, err error) parsed {
		r.failure = &FailedFile{Path: f.Path, Stage: stage, Reason: err.Error()}
		return r
	}

	full := filepath.Join(root, filepath.FromSlash(f.Path))
	info, err := os.Stat(full)
	if err != nil {
		return fail("read", err)
	}
	if info.Size() > p.cfg.MaxFileBytes {
		return fail("read", fmt.Errorf("file is %d bytes, limit is %d", info.Size(), p.cfg.MaxFileBytes))
	}
	src, err := p.cfg.Buffers.ReadFile(full, info.Size())
	if err != nil {
		return fail("read", err)
	}
	defer p.cfg.Buffers.Put(src)
	sum := blake2b.Sum256(src)
	r.hash = hex.EncodeToString(sum[:])
	if rec != nil && rec.Hash == r.hash && !p.cfg.Force {
		r.unchanged = true
		return r
	}

	mod, err := p.cfg.Parser.Parse(ctx, f, src)
	if err != nil {
		return fail("parse", err)
	}
	if mod == nil {
		return fail("parse", errors.New("parser returned no module"))
	}
	mod.Path = f.Path
	if mod.Name == "" {
		mod.Name = f.Path
	}
	if mod.Language == "" {
		mod.Language = f.Language
	}
	r.module = mod
	return r
}

// relink parses the unchanged files again so they can be rewritten
// against the new definitions. A file that now fails keeps its records.
func (p *Pipeline) relink(ctx context.Context, root string, results []parsed) error {
	var idx []int
	var entries []FileEntry
	for i, r := range results {
		if r.unchanged {
			idx = append(idx, i)
			entries = append(entries, r.entry)
		}
	}
	if len(entries) == 0 {
		return nil
	}
	again, err := p.parseAll(ctx, root, entries, nil)
	if err != nil {
		return err
	}
	for j, i := range idx {
		r := again[j]
		r.relinked = r.failure == nil
		results[i] = r
	}
	p.logger.Debug("relinking unchanged files", zap.Int("files", len(entries)))
	return nil
}

// embed vectorizes nodes in batches and stops at the first failure.
func (p *Pipeline) embed(ctx context.Context, nodes []*storage.Node) (int, error) {
	written := 0
	for start := 0; start < len(nodes); start += p.cfg.EmbedBatchSize {
		end := min(start+p.cfg.EmbedBatchSize, len(nodes))
		texts := make([]string, 0, end-start)
		for _, n := range nodes[start:end] {
			texts = append(texts, embeddingText(n))
		}
		vecs, err := p.cfg.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return written, err
		}
		if len(vecs) != len(texts) {
			return written, fmt.Errorf("%w: %d vectors for %d texts", embed.ErrEmbeddingFailed, len(vecs), len(texts))
		}
		for i, n := range nodes[start:end] {
			if err := p.cfg.Embeddings.Put(n.ID, vecs[i]); err != nil {
				return written, fmt.Errorf("store embedding for %s: %w", n.ID, err)
			}
			written++
		}
	}
	return written, nil
}
