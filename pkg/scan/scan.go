// Package scan finds the source files of a project.
//
// Inside a git work tree the file list comes from git itself (tracked plus
// untracked-but-not-ignored files). Elsewhere the tree is walked and the
// root .gitignore, plus any extra patterns, are honoured.
package scan

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
	"go.uber.org/zap"

	"github.com/orneryd/mucode/pkg/build"
)

// DefaultExtensions maps file extensions to language names.
var DefaultExtensions = map[string]string{
	".go":  "go",
	".py":  "python",
	".pyi": "python",
}

var skipDirs = map[string]struct{}{
	"__pycache__":   {},
	"node_modules":  {},
	"vendor":        {},
	"venv":          {},
	"env":           {},
	"build":         {},
	"dist":          {},
	"testdata":      {},
	"site-packages": {},
}

// Options configures a Scanner.
type Options struct {
	// Extensions overrides DefaultExtensions.
	Extensions map[string]string
	// Languages restricts results to these languages when non-empty.
	Languages []string
	// Ignore holds extra gitignore-style patterns.
	Ignore []string
	// NoGit disables the git ls-files fast path.
	NoGit  bool
	Logger *zap.Logger
}

// Scanner implements build.Scanner over the local filesystem.
type Scanner struct {
	exts   map[string]string
	langs  map[string]struct{}
	extra  *ignore.GitIgnore
	noGit  bool
	logger *zap.Logger
}

var _ build.Scanner = (*Scanner)(nil)

// New returns a scanner.
func New(opts Options) *Scanner {
	s := &Scanner{
		exts:   opts.Extensions,
		langs:  make(map[string]struct{}, len(opts.Languages)),
		noGit:  opts.NoGit,
		logger: opts.Logger,
	}
	if s.exts == nil {
		s.exts = DefaultExtensions
	}
	for _, l := range opts.Languages {
		s.langs[l] = struct{}{}
	}
	if len(opts.Ignore) > 0 {
		s.extra = ignore.CompileIgnoreLines(opts.Ignore...)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Language returns the language for a path, or "" if unsupported.
func (s *Scanner) Language(path string) string {
	lang := s.exts[strings.ToLower(filepath.Ext(path))]
	if lang == "" {
		return ""
	}
	if len(s.langs) > 0 {
		if _, ok := s.langs[lang]; !ok {
			return ""
		}
	}
	return lang
}

// Scan lists supported files under root, sorted by path. Paths are
// slash-separated and relative to root.
func (s *Scanner) Scan(ctx context.Context, root string) ([]build.FileEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &os.PathError{Op: "scan", Path: root, Err: os.ErrInvalid}
	}

	var gitFiles map[string]struct{}
	if !s.noGit {
		gitFiles = gitLsFiles(ctx, root)
	}
	var gi *ignore.GitIgnore
	if gitFiles == nil {
		gi = loadGitignore(root)
	}

	var results []build.FileEntry
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("walk error", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".egg-info") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if gitFiles != nil {
			if _, ok := gitFiles[rel]; !ok {
				return nil
			}
		} else if gi != nil && gi.MatchesPath(rel) {
			return nil
		}
		if s.extra != nil && s.extra.MatchesPath(rel) {
			return nil
		}

		if lang := s.Language(name); lang != "" {
			results = append(results, build.FileEntry{Path: rel, Language: lang})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	s.logger.Debug("scan complete",
		zap.String("root", root),
		zap.Int("files", len(results)),
		zap.Bool("git", gitFiles != nil))
	return results, nil
}

func gitLsFiles(ctx context.Context, root string) map[string]struct{} {
	info, err := os.Stat(filepath.Join(root, ".git"))
	if err != nil || !info.IsDir() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	files := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			files[line] = struct{}{}
		}
	}
	return files
}

func loadGitignore(root string) *ignore.GitIgnore {
	gi, err := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	return gi
}
