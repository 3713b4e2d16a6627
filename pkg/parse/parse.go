// Package parse turns Go and Python source files into module definitions
// using tree-sitter.
//
// Each language contributes an extractor that walks the syntax tree once
// and collects definitions, their doc strings and signatures, the calls
// made inside each definition body, base classes (embedded types in Go),
// and the module's imports. Resolving those references to node ids is the
// build pipeline's job.
package parse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/orneryd/mucode/pkg/build"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrSyntax              = errors.New("syntax error")
)

// language is one supported grammar. Parsers are not safe for concurrent
// use, so each language keeps a pool of them.
type language struct {
	name    string
	grammar *sitter.Language
	extract func(root *sitter.Node, src []byte, file build.FileEntry) *build.ModuleDef
	pool    sync.Pool
}

func (l *language) parser() *sitter.Parser {
	if p, ok := l.pool.Get().(*sitter.Parser); ok {
		return p
	}
	p := sitter.NewParser()
	p.SetLanguage(l.grammar)
	return p
}

// Parser implements build.Parser.
type Parser struct {
	langs map[string]*language
	// Tolerant keeps files with syntax errors, extracting what tree-sitter
	// could recover. By default such files fail with ErrSyntax.
	Tolerant bool
}

var _ build.Parser = (*Parser)(nil)

// New returns a parser for Go and Python.
func New() *Parser {
	return &Parser{langs: map[string]*language{
		"go":     newGoLanguage(),
		"python": newPythonLanguage(),
	}}
}

// Languages lists the supported language names.
func (p *Parser) Languages() []string {
	out := make([]string, 0, len(p.langs))
	for name := range p.langs {
		out = append(out, name)
	}
	return out
}

// Parse parses src as file.Language.
func (p *Parser) Parse(ctx context.Context, file build.FileEntry, src []byte) (*build.ModuleDef, error) {
	lang, ok := p.langs[file.Language]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, file.Language)
	}

	parser := lang.parser()
	defer lang.pool.Put(parser)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() && !p.Tolerant {
		if at := firstError(root); at != nil {
			return nil, fmt.Errorf("%w at line %d", ErrSyntax, at.StartPoint().Row+1)
		}
		return nil, ErrSyntax
	}

	m := lang.extract(root, src, file)
	m.Path = file.Path
	m.Language = lang.name
	if len(src) > 0 {
		m.Lines = int(root.EndPoint().Row) + 1
		if src[len(src)-1] == '\n' {
			m.Lines--
		}
	}
	return m, nil
}

func firstError(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.HasError() || c.IsMissing() {
			if e := firstError(c); e != nil {
				return e
			}
		}
	}
	return nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

func nodeText(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return string(src[n.StartByte():n.EndByte()])
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func startLine(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }
func endLine(n *sitter.Node) int   { return int(n.EndPoint().Row) + 1 }

// fieldChildren returns every child stored under field, in order.
func fieldChildren(n *sitter.Node, field string) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.FieldNameForChild(i) == field {
			out = append(out, n.Child(i))
		}
	}
	return out
}

// collectCalls walks body and records the callee expression of every call
// node, once each, in source order. skip stops descent into nested nodes of
// the given types.
func collectCalls(body *sitter.Node, callType string, skip map[string]bool, callee func(*sitter.Node) string) []string {
	if body == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == callType {
			if c := callee(n); c != "" && !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if skip[child.Type()] {
				continue
			}
			walk(child)
		}
	}
	walk(body)
	return out
}
