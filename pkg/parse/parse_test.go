package parse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/mucode/pkg/build"
	"github.com/orneryd/mucode/pkg/storage"
)

const pythonSource = `"""Utilities for parsing."""
import os
import numpy as np
from . import helpers
from ..core import Base, run as go

VERSION = "1.0"

def parse(text: str) -> list:
    """Split text."""
    return helpers.split(text.strip())

class Parser(Base):
    """A parser."""
    mode = "fast"

    @staticmethod
    def make():
        return Parser()

    def run(self):
        self.reset()
        parse("x")

    def reset(self):
        pass
`

func symbolByName(t *testing.T, m *build.ModuleDef, qual string) build.Symbol {
	t.Helper()
	for _, s := range m.Symbols {
		if s.QualName() == qual {
			return s
		}
	}
	t.Fatalf("symbol %s not found", qual)
	return build.Symbol{}
}

func TestParse_Python(t *testing.T) {
	m, err := New().Parse(context.Background(), build.FileEntry{Path: "pkg/text/util.py", Language: "python"}, []byte(pythonSource))
	require.NoError(t, err)

	assert.Equal(t, "pkg.text.util", m.Name)
	assert.Equal(t, "python", m.Language)
	assert.Equal(t, "Utilities for parsing.", m.Doc)
	assert.Equal(t, 26, m.Lines)

	assert.Equal(t, []build.Import{
		{Module: "os"},
		{Module: "numpy", Alias: "np"},
		{Module: "pkg.text", Names: []string{"helpers"}},
		{Module: "pkg.core", Names: []string{"Base", "run"}},
	}, m.Imports)

	var quals []string
	for _, s := range m.Symbols {
		quals = append(quals, s.QualName())
	}
	assert.Equal(t, []string{"VERSION", "parse", "Parser", "Parser.mode", "Parser.make", "Parser.run", "Parser.reset"}, quals)

	fn := symbolByName(t, m, "parse")
	assert.Equal(t, storage.KindFunction, fn.Kind)
	assert.Equal(t, "parse(text: str) -> list", fn.Signature)
	assert.Equal(t, "Split text.", fn.Doc)
	assert.Equal(t, []string{"helpers.split", "text.strip"}, fn.Calls)
	assert.Equal(t, 9, fn.LineStart)
	assert.Equal(t, 11, fn.LineEnd)

	cls := symbolByName(t, m, "Parser")
	assert.Equal(t, storage.KindClass, cls.Kind)
	assert.Equal(t, []string{"Base"}, cls.Bases)
	assert.Equal(t, "Parser(Base)", cls.Signature)
	assert.Equal(t, "A parser.", cls.Doc)

	assert.Equal(t, storage.KindVariable, symbolByName(t, m, "Parser.mode").Kind)
	assert.Equal(t, []string{"Parser"}, symbolByName(t, m, "Parser.make").Calls)

	run := symbolByName(t, m, "Parser.run")
	assert.Equal(t, storage.KindMethod, run.Kind)
	assert.Equal(t, "Parser", run.Parent)
	assert.Equal(t, []string{"self.reset", "parse"}, run.Calls)
}

func TestPythonModuleNames(t *testing.T) {
	assert.Equal(t, "pkg.util", pythonModuleName("pkg/util.py"))
	assert.Equal(t, "pkg", pythonModuleName("pkg/__init__.py"))
	assert.Equal(t, "stubs.io", pythonModuleName("stubs/io.pyi"))
	assert.Equal(t, "", pythonModuleName("__init__.py"))

	x := &pythonExtractor{module: "pkg.sub", isInit: true}
	assert.Equal(t, "pkg.sub.mod", x.absolute(".mod"))
	assert.Equal(t, "pkg.other", x.absolute("..other"))
}

const goSource = `// Package store keeps things.
package store

import (
	"fmt"
	bdg "github.com/dgraph-io/badger/v4"
)

// Version is the format version.
const Version = 3

var a, _ = 1, 2

// Store wraps a database.
type Store struct {
	*Base
	db *bdg.DB
}

type ID string

// Open opens a store.
func Open(path string) (*Store, error) {
	db, err := bdg.Open(bdg.DefaultOptions(path))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.flush()
	return s.db.Close()
}
`

func TestParse_Go(t *testing.T) {
	m, err := New().Parse(context.Background(), build.FileEntry{Path: "internal/store/store.go", Language: "go"}, []byte(goSource))
	require.NoError(t, err)

	assert.Equal(t, "internal/store", m.Name)
	assert.Equal(t, "Package store keeps things.", m.Doc)
	assert.Equal(t, []build.Import{
		{Module: "fmt"},
		{Module: "github.com/dgraph-io/badger/v4", Alias: "bdg"},
	}, m.Imports)

	var quals []string
	for _, s := range m.Symbols {
		quals = append(quals, s.QualName())
	}
	assert.Equal(t, []string{"Version", "a", "Store", "ID", "Open", "Store.Close"}, quals)

	st := symbolByName(t, m, "Store")
	assert.Equal(t, storage.KindClass, st.Kind)
	assert.Equal(t, "type Store struct", st.Signature)
	assert.Equal(t, []string{"Base"}, st.Bases)
	assert.Equal(t, "Store wraps a database.", st.Doc)
	assert.Equal(t, "type ID string", symbolByName(t, m, "ID").Signature)

	open := symbolByName(t, m, "Open")
	assert.Equal(t, "Open(path string) (*Store, error)", open.Signature)
	assert.Equal(t, "Open opens a store.", open.Doc)
	assert.Equal(t, []string{"bdg.Open", "bdg.DefaultOptions", "fmt.Errorf"}, open.Calls)

	cl := symbolByName(t, m, "Store.Close")
	assert.Equal(t, storage.KindMethod, cl.Kind)
	assert.Equal(t, "Close() error", cl.Signature)
	assert.Equal(t, []string{"self.flush"}, cl.Calls)
}

func TestParse_RootGoPackageUsesPackageName(t *testing.T) {
	m, err := New().Parse(context.Background(), build.FileEntry{Path: "main.go", Language: "go"}, []byte("package main\n\nfunc main() {}\n"))
	require.NoError(t, err)
	assert.Equal(t, "main", m.Name)
	assert.Equal(t, 3, m.Lines)
}

func TestParse_Errors(t *testing.T) {
	p := New()
	_, err := p.Parse(context.Background(), build.FileEntry{Path: "x.rb", Language: "ruby"}, []byte("puts 1"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)

	broken := []byte("def broken(:\n    pass\n")
	_, err = p.Parse(context.Background(), build.FileEntry{Path: "b.py", Language: "python"}, broken)
	assert.ErrorIs(t, err, ErrSyntax)

	p.Tolerant = true
	_, err = p.Parse(context.Background(), build.FileEntry{Path: "b.py", Language: "python"}, broken)
	assert.NoError(t, err)
}

func TestParse_ConcurrentUse(t *testing.T) {
	p := New()
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := p.Parse(context.Background(), build.FileEntry{Path: "a.py", Language: "python"}, []byte(pythonSource))
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
}
