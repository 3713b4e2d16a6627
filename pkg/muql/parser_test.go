package muql

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Select(t *testing.T) {
	stmt, err := Parse(`select id, name FROM functions WHERE name LIKE 'parse%' AND (line_start >= 10 OR NOT kind = method) ORDER BY name DESC LIMIT 5;`)
	require.NoError(t, err)

	s, ok := stmt.(*SelectStmt)
	require.True(t, ok)
	assert.Equal(t, StmtSelect, s.Kind())
	assert.Equal(t, []string{"id", "name"}, s.Fields)
	assert.Equal(t, "functions", s.From)
	assert.Equal(t, `(name LIKE "parse%" AND (line_start >= 10 OR NOT kind = method))`, s.Where.String())
	require.NotNil(t, s.OrderBy)
	assert.Equal(t, "name", s.OrderBy.Field)
	assert.True(t, s.OrderBy.Desc)
	assert.Equal(t, 5, s.Limit)
}

func TestParse_SelectDefaults(t *testing.T) {
	stmt, err := Parse("SELECT * FROM nodes")
	require.NoError(t, err)
	s := stmt.(*SelectStmt)
	assert.Nil(t, s.Fields)
	assert.Nil(t, s.Where)
	assert.Nil(t, s.OrderBy)
	assert.Equal(t, NoLimit, s.Limit)
}

func TestParse_InList(t *testing.T) {
	stmt, err := Parse(`SELECT * FROM nodes WHERE kind IN (class, "function", 3)`)
	require.NoError(t, err)
	c := stmt.(*SelectStmt).Where.(*Comparison)
	assert.Equal(t, CmpIn, c.Op)
	require.Len(t, c.Values, 3)
	assert.Equal(t, LitIdent, c.Values[0].Kind)
	assert.Equal(t, LitString, c.Values[1].Kind)
	assert.Equal(t, LitNumber, c.Values[2].Kind)
	assert.Equal(t, 3.0, c.Values[2].Num)
}

func TestParse_Show(t *testing.T) {
	tests := []struct {
		query string
		want  ShowStmt
	}{
		{"SHOW DEPS OF mod:a.py", ShowStmt{Op: ShowDeps, Target: "mod:a.py", Depth: NoBound}},
		{"SHOW DEPS OF mod:a.py DEPTH 0", ShowStmt{Op: ShowDeps, Target: "mod:a.py", Depth: 0}},
		{"show dependencies of 'fn:a.py:run' depth 2", ShowStmt{Op: ShowDeps, Target: "fn:a.py:run", Depth: 2}},
		{"SHOW IMPACT OF C DEPTH 1 VIA calls, imports", ShowStmt{Op: ShowImpact, Target: "C", Depth: 1, Via: []string{"calls", "imports"}}},
		{"SHOW CYCLES", ShowStmt{Op: ShowCycles, Depth: NoBound}},
		{"SHOW CYCLES OF A VIA calls", ShowStmt{Op: ShowCycles, Target: "A", Depth: NoBound, Via: []string{"calls"}}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			stmt, err := Parse(tt.query)
			require.NoError(t, err)
			assert.Equal(t, &tt.want, stmt)
		})
	}
}

func TestParse_Find(t *testing.T) {
	tests := []struct {
		query string
		want  FindStmt
	}{
		{"FIND parse", FindStmt{Pattern: "parse", Limit: NoLimit}},
		{"FIND 'parse*' IN pkg/ LIMIT 3", FindStmt{Pattern: "parse*", Scope: "pkg/", Limit: 3}},
		{"FIND functions run", FindStmt{NodeKind: "functions", Pattern: "run", Limit: NoLimit}},
		{"FIND class 'Base?'", FindStmt{NodeKind: "class", Pattern: "Base?", Limit: NoLimit}},
		{"FIND run IN mod:a.py", FindStmt{Pattern: "run", Scope: "mod:a.py", Limit: NoLimit}},
		{"FIND SIMILAR TO 'open the store' LIMIT 4", FindStmt{Pattern: "open the store", Similar: true, Limit: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			stmt, err := Parse(tt.query)
			require.NoError(t, err)
			assert.Equal(t, &tt.want, stmt)
		})
	}
}

func TestParse_PathAndAnalyze(t *testing.T) {
	stmt, err := Parse("PATH FROM A TO C MAX-HOPS 3 VIA calls")
	require.NoError(t, err)
	assert.Equal(t, &PathStmt{From: "A", To: "C", MaxHops: 3, Via: []string{"calls"}}, stmt)

	stmt, err = Parse("path from A to C max_hops 2")
	require.NoError(t, err)
	assert.Equal(t, 2, stmt.(*PathStmt).MaxHops)

	stmt, err = Parse("PATH FROM A TO C MAX-HOPS 0")
	require.NoError(t, err)
	assert.Equal(t, 0, stmt.(*PathStmt).MaxHops)

	stmt, err = Parse("PATH FROM A TO C")
	require.NoError(t, err)
	assert.Equal(t, NoBound, stmt.(*PathStmt).MaxHops)

	stmt, err = Parse("ANALYZE most-connected WITH limit = 5, kind = 'class'")
	require.NoError(t, err)
	a := stmt.(*AnalyzeStmt)
	assert.Equal(t, "most-connected", a.Name)
	require.Len(t, a.Params, 2)
	assert.Equal(t, "limit", a.Params[0].Name)
	assert.Equal(t, 5.0, a.Params[0].Value.Num)
	assert.Equal(t, "class", a.Params[1].Value.Text)

	stmt, err = Parse("ANALYZE dead_code")
	require.NoError(t, err)
	assert.Empty(t, stmt.(*AnalyzeStmt).Params)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		pos      int
		expected []string
	}{
		{"empty", "", 1, []string{"SELECT", "SHOW", "FIND", "PATH", "ANALYZE"}},
		{"unknown keyword", "DELETE x", 1, []string{"SELECT", "SHOW", "FIND", "PATH", "ANALYZE"}},
		{"select without from", "SELECT id", 10, []string{"FROM"}},
		{"show without op", "SHOW OF x", 6, []string{"DEPS", "IMPACT", "CYCLES"}},
		{"deps without of", "SHOW DEPS x", 11, []string{"OF"}},
		{"path without to", "PATH FROM a", 12, []string{"TO"}},
		{"unterminated string", "FIND 'abc", 6, []string{"closing '"}},
		{"malformed number", "SELECT * FROM nodes LIMIT 1x", 27, []string{"number"}},
		{"fractional depth", "SHOW DEPS OF a DEPTH 1.5", 22, []string{"whole number"}},
		{"trailing tokens", "SHOW CYCLES extra", 13, []string{"end of query"}},
		{"missing operator", "SELECT * FROM nodes WHERE name", 31, []string{"comparison operator", "LIKE", "IN"}},
		{"like needs string", "SELECT * FROM nodes WHERE name LIKE x", 37, []string{"pattern string"}},
		{"unclosed paren", "SELECT * FROM nodes WHERE (name = a", 36, []string{"')'"}},
		{"bad character", "SELECT # FROM nodes", 8, []string{"a token"}},
		{"param without value", "ANALYZE stats WITH limit", 25, []string{"'='"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.query)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse))

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.pos, pe.Pos, pe.Error())
			assert.Equal(t, tt.expected, pe.Expected)
		})
	}
}

func TestParse_NoSemanticChecks(t *testing.T) {
	// Unknown kinds and fields are accepted here and rejected by the planner.
	_, err := Parse("SELECT colour FROM widgets WHERE size > 3")
	assert.NoError(t, err)
	_, err = Parse("ANALYZE nonsense")
	assert.NoError(t, err)
}

func TestLex_Strings(t *testing.T) {
	toks, err := lex(`'it''s' "a\"b" 'x\\y'`)
	require.NoError(t, err)
	require.Len(t, toks, 4)
	assert.Equal(t, "it's", toks[0].Text)
	assert.Equal(t, `a"b`, toks[1].Text)
	assert.Equal(t, `x\y`, toks[2].Text)
	assert.Equal(t, TokEOF, toks[3].Kind)
}
