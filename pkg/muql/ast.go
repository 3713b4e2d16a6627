package muql

import (
	"strconv"
	"strings"
)

// Statement is a parsed MUQL statement. The set of statements is closed:
// *SelectStmt, *ShowStmt, *FindStmt, *PathStmt and *AnalyzeStmt.
type Statement interface {
	Kind() StatementKind
	statement()
}

// StatementKind names a statement form.
type StatementKind uint8

const (
	StmtSelect StatementKind = iota
	StmtShow
	StmtFind
	StmtPath
	StmtAnalyze
)

func (k StatementKind) String() string {
	switch k {
	case StmtSelect:
		return "select"
	case StmtShow:
		return "show"
	case StmtFind:
		return "find"
	case StmtPath:
		return "path"
	case StmtAnalyze:
		return "analyze"
	}
	return "unknown"
}

// NoLimit marks an absent LIMIT clause.
const NoLimit = -1

// NoBound marks an absent DEPTH or MAX-HOPS clause.
const NoBound = -1

// SelectStmt is SELECT fields FROM kind [WHERE expr] [ORDER BY f] [LIMIT n].
type SelectStmt struct {
	Fields  []string // nil for *
	From    string
	Where   Expr // nil when absent
	OrderBy *OrderBy
	Limit   int
}

// OrderBy is an ORDER BY clause.
type OrderBy struct {
	Field string
	Desc  bool
}

// ShowOp selects what SHOW computes.
type ShowOp uint8

const (
	ShowDeps ShowOp = iota
	ShowImpact
	ShowCycles
)

func (o ShowOp) String() string {
	switch o {
	case ShowDeps:
		return "deps"
	case ShowImpact:
		return "impact"
	case ShowCycles:
		return "cycles"
	}
	return "unknown"
}

// ShowStmt is SHOW {DEPS|IMPACT|CYCLES} [OF target] [DEPTH n] [VIA kinds].
type ShowStmt struct {
	Op     ShowOp
	Target string // empty for SHOW CYCLES over the whole graph
	Depth  int    // NoBound when absent
	Via    []string
}

// FindStmt is FIND [kind] pattern [IN scope] [LIMIT n], or
// FIND SIMILAR TO text [IN scope] [LIMIT n].
type FindStmt struct {
	NodeKind string
	Pattern  string
	Similar  bool
	Scope    string
	Limit    int
}

// PathStmt is PATH FROM a TO b [MAX-HOPS n] [VIA kinds].
type PathStmt struct {
	From    string
	To      string
	MaxHops int // NoBound when absent
	Via     []string
}

// AnalyzeStmt is ANALYZE name [WITH k=v, ...].
type AnalyzeStmt struct {
	Name   string
	Params []Param
}

// Param is one ANALYZE parameter.
type Param struct {
	Name  string
	Value Literal
}

func (*SelectStmt) Kind() StatementKind  { return StmtSelect }
func (*ShowStmt) Kind() StatementKind    { return StmtShow }
func (*FindStmt) Kind() StatementKind    { return StmtFind }
func (*PathStmt) Kind() StatementKind    { return StmtPath }
func (*AnalyzeStmt) Kind() StatementKind { return StmtAnalyze }

func (*SelectStmt) statement()  {}
func (*ShowStmt) statement()    {}
func (*FindStmt) statement()    {}
func (*PathStmt) statement()    {}
func (*AnalyzeStmt) statement() {}

// Expr is a WHERE predicate: *BinaryExpr, *NotExpr or *Comparison.
type Expr interface {
	String() string
	expr()
}

// LogicOp joins two predicates.
type LogicOp uint8

const (
	OpAnd LogicOp = iota
	OpOr
)

// BinaryExpr is X AND Y or X OR Y.
type BinaryExpr struct {
	Op          LogicOp
	Left, Right Expr
}

// NotExpr is NOT X.
type NotExpr struct {
	X Expr
}

// CmpOp is a comparison operator.
type CmpOp uint8

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
	CmpLike
	CmpIn
)

var cmpNames = [...]string{
	CmpEq: "=", CmpNe: "!=", CmpLt: "<", CmpLe: "<=", CmpGt: ">", CmpGe: ">=",
	CmpLike: "LIKE", CmpIn: "IN",
}

func (o CmpOp) String() string {
	if int(o) < len(cmpNames) {
		return cmpNames[o]
	}
	return "?"
}

// Comparison is field op value, field LIKE pattern or field IN (values).
type Comparison struct {
	Field  string
	Op     CmpOp
	Value  Literal   // unused for IN
	Values []Literal // IN only
}

func (*BinaryExpr) expr() {}
func (*NotExpr) expr()    {}
func (*Comparison) expr() {}

func (e *BinaryExpr) String() string {
	op := " AND "
	if e.Op == OpOr {
		op = " OR "
	}
	return "(" + e.Left.String() + op + e.Right.String() + ")"
}

func (e *NotExpr) String() string { return "NOT " + e.X.String() }

func (e *Comparison) String() string {
	if e.Op == CmpIn {
		parts := make([]string, len(e.Values))
		for i, v := range e.Values {
			parts[i] = v.String()
		}
		return e.Field + " IN (" + strings.Join(parts, ", ") + ")"
	}
	return e.Field + " " + e.Op.String() + " " + e.Value.String()
}

// LiteralKind tells string, number and bare word literals apart.
type LiteralKind uint8

const (
	LitString LiteralKind = iota
	LitNumber
	LitIdent
)

// Literal is a constant in a predicate or parameter.
type Literal struct {
	Kind LiteralKind
	Text string
	Num  float64 // LitNumber only
}

func (l Literal) String() string {
	if l.Kind == LitString {
		return strconv.Quote(l.Text)
	}
	return l.Text
}
