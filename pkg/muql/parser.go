package muql

import (
	"strconv"
	"strings"
)

// Parse parses one MUQL statement. Keywords are case-insensitive; a
// trailing ';' is allowed. Parse does no semantic checking: unknown kinds,
// fields and analyses are the planner's concern.
func Parse(query string) (Statement, error) {
	toks, err := lex(query)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	stmt, err := p.statement()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind == TokSemicolon {
		p.next()
	}
	if t := p.peek(); t.Kind != TokEOF {
		return nil, p.fail(t, "end of query")
	}
	return stmt, nil
}

type parser struct {
	toks []Token
	pos  int
}

func (p *parser) peek() Token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) Token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() Token {
	t := p.toks[p.pos]
	if t.Kind != TokEOF {
		p.pos++
	}
	return t
}

func (p *parser) fail(t Token, expected ...string) *ParseError {
	return &ParseError{Pos: t.Pos, Found: t.describe(), Expected: expected}
}

// accept consumes the keyword kw if it is next.
func (p *parser) accept(kw string) bool {
	if p.peek().is(kw) {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(kw string) error {
	if !p.accept(kw) {
		return p.fail(p.peek(), strings.ToUpper(kw))
	}
	return nil
}

func (p *parser) statement() (Statement, error) {
	t := p.peek()
	switch {
	case t.is("select"):
		return p.selectStmt()
	case t.is("show"):
		return p.showStmt()
	case t.is("find"):
		return p.findStmt()
	case t.is("path"):
		return p.pathStmt()
	case t.is("analyze"):
		return p.analyzeStmt()
	}
	return nil, p.fail(t, "SELECT", "SHOW", "FIND", "PATH", "ANALYZE")
}

func (p *parser) selectStmt() (Statement, error) {
	p.next()
	s := &SelectStmt{Limit: NoLimit}

	if p.peek().Kind == TokStar {
		p.next()
	} else {
		for {
			f, err := p.ident("field name or '*'")
			if err != nil {
				return nil, err
			}
			s.Fields = append(s.Fields, f)
			if p.peek().Kind != TokComma {
				break
			}
			p.next()
		}
	}

	if err := p.expect("from"); err != nil {
		return nil, err
	}
	from, err := p.ident("node kind")
	if err != nil {
		return nil, err
	}
	s.From = from

	if p.accept("where") {
		if s.Where, err = p.orExpr(); err != nil {
			return nil, err
		}
	}
	if p.accept("order") {
		if err := p.expect("by"); err != nil {
			return nil, err
		}
		field, err := p.ident("field name")
		if err != nil {
			return nil, err
		}
		s.OrderBy = &OrderBy{Field: field}
		if p.accept("desc") {
			s.OrderBy.Desc = true
		} else {
			p.accept("asc")
		}
	}
	if p.accept("limit") {
		if s.Limit, err = p.count(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (p *parser) showStmt() (Statement, error) {
	p.next()
	s := &ShowStmt{Depth: NoBound}
	t := p.next()
	switch {
	case t.is("deps") || t.is("dependencies"):
		s.Op = ShowDeps
	case t.is("impact"):
		s.Op = ShowImpact
	case t.is("cycles"):
		s.Op = ShowCycles
	default:
		return nil, p.fail(t, "DEPS", "IMPACT", "CYCLES")
	}

	var err error
	if s.Op == ShowCycles {
		if p.accept("of") {
			if s.Target, err = p.target(); err != nil {
				return nil, err
			}
		}
	} else {
		if err := p.expect("of"); err != nil {
			return nil, err
		}
		if s.Target, err = p.target(); err != nil {
			return nil, err
		}
		if p.accept("depth") {
			if s.Depth, err = p.count(); err != nil {
				return nil, err
			}
		}
	}
	if p.accept("via") {
		if s.Via, err = p.identList("edge kind"); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (p *parser) findStmt() (Statement, error) {
	p.next()
	s := &FindStmt{Limit: NoLimit}
	var err error

	switch t := p.peek(); {
	case t.is("similar") && p.peekAt(1).is("to"):
		p.next()
		p.next()
		s.Similar = true
		if s.Pattern, err = p.str("search text"); err != nil {
			return nil, err
		}
	case t.Kind == TokIdent && isPatternToken(p.peekAt(1)):
		s.NodeKind = p.next().Text
		s.Pattern = p.next().Text
	case t.Kind == TokIdent || t.Kind == TokString:
		s.Pattern = p.next().Text
	default:
		return nil, p.fail(t, "pattern")
	}

	if p.accept("in") {
		if s.Scope, err = p.target(); err != nil {
			return nil, err
		}
	}
	if p.accept("limit") {
		if s.Limit, err = p.count(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// isPatternToken reports whether t can follow a node kind in FIND, which
// tells "FIND functions parse" apart from "FIND parse IN x".
func isPatternToken(t Token) bool {
	switch {
	case t.Kind == TokString:
		return true
	case t.Kind == TokIdent:
		return !t.is("in") && !t.is("limit")
	}
	return false
}

func (p *parser) pathStmt() (Statement, error) {
	p.next()
	s := &PathStmt{MaxHops: NoBound}
	var err error
	if err = p.expect("from"); err != nil {
		return nil, err
	}
	if s.From, err = p.target(); err != nil {
		return nil, err
	}
	if err = p.expect("to"); err != nil {
		return nil, err
	}
	if s.To, err = p.target(); err != nil {
		return nil, err
	}
	if p.accept("max-hops") || p.accept("max_hops") {
		if s.MaxHops, err = p.count(); err != nil {
			return nil, err
		}
	}
	if p.accept("via") {
		if s.Via, err = p.identList("edge kind"); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (p *parser) analyzeStmt() (Statement, error) {
	p.next()
	s := &AnalyzeStmt{}
	var err error
	if s.Name, err = p.ident("analysis name"); err != nil {
		return nil, err
	}
	if !p.accept("with") {
		return s, nil
	}
	for {
		name, err := p.ident("parameter name")
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.Kind != TokOp || t.Text != "=" {
			return nil, p.fail(t, "'='")
		}
		val, err := p.literal()
		if err != nil {
			return nil, err
		}
		s.Params = append(s.Params, Param{Name: name, Value: val})
		if p.peek().Kind != TokComma {
			return s, nil
		}
		p.next()
	}
}

// Predicates: OR binds loosest, then AND, then NOT.

func (p *parser) orExpr() (Expr, error) {
	left, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	for p.accept("or") {
		right, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) andExpr() (Expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.accept("and") {
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) unary() (Expr, error) {
	if p.accept("not") {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &NotExpr{X: x}, nil
	}
	if p.peek().Kind == TokLParen {
		p.next()
		x, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.Kind != TokRParen {
			return nil, p.fail(t, "')'")
		}
		return x, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (Expr, error) {
	field, err := p.ident("field name")
	if err != nil {
		return nil, err
	}
	c := &Comparison{Field: field}

	t := p.next()
	switch {
	case t.Kind == TokOp:
		c.Op = map[string]CmpOp{"=": CmpEq, "!=": CmpNe, "<>": CmpNe, "<": CmpLt, "<=": CmpLe, ">": CmpGt, ">=": CmpGe}[t.Text]
		if c.Value, err = p.literal(); err != nil {
			return nil, err
		}
	case t.is("like"):
		c.Op = CmpLike
		s, err := p.str("pattern string")
		if err != nil {
			return nil, err
		}
		c.Value = Literal{Kind: LitString, Text: s}
	case t.is("in"):
		c.Op = CmpIn
		if open := p.next(); open.Kind != TokLParen {
			return nil, p.fail(open, "'('")
		}
		for {
			v, err := p.literal()
			if err != nil {
				return nil, err
			}
			c.Values = append(c.Values, v)
			sep := p.next()
			if sep.Kind == TokRParen {
				break
			}
			if sep.Kind != TokComma {
				return nil, p.fail(sep, "','", "')'")
			}
		}
	default:
		return nil, p.fail(t, "comparison operator", "LIKE", "IN")
	}
	return c, nil
}

// Terminals.

func (p *parser) ident(what string) (string, error) {
	t := p.peek()
	if t.Kind != TokIdent {
		return "", p.fail(t, what)
	}
	p.next()
	return t.Text, nil
}

func (p *parser) identList(what string) ([]string, error) {
	var out []string
	for {
		s, err := p.ident(what)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		if p.peek().Kind != TokComma {
			return out, nil
		}
		p.next()
	}
}

func (p *parser) str(what string) (string, error) {
	t := p.peek()
	if t.Kind != TokString {
		return "", p.fail(t, what)
	}
	p.next()
	return t.Text, nil
}

// target is a node id, quoted or bare.
func (p *parser) target() (string, error) {
	t := p.peek()
	if t.Kind != TokString && t.Kind != TokIdent {
		return "", p.fail(t, "node id")
	}
	p.next()
	return t.Text, nil
}

// count is a non-negative integer argument.
func (p *parser) count() (int, error) {
	t := p.peek()
	if t.Kind != TokNumber {
		return 0, p.fail(t, "number")
	}
	n, err := strconv.Atoi(t.Text)
	if err != nil {
		return 0, &ParseError{Pos: t.Pos, Found: t.Text, Expected: []string{"whole number"}}
	}
	p.next()
	return n, nil
}

func (p *parser) literal() (Literal, error) {
	t := p.next()
	switch t.Kind {
	case TokString:
		return Literal{Kind: LitString, Text: t.Text}, nil
	case TokIdent:
		return Literal{Kind: LitIdent, Text: t.Text}, nil
	case TokNumber:
		f, err := strconv.ParseFloat(t.Text, 64)
		if err != nil {
			return Literal{}, &ParseError{Pos: t.Pos, Found: t.Text, Expected: []string{"number"}}
		}
		return Literal{Kind: LitNumber, Text: t.Text, Num: f}, nil
	}
	return Literal{}, p.fail(t, "string", "number", "identifier")
}
