package muql

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenKind classifies a token.
type TokenKind uint8

const (
	TokEOF TokenKind = iota
	TokIdent
	TokString
	TokNumber
	TokStar
	TokComma
	TokLParen
	TokRParen
	TokOp // = != <> < <= > >=
	TokSemicolon
)

func (k TokenKind) String() string {
	switch k {
	case TokEOF:
		return "end of query"
	case TokIdent:
		return "identifier"
	case TokString:
		return "string"
	case TokNumber:
		return "number"
	case TokStar:
		return "'*'"
	case TokComma:
		return "','"
	case TokLParen:
		return "'('"
	case TokRParen:
		return "')'"
	case TokOp:
		return "operator"
	case TokSemicolon:
		return "';'"
	}
	return "unknown"
}

// Token is one lexeme. Pos is the 1-based byte offset of its first
// character; Text is the unquoted value for strings.
type Token struct {
	Kind TokenKind
	Text string
	Pos  int
}

// is reports whether t is the keyword kw (case-insensitive).
func (t Token) is(kw string) bool {
	return t.Kind == TokIdent && strings.EqualFold(t.Text, kw)
}

func (t Token) describe() string {
	switch t.Kind {
	case TokEOF:
		return "end of query"
	case TokString:
		return "'" + t.Text + "'"
	default:
		return t.Text
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	switch r {
	case '_', '.', ':', '/', '-':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// lex splits q into tokens. The only lexical errors are an unterminated
// string, a malformed number and a character that starts no token.
func lex(q string) ([]Token, error) {
	var toks []Token
	i := 0
	for i < len(q) {
		r, size := utf8.DecodeRuneInString(q[i:])
		start := i
		switch {
		case unicode.IsSpace(r):
			i += size

		case r == '\'' || r == '"':
			text, end, ok := scanString(q, i)
			if !ok {
				return nil, &ParseError{Pos: start + 1, Found: "unterminated string", Expected: []string{"closing " + string(r)}}
			}
			toks = append(toks, Token{Kind: TokString, Text: text, Pos: start + 1})
			i = end

		case unicode.IsDigit(r):
			j := i
			for j < len(q) {
				c, n := utf8.DecodeRuneInString(q[j:])
				if !isIdentPart(c) {
					break
				}
				j += n
			}
			text := q[i:j]
			if !isNumber(text) {
				return nil, &ParseError{Pos: start + 1, Found: text, Expected: []string{"number"}}
			}
			toks = append(toks, Token{Kind: TokNumber, Text: text, Pos: start + 1})
			i = j

		case isIdentStart(r):
			j := i + size
			for j < len(q) {
				c, n := utf8.DecodeRuneInString(q[j:])
				if !isIdentPart(c) {
					break
				}
				j += n
			}
			toks = append(toks, Token{Kind: TokIdent, Text: q[i:j], Pos: start + 1})
			i = j

		default:
			kind, width := punct(q[i:])
			if width == 0 {
				return nil, &ParseError{Pos: start + 1, Found: string(r), Expected: []string{"a token"}}
			}
			toks = append(toks, Token{Kind: kind, Text: q[i : i+width], Pos: start + 1})
			i += width
		}
	}
	return append(toks, Token{Kind: TokEOF, Pos: len(q) + 1}), nil
}

func punct(s string) (TokenKind, int) {
	if len(s) >= 2 {
		switch s[:2] {
		case "!=", "<>", "<=", ">=":
			return TokOp, 2
		}
	}
	switch s[0] {
	case '*':
		return TokStar, 1
	case ',':
		return TokComma, 1
	case '(':
		return TokLParen, 1
	case ')':
		return TokRParen, 1
	case ';':
		return TokSemicolon, 1
	case '=', '<', '>':
		return TokOp, 1
	}
	return 0, 0
}

// scanString reads a quoted string starting at q[i]. A backslash escapes
// the next character; a doubled quote also stands for one quote.
func scanString(q string, i int) (text string, end int, ok bool) {
	quote := q[i]
	var b strings.Builder
	for j := i + 1; j < len(q); j++ {
		c := q[j]
		switch {
		case c == '\\' && j+1 < len(q):
			j++
			b.WriteByte(q[j])
		case c == quote:
			if j+1 < len(q) && q[j+1] == quote {
				b.WriteByte(quote)
				j++
				continue
			}
			return b.String(), j + 1, true
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, false
}

// isNumber accepts digits with at most one inner decimal point.
func isNumber(s string) bool {
	dot := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
		case c == '.' && !dot && i > 0 && i < len(s)-1:
			dot = true
		default:
			return false
		}
	}
	return s != ""
}
