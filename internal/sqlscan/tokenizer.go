// Package sqlscan extracts the structural facts policy evaluation
// needs from a SQL string: statement kind, referenced tables and
// columns, and row-limit presence. It is a tokenizing analyzer, not a
// grammar; over-approximating the referenced columns is deliberate
// (more candidates can only tighten the PII policy, never loosen it).
package sqlscan

import (
	"fmt"
	"strings"
	"unicode"
)

// Kind classifies a scanned token.
type Kind int

const (
	KindIdent Kind = iota
	KindNumber
	KindString
	KindPunct
)

// Token is one scanned SQL token.
type Token struct {
	Kind Kind
	// Text is the token text; identifiers are lowercased, quoted
	// identifiers are unwrapped first.
	Text string
	// Depth is the parenthesis nesting level at the token.
	Depth int
	// Pos is the byte offset of the token in the source string.
	Pos int
	// Quoted marks identifiers that were double-quoted in the source.
	Quoted bool
}

// ErrParse wraps scanner failures so callers can map them to a
// structured refusal.
type ErrParse struct {
	Pos int
	Msg string
}

func (e *ErrParse) Error() string {
	return fmt.Sprintf("sql parse error at offset %d: %s", e.Pos, e.Msg)
}

// Scan tokenizes a single SQL statement with comments stripped.
// A second top-level statement after a semicolon is an error; a single
// trailing semicolon is tolerated.
func Scan(query string) ([]Token, error) {
	var toks []Token
	depth := 0
	i := 0
	n := len(query)
	sawStatement := false
	for i < n {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && query[i+1] == '-':
			for i < n && query[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return nil, &ErrParse{Pos: i, Msg: "unterminated block comment"}
			}
			i += end + 4
		case c == '\'':
			start := i
			j := i + 1
			for {
				if j >= n {
					return nil, &ErrParse{Pos: i, Msg: "unterminated string literal"}
				}
				if query[j] == '\'' {
					if j+1 < n && query[j+1] == '\'' { // escaped quote
						j += 2
						continue
					}
					break
				}
				j++
			}
			toks = append(toks, Token{Kind: KindString, Text: query[i+1 : j], Depth: depth, Pos: start})
			i = j + 1
			sawStatement = true
		case c == '"':
			j := strings.IndexByte(query[i+1:], '"')
			if j < 0 {
				return nil, &ErrParse{Pos: i, Msg: "unterminated quoted identifier"}
			}
			toks = append(toks, Token{
				Kind: KindIdent, Text: strings.ToLower(query[i+1 : i+1+j]),
				Depth: depth, Pos: i, Quoted: true,
			})
			i += j + 2
			sawStatement = true
		case c == '(':
			toks = append(toks, Token{Kind: KindPunct, Text: "(", Depth: depth, Pos: i})
			depth++
			i++
		case c == ')':
			if depth == 0 {
				return nil, &ErrParse{Pos: i, Msg: "unbalanced closing parenthesis"}
			}
			depth--
			toks = append(toks, Token{Kind: KindPunct, Text: ")", Depth: depth, Pos: i})
			i++
		case c == ';':
			if depth != 0 {
				return nil, &ErrParse{Pos: i, Msg: "semicolon inside parentheses"}
			}
			// Only trailing whitespace/comments may follow.
			rest := strings.TrimSpace(stripTrailing(query[i+1:]))
			if rest != "" {
				return nil, &ErrParse{Pos: i, Msg: "multiple statements not permitted"}
			}
			i = n
		case isIdentStart(rune(c)):
			j := i + 1
			for j < n && isIdentPart(rune(query[j])) {
				j++
			}
			toks = append(toks, Token{Kind: KindIdent, Text: strings.ToLower(query[i:j]), Depth: depth, Pos: i})
			i = j
			sawStatement = true
		case c >= '0' && c <= '9':
			j := i + 1
			for j < n && (query[j] >= '0' && query[j] <= '9' || query[j] == '.') {
				j++
			}
			toks = append(toks, Token{Kind: KindNumber, Text: query[i:j], Depth: depth, Pos: i})
			i = j
			sawStatement = true
		default:
			toks = append(toks, Token{Kind: KindPunct, Text: string(c), Depth: depth, Pos: i})
			i++
			sawStatement = true
		}
	}
	if depth != 0 {
		return nil, &ErrParse{Pos: n, Msg: "unbalanced opening parenthesis"}
	}
	if !sawStatement || len(toks) == 0 {
		return nil, &ErrParse{Pos: 0, Msg: "empty statement"}
	}
	return toks, nil
}

// stripTrailing removes line comments from a trailing fragment so a
// query ending in ";  -- done" still counts as one statement.
func stripTrailing(s string) string {
	if idx := strings.Index(s, "--"); idx >= 0 {
		return s[:idx]
	}
	return s
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
