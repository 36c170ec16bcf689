package tenant

import (
	"strings"

	"github.com/syssam/prism"
)

type tokKind uint8

const (
	tokWord tokKind = iota
	tokString
	tokQuotedIdent
	tokParam
	tokOpen
	tokClose
	tokComma
	tokOther
)

// token is a lexical unit of a statement. Positions are byte offsets.
type token struct {
	kind  tokKind
	pos   int
	end   int
	depth int
	// upper holds the upper-cased text of words.
	upper string
}

// lex splits sql into tokens, skipping whitespace and comments. Parentheses
// carry the depth outside of them.
func lex(sql string) []token {
	var (
		toks  []token
		depth int
		n     = len(sql)
	)
	for i := 0; i < n; {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < n && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return toks
			}
			i += end + 1
		case c == '/' && i+1 < n && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return toks
			}
			i += end + 4
		case c == '\'':
			end := closeQuote(sql, i, '\'')
			toks = append(toks, token{kind: tokString, pos: i, end: end, depth: depth})
			i = end
		case c == '"' || c == '`' || c == '[':
			closer := c
			if c == '[' {
				closer = ']'
			}
			end := closeQuote(sql, i, closer)
			toks = append(toks, token{kind: tokQuotedIdent, pos: i, end: end, depth: depth})
			i = end
		case c == '(':
			toks = append(toks, token{kind: tokOpen, pos: i, end: i + 1, depth: depth})
			depth++
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			toks = append(toks, token{kind: tokClose, pos: i, end: i + 1, depth: depth})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, pos: i, end: i + 1, depth: depth})
			i++
		case c == '?':
			toks = append(toks, token{kind: tokParam, pos: i, end: i + 1, depth: depth})
			i++
		case c == '$' && i+1 < n && isDigit(sql[i+1]):
			j := digits(sql, i+1)
			toks = append(toks, token{kind: tokParam, pos: i, end: j, depth: depth})
			i = j
		case c == '@' && i+2 < n && sql[i+1] == 'P' && isDigit(sql[i+2]):
			j := digits(sql, i+2)
			toks = append(toks, token{kind: tokParam, pos: i, end: j, depth: depth})
			i = j
		case isDigit(c):
			j := i + 1
			for j < n && (isDigit(sql[j]) || sql[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokWord, pos: i, end: j, depth: depth, upper: sql[i:j]})
			i = j
		case isWordStart(c):
			j := i + 1
			for j < n && isWordPart(sql[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, pos: i, end: j, depth: depth, upper: strings.ToUpper(sql[i:j])})
			i = j
		default:
			toks = append(toks, token{kind: tokOther, pos: i, end: i + 1, depth: depth})
			i++
		}
	}
	return toks
}

func closeQuote(s string, i int, closer byte) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] != closer {
			continue
		}
		if j+1 < len(s) && s[j+1] == closer {
			j++
			continue
		}
		return j + 1
	}
	return len(s)
}

func digits(s string, i int) int {
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return i
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '.'
}

// clauseStart reports whether toks[i] starts a clause that follows WHERE.
func clauseStart(toks []token, i int) bool {
	t := toks[i]
	if t.kind != tokWord || t.depth != 0 {
		return false
	}
	switch t.upper {
	case "GROUP", "ORDER":
		return i+1 < len(toks) && toks[i+1].upper == "BY"
	case "LIMIT", "OFFSET", "FETCH", "RETURNING", "FOR", "HAVING", "WINDOW", "OPTION",
		"UNION", "INTERSECT", "EXCEPT":
		return true
	}
	return false
}

// find returns the index of the first depth-0 word w at or after from, or -1.
func find(toks []token, from int, w string) int {
	for i := from; i < len(toks); i++ {
		if toks[i].kind == tokWord && toks[i].depth == 0 && toks[i].upper == w {
			return i
		}
	}
	return -1
}

// unquoteIdent strips identifier quotes and a schema qualifier.
func unquoteIdent(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) >= 2 {
		switch s[0] {
		case '"', '`', '[':
			s = s[1 : len(s)-1]
		}
	}
	return s
}

// unquoteString decodes a single-quoted SQL string literal.
func unquoteString(s string) string {
	if len(s) < 2 {
		return s
	}
	return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
}

// tableAt returns the table name starting at toks[i], joining qualified
// parts, and the index of the token after it.
func tableAt(sql string, toks []token, i int) (string, int) {
	if i >= len(toks) {
		return "", i
	}
	start, j := toks[i].pos, i
	for j < len(toks) {
		t := toks[j]
		ok := t.kind == tokWord || t.kind == tokQuotedIdent || t.kind == tokOther && sql[t.pos] == '.'
		if !ok || j > i && toks[j-1].end != t.pos {
			break
		}
		j++
	}
	if j == i {
		return "", i
	}
	return unquoteIdent(sql[start:toks[j-1].end]), j
}

// tableRef is one table reference of a FROM clause.
type tableRef struct {
	// name is the unqualified table name, empty for a derived table.
	name string
	// ref qualifies the columns of the table: its alias, or its name as
	// written.
	ref string
	// on is the index of the ON keyword of a joined table, or -1. onEnd
	// is the byte offset ending its condition and onOr reports a
	// top-level OR in it.
	on    int
	onEnd int
	onOr  bool
	// open and close are the parentheses of a derived table, or -1.
	open, close int
}

var joinWords = map[string]bool{
	"JOIN": true, "LEFT": true, "RIGHT": true, "INNER": true,
	"FULL": true, "CROSS": true, "OUTER": true, "NATURAL": true,
}

// notAlias lists the words that may follow a table reference.
var notAlias = map[string]bool{
	"ON": true, "USING": true, "WHERE": true, "WITH": true, "SET": true,
	"GROUP": true, "ORDER": true, "LIMIT": true, "OFFSET": true, "FETCH": true,
	"RETURNING": true, "FOR": true, "HAVING": true, "WINDOW": true, "OPTION": true,
	"UNION": true, "INTERSECT": true, "EXCEPT": true,
}

// fromClause parses the table references of the FROM clause whose first
// token is toks[i].
func fromClause(sql string, toks []token, i int) ([]tableRef, error) {
	var refs []tableRef
	for i < len(toks) {
		ref := tableRef{on: -1, open: -1, close: -1}
		if toks[i].kind == tokOpen {
			j := closing(toks, i)
			if j < 0 {
				return nil, prism.New(prism.InvalidParameter, "tenant: unbalanced parentheses in FROM clause")
			}
			ref.open, ref.close = i, j
			i = j + 1
		} else {
			start := i
			ref.name, i = tableAt(sql, toks, i)
			if ref.name == "" {
				return refs, nil
			}
			ref.ref = sql[toks[start].pos:toks[i-1].end]
		}
		if i < len(toks) && toks[i].kind == tokWord && toks[i].upper == "AS" {
			i++
		}
		if i < len(toks) && (toks[i].kind == tokQuotedIdent ||
			toks[i].kind == tokWord && !joinWords[toks[i].upper] && !notAlias[toks[i].upper]) {
			ref.ref = sql[toks[i].pos:toks[i].end]
			i++
		}
		next, stop := false, len(toks)
		for ; i < len(toks); i++ {
			t := toks[i]
			if t.depth != 0 {
				continue
			}
			if t.kind == tokComma {
				stop, next = i, true
				i++
				break
			}
			if t.kind != tokWord {
				continue
			}
			if t.upper == "WHERE" || clauseStart(toks, i) {
				stop = i
				break
			}
			if joinWords[t.upper] {
				stop, next = i, true
				for i < len(toks) && toks[i].kind == tokWord && joinWords[toks[i].upper] {
					i++
				}
				break
			}
			if t.upper == "ON" && ref.on < 0 {
				ref.on = i
			} else if ref.on >= 0 && t.upper == "OR" {
				ref.onOr = true
			}
		}
		if ref.on >= 0 {
			ref.onEnd = len(sql)
			if stop < len(toks) {
				ref.onEnd = len(strings.TrimRight(sql[:toks[stop].pos], " \t\r\n"))
			}
		}
		refs = append(refs, ref)
		if !next {
			break
		}
	}
	return refs, nil
}

// closing returns the index of the parenthesis closing toks[i], or -1.
func closing(toks []token, i int) int {
	for j := i + 1; j < len(toks); j++ {
		if toks[j].kind == tokClose && toks[j].depth == toks[i].depth {
			return j
		}
	}
	return -1
}
