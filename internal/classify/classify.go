// Package classify lexically classifies SQL text into a statement kind,
// target table, and top-level-WHERE presence. It is a scanner, not a parser:
// it tracks string literals, quoted identifiers, dollar quoting, comments,
// and parenthesis depth well enough to make a conservative safety decision,
// and resolves ambiguity (unterminated quoting, unrecognized syntax) toward
// the more restrictive answer.
package classify

import "strings"

// Kind is the statement kind derived from the leading keyword.
type Kind int

const (
	KindOther Kind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindDrop
	KindTruncate
)

// String returns the SQL keyword for the kind, or "OTHER".
func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "SELECT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	case KindDrop:
		return "DROP"
	case KindTruncate:
		return "TRUNCATE"
	default:
		return "OTHER"
	}
}

// Destructive reports whether the kind can modify or remove data.
func (k Kind) Destructive() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindDrop, KindTruncate:
		return true
	}
	return false
}

// Classification is the result of classifying one statement. Table is the
// target table when one could be extracted: unquoted identifiers are
// lowercased, double-quoted identifiers keep their case, qualified names are
// joined with dots. HasWhere is only meaningful for UPDATE and DELETE.
type Classification struct {
	Kind     Kind
	Table    string
	HasWhere bool
}

// Classify classifies a single SQL statement.
func Classify(sql string) Classification {
	sc := newScanner(sql)
	word, _, ok := sc.word()
	if !ok {
		return Classification{Kind: KindOther}
	}

	// A WITH prefix can wrap any DML statement; scan past the CTE list
	// (parenthesized at top level) for the wrapped verb so a destructive
	// statement cannot hide behind a CTE.
	if strings.EqualFold(word, "WITH") {
		for {
			w, quoted, ok := sc.word()
			if !ok {
				return Classification{Kind: KindOther}
			}
			if !quoted && sc.depth == 0 && keywordKind(w) != KindOther {
				word = w
				break
			}
		}
	}

	kind := keywordKind(word)
	c := Classification{Kind: kind}
	if kind == KindOther {
		return c
	}

	c.Table = targetTable(sc, kind)
	if kind == KindUpdate || kind == KindDelete {
		_, c.HasWhere = WhereClause(sql)
	}
	return c
}

// WhereClause returns the literal text following the first top-level WHERE
// keyword, and whether one was found. The returned clause runs to the end of
// the statement; trailing modifiers are the caller's concern.
func WhereClause(sql string) (string, bool) {
	idx, end := TopLevelKeyword(sql, "WHERE")
	if idx < 0 {
		return "", false
	}
	return sql[end:], true
}

// TopLevelKeyword scans for the first occurrence of keyword outside string
// literals, quoted identifiers, comments, and parentheses. It returns the
// byte index where the keyword starts and the index just past it, or (-1, -1)
// when absent or when the scan dies inside unterminated quoting. Absence and
// ambiguity look the same to callers.
func TopLevelKeyword(sql, keyword string) (int, int) {
	sc := newScanner(sql)
	for {
		w, quoted, ok := sc.word()
		if !ok {
			return -1, -1
		}
		if !quoted && sc.depth == 0 && strings.EqualFold(w, keyword) {
			return sc.pos - len(w), sc.pos
		}
	}
}

func keywordKind(word string) Kind {
	switch strings.ToUpper(word) {
	case "SELECT":
		return KindSelect
	case "INSERT":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	case "DROP":
		return KindDrop
	case "TRUNCATE":
		return KindTruncate
	default:
		return KindOther
	}
}

// targetTable reads the target table name given that the scanner sits just
// past the statement keyword.
func targetTable(sc *scanner, kind Kind) string {
	switch kind {
	case KindSelect, KindDelete:
		// Scan to the top-level FROM. SELECT lists can be arbitrarily long;
		// DELETE has FROM immediately (possibly after comments).
		for {
			w, quoted, ok := sc.word()
			if !ok {
				return ""
			}
			if !quoted && sc.depth == 0 && strings.EqualFold(w, "FROM") {
				break
			}
		}
		sc.skipKeywords("ONLY")
		return sc.qualifiedName()
	case KindInsert:
		if !sc.acceptKeyword("INTO") {
			return ""
		}
		return sc.qualifiedName()
	case KindUpdate:
		sc.skipKeywords("ONLY")
		return sc.qualifiedName()
	case KindTruncate:
		sc.skipKeywords("TABLE", "ONLY")
		return sc.qualifiedName()
	case KindDrop:
		// DROP <object-type> [IF EXISTS] name. Only table-like objects have
		// a meaningful target for honeytoken matching.
		w, _, ok := sc.word()
		if !ok {
			return ""
		}
		switch strings.ToUpper(w) {
		case "TABLE", "VIEW", "SEQUENCE", "INDEX":
			sc.skipKeywords("IF", "EXISTS", "CONCURRENTLY")
			return sc.qualifiedName()
		case "MATERIALIZED":
			sc.skipKeywords("VIEW", "IF", "EXISTS")
			return sc.qualifiedName()
		}
		return ""
	}
	return ""
}

// scanner walks SQL text skipping comments and quoted regions, yielding
// word tokens and tracking top-level parenthesis depth.
type scanner struct {
	s     string
	pos   int
	depth int
}

func newScanner(s string) *scanner {
	return &scanner{s: s}
}

// word returns the next identifier-like token, skipping whitespace, comments,
// string literals, parameters, and operators. quoted is true for
// double-quoted identifiers (returned unquoted, case preserved). ok is false
// at end of input or inside unterminated quoting.
func (sc *scanner) word() (text string, quoted bool, ok bool) {
	for sc.pos < len(sc.s) {
		c := sc.s[sc.pos]
		switch {
		case c == '\'':
			if !sc.skipString() {
				return "", false, false
			}
		case c == '"':
			ident, closed := sc.readQuotedIdent()
			if !closed {
				return "", false, false
			}
			return ident, true, true
		case c == '-' && sc.peek(1) == '-':
			sc.skipLineComment()
		case c == '/' && sc.peek(1) == '*':
			if !sc.skipBlockComment() {
				return "", false, false
			}
		case c == '$':
			if !sc.skipDollarQuoted() {
				return "", false, false
			}
		case c == '(':
			sc.depth++
			sc.pos++
		case c == ')':
			if sc.depth > 0 {
				sc.depth--
			}
			sc.pos++
		case isIdentStart(c):
			start := sc.pos
			for sc.pos < len(sc.s) && isIdentChar(sc.s[sc.pos]) {
				sc.pos++
			}
			w := sc.s[start:sc.pos]
			// E'...' and B'...' prefixed literals: the letter belongs to the
			// string, not the token stream.
			if len(w) == 1 && sc.pos < len(sc.s) && sc.s[sc.pos] == '\'' {
				switch w[0] {
				case 'e', 'E':
					if !sc.skipEscapeString() {
						return "", false, false
					}
					continue
				case 'b', 'B', 'x', 'X':
					if !sc.skipString() {
						return "", false, false
					}
					continue
				}
			}
			return w, false, true
		default:
			sc.pos++
		}
	}
	return "", false, false
}

// qualifiedName reads a possibly schema-qualified identifier chain starting
// at the next word token. Unquoted parts are lowercased.
func (sc *scanner) qualifiedName() string {
	w, quoted, ok := sc.word()
	if !ok {
		return ""
	}
	part := w
	if !quoted {
		part = strings.ToLower(part)
	}
	name := part
	for sc.pos < len(sc.s) && sc.s[sc.pos] == '.' {
		sc.pos++
		w, quoted, ok = sc.word()
		if !ok {
			break
		}
		part = w
		if !quoted {
			part = strings.ToLower(part)
		}
		name += "." + part
	}
	return name
}

// acceptKeyword consumes the next word if it matches (case-insensitive).
func (sc *scanner) acceptKeyword(kw string) bool {
	save := *sc
	w, quoted, ok := sc.word()
	if ok && !quoted && strings.EqualFold(w, kw) {
		return true
	}
	*sc = save
	return false
}

// skipKeywords consumes any run of the given keywords in any order.
func (sc *scanner) skipKeywords(kws ...string) {
	for {
		matched := false
		for _, kw := range kws {
			if sc.acceptKeyword(kw) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
	}
}

func (sc *scanner) peek(n int) byte {
	if sc.pos+n < len(sc.s) {
		return sc.s[sc.pos+n]
	}
	return 0
}

// skipString consumes a standard '...' literal ('' escapes a quote).
func (sc *scanner) skipString() bool {
	sc.pos++ // opening quote
	for sc.pos < len(sc.s) {
		if sc.s[sc.pos] == '\'' {
			if sc.peek(1) == '\'' {
				sc.pos += 2
				continue
			}
			sc.pos++
			return true
		}
		sc.pos++
	}
	return false
}

// skipEscapeString consumes an E'...' literal where backslash escapes the
// next character.
func (sc *scanner) skipEscapeString() bool {
	sc.pos++ // opening quote
	for sc.pos < len(sc.s) {
		switch sc.s[sc.pos] {
		case '\\':
			sc.pos += 2
		case '\'':
			if sc.peek(1) == '\'' {
				sc.pos += 2
				continue
			}
			sc.pos++
			return true
		default:
			sc.pos++
		}
	}
	return false
}

// readQuotedIdent consumes a "..." identifier ("" escapes a quote) and
// returns its unquoted text with case preserved.
func (sc *scanner) readQuotedIdent() (string, bool) {
	sc.pos++ // opening quote
	var b strings.Builder
	for sc.pos < len(sc.s) {
		if sc.s[sc.pos] == '"' {
			if sc.peek(1) == '"' {
				b.WriteByte('"')
				sc.pos += 2
				continue
			}
			sc.pos++
			return b.String(), true
		}
		b.WriteByte(sc.s[sc.pos])
		sc.pos++
	}
	return "", false
}

func (sc *scanner) skipLineComment() {
	for sc.pos < len(sc.s) && sc.s[sc.pos] != '\n' {
		sc.pos++
	}
}

// skipBlockComment consumes a /* ... */ comment; PostgreSQL block comments
// nest.
func (sc *scanner) skipBlockComment() bool {
	sc.pos += 2
	depth := 1
	for sc.pos < len(sc.s) {
		if sc.s[sc.pos] == '/' && sc.peek(1) == '*' {
			depth++
			sc.pos += 2
			continue
		}
		if sc.s[sc.pos] == '*' && sc.peek(1) == '/' {
			depth--
			sc.pos += 2
			if depth == 0 {
				return true
			}
			continue
		}
		sc.pos++
	}
	return false
}

// skipDollarQuoted consumes a $tag$...$tag$ literal. A bare '$' that does
// not open a dollar quote (e.g. a $1 parameter) is consumed as-is.
func (sc *scanner) skipDollarQuoted() bool {
	i := sc.pos + 1
	if i < len(sc.s) && sc.s[i] >= '0' && sc.s[i] <= '9' {
		sc.pos++ // positional parameter like $1
		return true
	}
	for i < len(sc.s) && sc.s[i] != '$' && isIdentChar(sc.s[i]) {
		i++
	}
	if i >= len(sc.s) || sc.s[i] != '$' {
		sc.pos++
		return true
	}
	tag := sc.s[sc.pos : i+1]
	end := strings.Index(sc.s[i+1:], tag)
	if end < 0 {
		return false
	}
	sc.pos = i + 1 + end + len(tag)
	return true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '$'
}
