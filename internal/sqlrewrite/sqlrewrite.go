// Package sqlrewrite implements DbMan's SQL statement classifier and
// table-name rewriter: deciding which statements are accepted, whether
// they may write, extracting the grammar-position table name, and
// substituting the sharded table name into a fresh buffer.
//
// Grounded on the original `halftwo/xgear` DbMan SQL scanner (see
// _examples/original_source/_INDEX.md for the C++ sources) reshaped into
// a small hand-rolled scanner over a byte slice, in the same
// hand-rolled-parser style the teacher uses for its own GraphQL query
// scanner (no parser-combinator or lexer-generator library is pulled in
// for either).
package sqlrewrite

import (
	"fmt"
	"strings"
)

// Verb is the classified leading keyword of a statement.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbSelect
	VerbInsert
	VerbReplace
	VerbUpdate
	VerbDelete
	VerbDesc
	VerbDescribe
	VerbExplainSelect
)

func (v Verb) String() string {
	switch v {
	case VerbSelect:
		return "select"
	case VerbInsert:
		return "insert"
	case VerbReplace:
		return "replace"
	case VerbUpdate:
		return "update"
	case VerbDelete:
		return "delete"
	case VerbDesc:
		return "desc"
	case VerbDescribe:
		return "describe"
	case VerbExplainSelect:
		return "explain select"
	default:
		return "unknown"
	}
}

// Classified is the result of classifying a statement: its verb, the
// byte range of the extracted table name within the original string,
// and whether the statement may write.
type Classified struct {
	Verb        Verb
	NameStart   int
	NameEnd     int
	MayWrite    bool
	HasBacktick bool
}

// Name returns the extracted table name (without backticks) from sql.
func (c Classified) Name(sql string) string {
	return strings.Trim(sql[c.NameStart:c.NameEnd], "`")
}

// Classify parses the leading verb of sql and locates its table name.
// It is stable under leading/trailing whitespace and case changes of the
// verb (spec invariant #5). Returns an error for any statement whose
// verb is not in the accepted set, or for update/delete without a WHERE
// clause.
func Classify(sql string) (Classified, error) {
	s := strings.TrimSpace(sql)
	lower := strings.ToLower(s)

	verb, rest, ok := leadingVerb(lower)
	if !ok {
		return Classified{}, fmt.Errorf("sqlrewrite: unrecognized statement")
	}

	var nameLower string
	var start, end int
	var err error

	switch verb {
	case VerbSelect, VerbDelete, VerbExplainSelect:
		start, end, err = findAfter(s, lower, "from")
	case VerbInsert, VerbReplace:
		start, end, err = findAfter(s, lower, "into")
	case VerbUpdate:
		start, end, err = findWordAt(s, lower, len(s)-len(rest))
	case VerbDesc, VerbDescribe:
		start, end, err = findWordAt(s, lower, len(s)-len(rest))
	}
	if err != nil {
		return Classified{}, err
	}
	nameLower = lower[start:end]
	_ = nameLower

	mayWrite := MayWrite(s)

	if verb == VerbUpdate || verb == VerbDelete {
		if !strings.Contains(lower, " where ") && !strings.HasSuffix(lower, " where") {
			return Classified{}, fmt.Errorf("sqlrewrite: %s requires a WHERE clause", verb)
		}
	}

	return Classified{
		Verb:        verb,
		NameStart:   start,
		NameEnd:     end,
		MayWrite:    mayWrite,
		HasBacktick: start > 0 && s[start-1] == '`',
	}, nil
}

// MayWrite reports whether the leading keyword of sql is not `select`
// (spec's sql_may_write).
func MayWrite(sql string) bool {
	lower := strings.ToLower(strings.TrimSpace(sql))
	return !strings.HasPrefix(lower, "select")
}

// leadingVerb identifies the accepted leading keyword(s) and returns the
// verb plus the remainder of the lowercased statement after the verb
// token(s).
func leadingVerb(lower string) (Verb, string, bool) {
	type kw struct {
		words []string
		verb  Verb
	}
	candidates := []kw{
		{[]string{"explain", "select"}, VerbExplainSelect},
		{[]string{"select"}, VerbSelect},
		{[]string{"insert"}, VerbInsert},
		{[]string{"replace"}, VerbReplace},
		{[]string{"update"}, VerbUpdate},
		{[]string{"delete"}, VerbDelete},
		{[]string{"describe"}, VerbDescribe},
		{[]string{"desc"}, VerbDesc},
	}
	for _, c := range candidates {
		rest := lower
		matched := true
		for _, w := range c.words {
			rest = strings.TrimLeft(rest, " \t\r\n")
			if !strings.HasPrefix(rest, w) {
				matched = false
				break
			}
			after := rest[len(w):]
			if after != "" && !isBoundary(after[0]) {
				matched = false
				break
			}
			rest = after
		}
		if matched {
			return c.verb, rest, true
		}
	}
	return VerbUnknown, lower, false
}

func isBoundary(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n' || b == '('
}

// findAfter locates the identifier immediately following keyword kw in
// s (s and lower must be the same string, lower already lowercased).
// Returns the byte offsets of the identifier within s.
func findAfter(s, lower, kw string) (int, int, error) {
	idx := indexWord(lower, kw, 0)
	if idx < 0 {
		return 0, 0, fmt.Errorf("sqlrewrite: no %q clause found", kw)
	}
	pos := idx + len(kw)
	return findWordAt(s, lower, pos)
}

// findWordAt skips whitespace starting at pos and returns the byte
// range of the identifier (bare or backtick-quoted) that begins there.
func findWordAt(s, lower string, pos int) (int, int, error) {
	n := len(s)
	i := pos
	for i < n && isSpace(s[i]) {
		i++
	}
	if i >= n {
		return 0, 0, fmt.Errorf("sqlrewrite: expected identifier, got end of statement")
	}
	if s[i] == '`' {
		j := i + 1
		for j < n && s[j] != '`' {
			j++
		}
		if j >= n {
			return 0, 0, fmt.Errorf("sqlrewrite: unterminated backtick identifier")
		}
		return i, j + 1, nil
	}
	j := i
	for j < n && isIdentByte(s[j]) {
		j++
	}
	if j == i {
		return 0, 0, fmt.Errorf("sqlrewrite: expected identifier")
	}
	return i, j, nil
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\r' || b == '\n' }

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// indexWord finds kw as a whole word in lower starting at from,
// ignoring matches inside a backtick-quoted identifier.
func indexWord(lower, kw string, from int) int {
	n := len(lower)
	inQuote := false
	for i := from; i+len(kw) <= n; i++ {
		if lower[i] == '`' {
			inQuote = !inQuote
			continue
		}
		if inQuote {
			continue
		}
		if lower[i:i+len(kw)] != kw {
			continue
		}
		before := i == 0 || isBoundary(lower[i-1]) || lower[i-1] == ')'
		after := i+len(kw) == n || isBoundary(lower[i+len(kw)])
		if before && after {
			return i
		}
	}
	return -1
}

// FlooredMod computes hintId mod tableNum, folded into [0, tableNum)
// for any sign of hintId (spec invariant #6). tableNum must be >= 1.
func FlooredMod(hintId int64, tableNum int) int {
	if tableNum <= 0 {
		return 0
	}
	m := hintId % int64(tableNum)
	if m < 0 {
		m += int64(tableNum)
	}
	return int(m)
}

// ShardTableName builds the physical table name for a kind given a hint
// id: "<prefix>_<shard>" when tableNum > 1, else bare "<prefix>".
func ShardTableName(prefix string, tableNum int, hintId int64) string {
	if tableNum > 1 {
		return fmt.Sprintf("%s_%d", prefix, FlooredMod(hintId, tableNum))
	}
	return prefix
}

// Rewrite substitutes the sharded table name in place of the extracted
// identifier when it equals kindName, preserving everything before and
// after it in a fresh buffer. If the extracted name does not match
// kindName, sql is returned unchanged.
func Rewrite(sql string, c Classified, kindName, prefix string, tableNum int, hintId int64) string {
	name := c.Name(sql)
	if !strings.EqualFold(name, kindName) {
		return sql
	}
	replacement := ShardTableName(prefix, tableNum, hintId)

	var b strings.Builder
	b.Grow(len(sql) + len(replacement))
	b.WriteString(sql[:c.NameStart])
	b.WriteString(replacement)
	b.WriteString(sql[c.NameEnd:])
	return b.String()
}
