package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/askdb/internal/models"
)

// lexRules captures the quoting and comment syntax that differs per dialect.
type lexRules struct {
	hashComments     bool // MySQL: # starts a line comment
	dashNeedsSpace   bool // MySQL: -- is a comment only when followed by whitespace
	backslashEscapes bool // MySQL: \' inside string literals
	escapeStrings    bool // PostgreSQL: E'...' takes backslash escapes
	nestedComments   bool // PostgreSQL: /* /* */ */ nests
	doubleQuoteIsStr bool // MySQL: "..." is a string, elsewhere an identifier
	backticks        bool // MySQL, SQLite: `identifier`
	brackets         bool // SQLite: [identifier]
	dollarQuotes     bool // PostgreSQL: $tag$...$tag$
}

var dialectRules = map[models.Dialect]lexRules{
	models.DialectMySQL: {
		hashComments:     true,
		dashNeedsSpace:   true,
		backslashEscapes: true,
		doubleQuoteIsStr: true,
		backticks:        true,
	},
	models.DialectPostgreSQL: {
		escapeStrings:  true,
		nestedComments: true,
		dollarQuotes:   true,
	},
	models.DialectSQLite: {
		backticks: true,
		brackets:  true,
	},
}

// lexed holds two renderings of the same statement.
//
// stripped has comments replaced by a space and string literal contents
// removed, so keyword and separator checks cannot be fooled by text inside
// literals. Quoted identifiers are kept verbatim. clean has comments removed
// but literals intact; it is what gets executed. pos maps every offset of
// stripped, plus its end, to the matching offset of clean.
type lexed struct {
	stripped string
	clean    string
	pos      []int
}

type lexer struct {
	src      string
	rules    lexRules
	stripped strings.Builder
	clean    strings.Builder
	pos      []int
}

// both appends text that reads the same in both renderings.
func (l *lexer) both(s string) {
	base := l.clean.Len()
	for i := 0; i < len(s); i++ {
		l.pos = append(l.pos, base+i)
	}
	l.stripped.WriteString(s)
	l.clean.WriteString(s)
}

// literal appends a literal: a placeholder in stripped, the source in clean.
func (l *lexer) literal(placeholder, src string) {
	base := l.clean.Len()
	for range len(placeholder) {
		l.pos = append(l.pos, base)
	}
	l.stripped.WriteString(placeholder)
	l.clean.WriteString(src)
}

// lex splits sql into its renderings. Unterminated literals, quoted
// identifiers and block comments are errors: the backend would read the rest
// of the text differently.
func lex(sql string, rules lexRules) (lexed, error) {
	l := &lexer{src: sql, rules: rules}
	if err := l.run(); err != nil {
		return lexed{}, err
	}
	l.pos = append(l.pos, l.clean.Len())
	return lexed{stripped: l.stripped.String(), clean: l.clean.String(), pos: l.pos}, nil
}

func (l *lexer) run() error {
	sql, rules := l.src, l.rules
	n := len(sql)
	i := 0
	for i < n {
		c := sql[i]
		switch {
		case c == '-' && i+1 < n && sql[i+1] == '-' && l.dashComment(i+2):
			i = lineEnd(sql, i)
			l.both(" ")

		case c == '#' && rules.hashComments:
			i = lineEnd(sql, i)
			l.both(" ")

		case c == '/' && i+1 < n && sql[i+1] == '*':
			end, ok := l.blockCommentEnd(i)
			if !ok {
				return errors.New("unterminated block comment")
			}
			i = end
			l.both(" ")

		case c == '$' && rules.dollarQuotes && !afterIdent(sql, i):
			tag, ok := dollarTag(sql, i)
			if !ok {
				l.both(sql[i : i+1])
				i++
				continue
			}
			closeIdx := strings.Index(sql[i+len(tag):], tag)
			if closeIdx < 0 {
				return fmt.Errorf("unterminated dollar-quoted string %s", tag)
			}
			end := i + len(tag) + closeIdx + len(tag)
			l.literal("''", sql[i:end])
			i = end

		case (c == 'E' || c == 'e') && rules.escapeStrings && i+1 < n && sql[i+1] == '\'' && !afterIdent(sql, i):
			end, ok := scanQuoted(sql, i+1, '\'', true)
			if !ok {
				return errors.New("unterminated string literal")
			}
			l.literal("''", sql[i:end])
			i = end

		case c == '\'' || (c == '"' && rules.doubleQuoteIsStr):
			end, ok := scanQuoted(sql, i, c, rules.backslashEscapes)
			if !ok {
				return errors.New("unterminated string literal")
			}
			l.literal(string([]byte{c, c}), sql[i:end])
			i = end

		case c == '"' || (c == '`' && rules.backticks):
			end, ok := scanQuoted(sql, i, c, false)
			if !ok {
				return errors.New("unterminated quoted identifier")
			}
			l.both(sql[i:end])
			i = end

		case c == '[' && rules.brackets:
			idx := strings.IndexByte(sql[i+1:], ']')
			if idx < 0 {
				return errors.New("unterminated quoted identifier")
			}
			end := i + 1 + idx + 1
			l.both(sql[i:end])
			i = end

		default:
			l.both(sql[i : i+1])
			i++
		}
	}
	return nil
}

// dashComment reports whether a "--" ending just before at opens a comment.
func (l *lexer) dashComment(at int) bool {
	if !l.rules.dashNeedsSpace || at >= len(l.src) {
		return true
	}
	return l.src[at] <= ' '
}

// blockCommentEnd returns the index just past the comment opened at start.
func (l *lexer) blockCommentEnd(start int) (int, bool) {
	sql := l.src
	if !l.rules.nestedComments {
		idx := strings.Index(sql[start+2:], "*/")
		if idx < 0 {
			return len(sql), false
		}
		return start + 2 + idx + 2, true
	}

	depth := 1
	j := start + 2
	for j+1 < len(sql) {
		switch {
		case sql[j] == '/' && sql[j+1] == '*':
			depth++
			j += 2
		case sql[j] == '*' && sql[j+1] == '/':
			depth--
			j += 2
			if depth == 0 {
				return j, true
			}
		default:
			j++
		}
	}
	return len(sql), false
}

func lineEnd(sql string, i int) int {
	if idx := strings.IndexByte(sql[i:], '\n'); idx >= 0 {
		return i + idx
	}
	return len(sql)
}

// scanQuoted returns the index just past the literal opened at start.
// A doubled quote character is an escaped quote.
func scanQuoted(sql string, start int, quote byte, backslash bool) (int, bool) {
	i := start + 1
	n := len(sql)
	for i < n {
		switch {
		case backslash && sql[i] == '\\' && i+1 < n:
			i += 2
		case sql[i] == quote && i+1 < n && sql[i+1] == quote:
			i += 2
		case sql[i] == quote:
			return i + 1, true
		default:
			i++
		}
	}
	return n, false
}

// dollarTag returns the $tag$ opening at i, if there is one.
func dollarTag(sql string, i int) (string, bool) {
	end := strings.IndexByte(sql[i+1:], '$')
	if end < 0 {
		return "", false
	}
	body := sql[i+1 : i+1+end]
	for k := 0; k < len(body); k++ {
		c := body[k]
		letter := c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
		if !letter && !(k > 0 && c >= '0' && c <= '9') {
			return "", false
		}
	}
	return sql[i : i+end+2], true
}

// afterIdent reports whether sql[i] continues an identifier or number, in
// which case it cannot open a literal.
func afterIdent(sql string, i int) bool {
	return i > 0 && (isWordByte(sql[i-1]) || sql[i-1] >= 0x80)
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// word is an identifier-like token of stripped SQL. Quoted identifiers are
// single words with empty text, so their contents never read as keywords.
type word struct {
	text  string
	depth int
	start int
	end   int
}

// words tokenizes stripped SQL into upper-cased words with their nesting
// depth and offsets.
func words(stripped string, rules lexRules) []word {
	var out []word
	depth := 0
	i := 0
	n := len(stripped)
	for i < n {
		c := stripped[i]
		switch {
		case c == '(':
			depth++
			i++
		case c == ')':
			if depth > 0 {
				depth--
			}
			i++
		case (c == '"' && !rules.doubleQuoteIsStr) || (c == '`' && rules.backticks):
			end, _ := scanQuoted(stripped, i, c, false)
			out = append(out, word{depth: depth, start: i, end: end})
			i = end
		case c == '[' && rules.brackets:
			end := n
			if idx := strings.IndexByte(stripped[i+1:], ']'); idx >= 0 {
				end = i + 1 + idx + 1
			}
			out = append(out, word{depth: depth, start: i, end: end})
			i = end
		case isWordByte(c):
			start := i
			for i < n && isWordByte(stripped[i]) {
				i++
			}
			out = append(out, word{text: strings.ToUpper(stripped[start:i]), depth: depth, start: start, end: i})
		default:
			i++
		}
	}
	return out
}
