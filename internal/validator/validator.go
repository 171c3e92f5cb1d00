// Package validator enforces the read-only contract on SQL text before it
// reaches a database connection.
package validator

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/joescharf/askdb/internal/models"
)

// ErrUnsafeQuery is returned for SQL that must not be executed.
var ErrUnsafeQuery = errors.New("unsafe query")

// DefaultRowLimit is injected into queries that do not bound their result.
const DefaultRowLimit = 20

// forbiddenKeywords are mutating or privilege statements rejected for every dialect.
var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE", "CREATE", "GRANT", "REVOKE",
	"MERGE", "UPSERT", "INTO",
}

// allowedLeading are the statement kinds that may be executed.
var allowedLeading = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"SHOW":     true,
	"DESCRIBE": true,
	"DESC":     true,
	"EXPLAIN":  true,
}

type pattern struct {
	re   *regexp.Regexp
	desc string
}

func keyword(kw string) pattern {
	return pattern{
		re:   regexp.MustCompile(`(?i)(?:^|[^a-zA-Z0-9_$])` + kw + `(?:[^a-zA-Z0-9_$]|$)`),
		desc: "forbidden keyword " + kw,
	}
}

// function matches a call of name, also when the name is quoted.
func function(name string) pattern {
	return pattern{
		re:   regexp.MustCompile(`(?i)\b` + name + "[\"`\\]]?" + `\s*\(`),
		desc: "forbidden function " + name + "()",
	}
}

var commonPatterns = func() []pattern {
	ps := make([]pattern, 0, len(forbiddenKeywords)+1)
	for _, kw := range forbiddenKeywords {
		ps = append(ps, keyword(kw))
	}
	ps = append(ps, pattern{
		re:   regexp.MustCompile(`(?i)\bFOR\s+(?:NO\s+KEY\s+)?(?:UPDATE|SHARE|KEY\s+SHARE)\b`),
		desc: "row locking clause",
	})
	return ps
}()

var dialectPatterns = map[models.Dialect][]pattern{
	models.DialectMySQL: {
		keyword("CALL"), keyword("EXEC"), keyword("EXECUTE"), keyword("HANDLER"), keyword("RENAME"),
		keyword("LOCK"), keyword("UNLOCK"),
		function("LOAD_FILE"), function("SLEEP"), function("BENCHMARK"), function("GET_LOCK"),
		function("RELEASE_LOCK"), function("IS_FREE_LOCK"), function("IS_USED_LOCK"),
		function("MASTER_POS_WAIT"), function("SOURCE_POS_WAIT"),
	},
	models.DialectPostgreSQL: {
		keyword("CALL"), keyword("EXECUTE"), keyword("COPY"), keyword("LISTEN"), keyword("NOTIFY"),
		keyword("PREPARE"), keyword("DEALLOCATE"), keyword("VACUUM"), keyword("REINDEX"),
		keyword("CLUSTER"), keyword("LOCK"),
		function("pg_read_file"), function("pg_read_binary_file"), function("pg_ls_dir"),
		function("lo_import"), function("lo_export"), function("pg_sleep"), function("pg_sleep_for"),
		function("pg_sleep_until"), function("pg_advisory_lock"), function("pg_advisory_xact_lock"),
		function("pg_try_advisory_lock"), function("pg_terminate_backend"), function("pg_cancel_backend"),
		function("set_config"), function("nextval"), function("setval"), function("dblink"),
	},
	models.DialectSQLite: {
		keyword("ATTACH"), keyword("DETACH"), keyword("REINDEX"), keyword("VACUUM"),
		function("load_extension"), function("writefile"), function("readfile"), function("edit"),
		function("fts3_tokenizer"),
		{re: regexp.MustCompile(`(?i)\bPRAGMA\s+[\w.]+\s*=`), desc: "PRAGMA writes"},
	},
}

// limiters build the row-limiting suffix for a dialect. A dialect without an
// entry cannot be validated.
var limiters = map[models.Dialect]func(n int) string{
	models.DialectMySQL:      func(n int) string { return " LIMIT " + strconv.Itoa(n) },
	models.DialectPostgreSQL: func(n int) string { return " LIMIT " + strconv.Itoa(n) },
	models.DialectSQLite:     func(n int) string { return " LIMIT " + strconv.Itoa(n) },
}

var mysqlExecutableComment = regexp.MustCompile(`/\*[!+]`)

var (
	// boundedTail is what may follow a top-level LIMIT keyword: a row count,
	// optionally with an offset in either spelling.
	boundedTail = regexp.MustCompile(`(?i)^\s+(\d+)(?:\s*,\s*(\d+))?(?:\s+OFFSET\s+\d+(?:\s+ROWS?)?)?[\s;]*$`)
	// unboundedTail is LIMIT ALL or LIMIT NULL, which PostgreSQL reads as no limit.
	unboundedTail = regexp.MustCompile(`(?i)^\s+(?:ALL|NULL)(?:\s+OFFSET\s+\d+(?:\s+ROWS?)?)?[\s;]*$`)
	// fetchTail is the rest of a FETCH FIRST clause; no count means one row.
	fetchTail = regexp.MustCompile(`(?i)^\s+(?:FIRST|NEXT)\s+(?:(\d+)\s+)?ROWS?\s+(?:ONLY|WITH\s+TIES)[\s;]*$`)
)

// Validator checks SQL and produces executable query plans.
type Validator struct {
	rowLimit int
}

// New returns a Validator that injects rowLimit into unbounded queries.
// Values below 1 fall back to DefaultRowLimit.
func New(rowLimit int) *Validator {
	if rowLimit < 1 {
		rowLimit = DefaultRowLimit
	}
	return &Validator{rowLimit: rowLimit}
}

// Validate checks sql with the default row limit.
func Validate(sql string, dialect models.Dialect) (models.QueryPlan, error) {
	return New(DefaultRowLimit).Validate(sql, dialect)
}

// Validate rejects anything that is not a single read-only statement and
// returns the statement, comments removed, as a validated plan.
func (v *Validator) Validate(sql string, dialect models.Dialect) (models.QueryPlan, error) {
	rules, ok := dialectRules[dialect]
	limiter := limiters[dialect]
	if !ok || limiter == nil {
		return models.QueryPlan{}, fmt.Errorf("%w: unsupported dialect %q", ErrUnsafeQuery, dialect)
	}

	if dialect == models.DialectMySQL && mysqlExecutableComment.MatchString(sql) {
		return models.QueryPlan{}, fmt.Errorf("%w: executable comments are not allowed", ErrUnsafeQuery)
	}

	lx, err := lex(sql, rules)
	if err != nil {
		return models.QueryPlan{}, fmt.Errorf("%w: %v", ErrUnsafeQuery, err)
	}
	if strings.TrimSpace(lx.stripped) == "" {
		return models.QueryPlan{}, fmt.Errorf("%w: empty query", ErrUnsafeQuery)
	}

	for _, p := range commonPatterns {
		if p.re.MatchString(lx.stripped) {
			return models.QueryPlan{}, fmt.Errorf("%w: %s", ErrUnsafeQuery, p.desc)
		}
	}

	if idx := strings.IndexByte(lx.stripped, ';'); idx >= 0 {
		if strings.TrimSpace(strings.ReplaceAll(lx.stripped[idx:], ";", "")) != "" {
			return models.QueryPlan{}, fmt.Errorf("%w: multiple statements are not allowed", ErrUnsafeQuery)
		}
	}

	for _, p := range dialectPatterns[dialect] {
		if p.re.MatchString(lx.stripped) {
			return models.QueryPlan{}, fmt.Errorf("%w: %s", ErrUnsafeQuery, p.desc)
		}
	}

	ws := words(lx.stripped, rules)
	if len(ws) == 0 {
		return models.QueryPlan{}, fmt.Errorf("%w: empty query", ErrUnsafeQuery)
	}
	leading := ws[0].text
	if !allowedLeading[leading] && !(dialect == models.DialectSQLite && leading == "PRAGMA") {
		return models.QueryPlan{}, fmt.Errorf("%w: only SELECT, WITH, SHOW, DESCRIBE and EXPLAIN statements are allowed, got %s", ErrUnsafeQuery, leading)
	}
	if leading == "SHOW" && hasTopLevel(ws, "SET") {
		return models.QueryPlan{}, fmt.Errorf("%w: SET statements are not allowed", ErrUnsafeQuery)
	}

	stmt := strings.TrimRight(strings.TrimSpace(lx.clean), "; \t\r\n")
	plan := models.QueryPlan{
		SQL:       stmt,
		Validated: true,
		Dialect:   dialect,
	}

	lim, err := findLimit(ws, lx.stripped)
	if err != nil {
		return models.QueryPlan{}, fmt.Errorf("%w: %v", ErrUnsafeQuery, err)
	}
	switch {
	case lim.bounded:
		plan.RowLimit = lim.rows
	case lim.unbounded != nil:
		// Put the row limit where ALL or NULL was.
		from, to := lx.pos[lim.unbounded.start], lx.pos[lim.unbounded.end]
		rewritten := lx.clean[:from] + strconv.Itoa(v.rowLimit) + lx.clean[to:]
		plan.SQL = strings.TrimRight(strings.TrimSpace(rewritten), "; \t\r\n")
		plan.RowLimit = v.rowLimit
		plan.LimitInjected = true
	case leading == "SELECT" || leading == "WITH":
		plan.SQL = stmt + limiter(v.rowLimit)
		plan.RowLimit = v.rowLimit
		plan.LimitInjected = true
	}
	return plan, nil
}

// limitClause describes how the outermost query bounds its rows.
type limitClause struct {
	bounded   bool
	rows      int
	unbounded *word // the ALL or NULL after LIMIT
}

// findLimit inspects the top-level LIMIT or FETCH clause. A LIMIT whose
// argument is not a literal row count is rejected: its bound cannot be known.
func findLimit(ws []word, stripped string) (limitClause, error) {
	for i, w := range ws {
		if w.depth != 0 {
			continue
		}
		switch w.text {
		case "LIMIT":
			tail := stripped[w.end:]
			if m := boundedTail.FindStringSubmatch(tail); m != nil {
				count := m[1]
				if m[2] != "" {
					count = m[2]
				}
				n, err := strconv.Atoi(count)
				if err != nil {
					return limitClause{}, fmt.Errorf("LIMIT %s is out of range", count)
				}
				return limitClause{bounded: true, rows: n}, nil
			}
			if i+1 < len(ws) && unboundedTail.MatchString(tail) {
				arg := ws[i+1]
				return limitClause{unbounded: &arg}, nil
			}
			return limitClause{}, errors.New("LIMIT must be a literal row count, e.g. LIMIT 20")
		case "FETCH":
			if i+1 >= len(ws) || (ws[i+1].text != "FIRST" && ws[i+1].text != "NEXT") {
				continue
			}
			m := fetchTail.FindStringSubmatch(stripped[w.end:])
			if m == nil {
				return limitClause{}, errors.New("FETCH FIRST must be a literal row count, e.g. FETCH FIRST 20 ROWS ONLY")
			}
			if m[1] == "" {
				return limitClause{bounded: true, rows: 1}, nil
			}
			n, err := strconv.Atoi(m[1])
			if err != nil {
				return limitClause{}, fmt.Errorf("FETCH FIRST %s is out of range", m[1])
			}
			return limitClause{bounded: true, rows: n}, nil
		}
	}
	return limitClause{}, nil
}

func hasTopLevel(ws []word, text string) bool {
	for _, w := range ws {
		if w.depth == 0 && w.text == text {
			return true
		}
	}
	return false
}
