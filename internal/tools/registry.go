// Package tools is the closed set of operations the reasoning oracle may
// invoke against a session's database.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/joescharf/askdb/internal/models"
	"github.com/joescharf/askdb/internal/output"
	"github.com/joescharf/askdb/internal/validator"
)

// Name identifies one of the four registry tools.
type Name string

const (
	ListTables   Name = "list_tables"
	TablesSchema Name = "tables_schema"
	QueryChecker Name = "query_checker"
	ExecuteQuery Name = "execute_query"
)

// ErrUnknownTool is reported for names outside the registry.
var ErrUnknownTool = errors.New("unknown tool")

// Backend is the database surface the tools need. *dbadapter.Handle
// satisfies it.
type Backend interface {
	DialectName() models.Dialect
	ListTables(ctx context.Context) ([]string, error)
	DescribeSchema(ctx context.Context, tables []string) (string, error)
	Execute(ctx context.Context, plan models.QueryPlan) (*models.RowSet, error)
}

type handler func(r *Registry, ctx context.Context, arg string) models.ToolResult

type tool struct {
	spec models.ToolSpec
	run  handler
}

// order is the presentation order of the tools, which is also the
// recommended calling order.
var order = []Name{ListTables, TablesSchema, QueryChecker, ExecuteQuery}

var table = map[Name]tool{
	ListTables: {
		spec: models.ToolSpec{
			Name:           string(ListTables),
			Description:    "List the tables in the database as a comma-separated string. Call this first.",
			ArgName:        "tool_input",
			ArgDescription: "Unused. Pass an empty string.",
		},
		run: (*Registry).listTables,
	},
	TablesSchema: {
		spec: models.ToolSpec{
			Name:           string(TablesSchema),
			Description:    "Get the columns and a few sample rows for the given tables. Make sure the tables exist by calling list_tables first.",
			ArgName:        "tables",
			ArgDescription: "Comma-separated list of table names, for example: users, orders",
			ArgRequired:    true,
		},
		run: (*Registry).tablesSchema,
	},
	QueryChecker: {
		spec: models.ToolSpec{
			Name:           string(QueryChecker),
			Description:    "Check a SQL query for safety and correctness before executing it. Returns the query to run or the reason it was rejected.",
			ArgName:        "sql_query",
			ArgDescription: "The SQL query to check.",
			ArgRequired:    true,
		},
		run: (*Registry).queryChecker,
	},
	ExecuteQuery: {
		spec: models.ToolSpec{
			Name:           string(ExecuteQuery),
			Description:    "Execute a read-only SQL query against the database and return the rows. Always check the query with query_checker first.",
			ArgName:        "query",
			ArgDescription: "The SQL query to execute.",
			ArgRequired:    true,
		},
		run: (*Registry).executeQuery,
	},
}

// Lookup resolves a tool name from the oracle.
func Lookup(name string) (Name, bool) {
	n := Name(strings.TrimSpace(name))
	_, ok := table[n]
	return n, ok
}

// Specs describes every tool, in recommended calling order.
func Specs() []models.ToolSpec {
	specs := make([]models.ToolSpec, 0, len(order))
	for _, n := range order {
		specs = append(specs, table[n].spec)
	}
	return specs
}

// Registry dispatches tool calls against one backend.
type Registry struct {
	backend   Backend
	validator *validator.Validator
}

// New creates a Registry. A nil validator uses the default row limit.
func New(backend Backend, v *validator.Validator) *Registry {
	if v == nil {
		v = validator.New(validator.DefaultRowLimit)
	}
	return &Registry{backend: backend, validator: v}
}

// Specs describes the tools this registry dispatches.
func (r *Registry) Specs() []models.ToolSpec { return Specs() }

// Call runs one tool. Failures are reported in the result, never as a Go
// error, because the oracle consumes them as text.
func (r *Registry) Call(ctx context.Context, call models.ToolCall) models.ToolResult {
	name, ok := Lookup(call.Tool)
	var res models.ToolResult
	if !ok {
		res = failure(fmt.Errorf("%w %q, available tools: %s", ErrUnknownTool, call.Tool, strings.Join(names(), ", ")))
	} else {
		res = table[name].run(r, ctx, call.Arguments)
	}
	res.Tool = call.Tool
	res.Sequence = call.Sequence
	return res
}

func (r *Registry) listTables(ctx context.Context, _ string) models.ToolResult {
	tables, err := r.backend.ListTables(ctx)
	if err != nil {
		return failure(fmt.Errorf("listing tables: %w", err))
	}
	if len(tables) == 0 {
		return models.ToolResult{Output: "No tables found in the database.", Success: true}
	}
	return models.ToolResult{Output: strings.Join(tables, ", "), Success: true}
}

func (r *Registry) tablesSchema(ctx context.Context, arg string) models.ToolResult {
	names := ParseTableList(arg)
	if len(names) == 0 {
		return failure(errors.New("no table names given, pass a comma-separated list"))
	}
	schema, err := r.backend.DescribeSchema(ctx, names)
	if err != nil {
		return failure(err)
	}
	return models.ToolResult{Output: schema, Success: true}
}

func (r *Registry) queryChecker(_ context.Context, arg string) models.ToolResult {
	plan, err := r.validator.Validate(CleanSQL(arg), r.backend.DialectName())
	if err != nil {
		res := failure(err)
		res.Output = "Query rejected: " + err.Error()
		return res
	}
	return models.ToolResult{Output: plan.SQL, Success: true, SQL: plan.SQL}
}

// executeQuery validates again on every call: a checked query may have
// been edited before it was sent here.
func (r *Registry) executeQuery(ctx context.Context, arg string) models.ToolResult {
	plan, err := r.validator.Validate(CleanSQL(arg), r.backend.DialectName())
	if err != nil {
		res := failure(err)
		res.Output = "Query rejected: " + err.Error()
		return res
	}

	rs, err := r.backend.Execute(ctx, plan)
	if err != nil {
		res := failure(err)
		res.SQL = plan.SQL
		return res
	}

	var b strings.Builder
	if len(rs.Columns) > 0 {
		if err := output.RenderGrid(&b, rs.Columns, output.FormatRows(rs.Rows)); err != nil {
			return failure(fmt.Errorf("rendering result: %w", err))
		}
	}
	fmt.Fprintf(&b, "row_count=%d", rs.RowCount())
	if rs.Truncated {
		b.WriteString(" truncated=true")
	}
	return models.ToolResult{Output: b.String(), Success: true, SQL: plan.SQL, Rows: rs}
}

// ParseTableList splits a comma-separated list of table names, dropping
// blanks, quotes and duplicates.
func ParseTableList(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		name := strings.Trim(strings.TrimSpace(part), "`\"'[]")
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		out = append(out, name)
	}
	return out
}

// CleanSQL removes markdown code fences the oracle may wrap SQL in.
func CleanSQL(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], " \t") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func failure(err error) models.ToolResult {
	return models.ToolResult{
		Output:  "Error: " + err.Error(),
		Success: false,
		Error:   err.Error(),
		Err:     err,
	}
}

func names() []string {
	out := make([]string, len(order))
	for i, n := range order {
		out[i] = string(n)
	}
	return out
}
