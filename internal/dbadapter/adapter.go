// Package dbadapter opens read-only connections to the supported SQL
// backends and exposes the introspection and execution operations the tool
// registry builds on.
package dbadapter

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/joescharf/askdb/internal/models"
	"github.com/joescharf/askdb/internal/output"
)

var (
	ErrInvalidConfig      = errors.New("invalid database config")
	ErrConnection         = errors.New("database connection failed")
	ErrUnsupportedDialect = errors.New("unsupported dialect")
	ErrUnknownTable       = errors.New("unknown table")
	ErrQueryExecution     = errors.New("query execution failed")
	ErrHandleClosed       = errors.New("database handle closed")
	ErrUnvalidatedPlan    = errors.New("query plan has not been validated")
)

const (
	// MaxRows caps how many rows Execute materializes.
	MaxRows = 1000

	sampleRowCount = 3
)

// Column is one column of a table as reported by the backend catalog.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Primary  bool
}

// dialect captures everything that differs between backends.
type dialect interface {
	Name() models.Dialect
	DriverName() string

	// Normalize applies defaults and checks that the fields this dialect
	// needs are present. Fields it does not use are cleared.
	Normalize(cfg models.DatabaseConfig) (models.DatabaseConfig, error)
	BuildDSN(cfg models.DatabaseConfig) (string, error)

	// EnforceReadOnly configures the held connection for read-only access.
	EnforceReadOnly(ctx context.Context, conn *sql.Conn) error

	// Prepared reports whether ad-hoc queries run as prepared statements.
	Prepared() bool

	ListTablesQuery(cfg models.DatabaseConfig) (string, []any)
	ColumnsQuery(cfg models.DatabaseConfig, table string) (string, []any)
	ScanColumn(rows *sql.Rows) (Column, error)
	QuoteIdent(name string) string

	// ErrorMessage extracts the backend's own message from a driver error.
	ErrorMessage(err error) string
}

var dialects = map[models.Dialect]dialect{
	models.DialectMySQL:      mysqlDialect{},
	models.DialectPostgreSQL: postgresDialect{},
	models.DialectSQLite:     sqliteDialect{},
}

// Supported lists the dialects Connect accepts.
func Supported() []models.Dialect {
	out := make([]models.Dialect, 0, len(dialects))
	for d := range dialects {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handle is one live, read-only database connection. All operations on a
// Handle are serialized on a single *sql.Conn. When the backend drops that
// connection the Handle replaces it with a fresh read-only one.
type Handle struct {
	cfg models.DatabaseConfig
	d   dialect
	db  *sql.DB

	mu     sync.Mutex
	conn   *sql.Conn
	stale  bool // conn must be replaced before next use
	closed bool
}

// Connect validates cfg, opens a connection, verifies it and switches it to
// read-only mode. Unsupported dialects and unreachable databases fail with
// ErrConnection; incomplete configs fail with ErrInvalidConfig.
func Connect(ctx context.Context, cfg models.DatabaseConfig) (*Handle, error) {
	d, ok := dialects[cfg.Dialect]
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrConnection, ErrUnsupportedDialect, cfg.Dialect)
	}

	cfg, err := d.Normalize(cfg)
	if err != nil {
		return nil, err
	}

	dsn, err := d.BuildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %s", ErrConnection, d.Name(), d.ErrorMessage(err))
	}
	return open(ctx, cfg, d, db)
}

// open takes ownership of db and holds one read-only connection from it.
func open(ctx context.Context, cfg models.DatabaseConfig, d dialect, db *sql.DB) (*Handle, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &Handle{cfg: cfg, d: d, db: db}
	conn, err := h.acquire(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	h.conn = conn
	return h, nil
}

// acquire checks out a connection, verifies it and switches it to
// read-only mode.
func (h *Handle) acquire(ctx context.Context) (*sql.Conn, error) {
	target := h.cfg.Redacted().Target()
	conn, err := h.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrConnection, target, h.d.ErrorMessage(err))
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: ping %s: %s", ErrConnection, target, h.d.ErrorMessage(err))
	}
	if err := h.d.EnforceReadOnly(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: enforce read-only: %s", ErrConnection, h.d.ErrorMessage(err))
	}
	return conn, nil
}

// reacquire replaces the held connection. A healthy connection goes back to
// the pool and may be handed out again; a broken one is discarded by
// database/sql. Either way read-only mode is applied anew.
func (h *Handle) reacquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.stale = true
	_ = h.conn.Close()
	conn, err := h.acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: reconnect: %w", ErrHandleClosed, err)
	}
	h.conn = conn
	h.stale = false
	return nil
}

// DialectName reports the handle's dialect.
func (h *Handle) DialectName() models.Dialect { return h.d.Name() }

// Config returns the normalized config with the password masked.
func (h *Handle) Config() models.DatabaseConfig { return h.cfg.Redacted() }

// Ping checks that the held connection is still usable.
func (h *Handle) Ping(ctx context.Context) error {
	return h.withConn(ctx, func(conn *sql.Conn) error {
		if err := conn.PingContext(ctx); err != nil {
			return h.connErr(err)
		}
		return nil
	})
}

// ListTables returns the user tables and views, ordered by name.
func (h *Handle) ListTables(ctx context.Context) ([]string, error) {
	var tables []string
	err := h.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		tables, err = h.listTables(ctx, conn)
		return err
	})
	return tables, err
}

func (h *Handle) listTables(ctx context.Context, conn *sql.Conn) ([]string, error) {
	query, args := h.d.ListTablesQuery(h.cfg)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, h.connErr(err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, h.connErr(err)
	}
	return tables, nil
}

// DescribeSchema renders columns and a few sample rows for each requested
// table. Names are matched case-insensitively; any name that does not
// exist fails the whole call with ErrUnknownTable.
func (h *Handle) DescribeSchema(ctx context.Context, tables []string) (string, error) {
	var out string
	err := h.withConn(ctx, func(conn *sql.Conn) error {
		existing, err := h.listTables(ctx, conn)
		if err != nil {
			return err
		}

		resolved, err := resolveTables(existing, tables)
		if err != nil {
			return err
		}

		var b strings.Builder
		for i, name := range resolved {
			if i > 0 {
				b.WriteString("\n")
			}
			if err := h.describeTable(ctx, conn, name, &b); err != nil {
				return err
			}
		}
		out = b.String()
		return nil
	})
	return out, err
}

func resolveTables(existing, requested []string) ([]string, error) {
	byLower := make(map[string]string, len(existing))
	for _, name := range existing {
		byLower[strings.ToLower(name)] = name
	}

	var resolved, missing []string
	seen := map[string]bool{}
	for _, name := range requested {
		actual, ok := byLower[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if seen[actual] {
			continue
		}
		seen[actual] = true
		resolved = append(resolved, actual)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s (available: %s)", ErrUnknownTable, strings.Join(missing, ", "), strings.Join(existing, ", "))
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: no table names given", ErrUnknownTable)
	}
	return resolved, nil
}

func (h *Handle) describeTable(ctx context.Context, conn *sql.Conn, table string, b *strings.Builder) error {
	query, args := h.d.ColumnsQuery(h.cfg, table)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return h.connErr(err)
	}
	var cols []Column
	for rows.Next() {
		col, err := h.d.ScanColumn(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, col)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return h.connErr(err)
	}

	fmt.Fprintf(b, "Table: %s\nColumns:\n", table)
	for _, c := range cols {
		fmt.Fprintf(b, "  %s %s", c.Name, c.Type)
		if c.Primary {
			b.WriteString(" PRIMARY KEY")
		}
		if !c.Nullable {
			b.WriteString(" NOT NULL")
		}
		b.WriteString("\n")
	}

	sample, err := h.query(ctx, conn, fmt.Sprintf("SELECT * FROM %s LIMIT %d", h.d.QuoteIdent(table), sampleRowCount), sampleRowCount)
	if err != nil {
		return err
	}
	fmt.Fprintf(b, "Sample rows (%d):\n", sample.RowCount())
	return output.RenderGrid(b, sample.Columns, output.FormatRows(sample.Rows))
}

// Execute runs a validated plan and materializes at most MaxRows rows.
// Backend failures wrap ErrQueryExecution and carry the backend message.
func (h *Handle) Execute(ctx context.Context, plan models.QueryPlan) (*models.RowSet, error) {
	if !plan.Validated {
		return nil, ErrUnvalidatedPlan
	}
	if plan.Dialect != h.d.Name() {
		return nil, fmt.Errorf("%w: plan validated for %s, handle is %s", ErrUnvalidatedPlan, plan.Dialect, h.d.Name())
	}

	var rs *models.RowSet
	err := h.withConn(ctx, func(conn *sql.Conn) error {
		var err error
		rs, err = h.query(ctx, conn, plan.SQL, MaxRows)
		return err
	})
	return rs, err
}

func (h *Handle) query(ctx context.Context, conn *sql.Conn, query string, limit int) (*models.RowSet, error) {
	var rows *sql.Rows
	var err error
	if h.d.Prepared() {
		stmt, perr := conn.PrepareContext(ctx, query)
		if perr != nil {
			return nil, h.execErr(perr)
		}
		defer stmt.Close()
		rows, err = stmt.QueryContext(ctx)
	} else {
		rows, err = conn.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, h.execErr(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, h.execErr(err)
	}

	rs := &models.RowSet{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		if len(rs.Rows) >= limit {
			rs.Truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, h.execErr(err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, h.execErr(err)
	}
	return rs, nil
}

// Close releases the connection. It is safe to call more than once.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	connErr := h.conn.Close()
	if errors.Is(connErr, sql.ErrConnDone) {
		connErr = nil
	}
	dbErr := h.db.Close()
	return errors.Join(connErr, dbErr)
}

// withConn runs fn on the held connection. A connection the backend dropped
// mid-call is replaced and fn retried once; a call cut short by ctx leaves
// the connection to be replaced on next use, since some drivers close it on
// cancel.
func (h *Handle) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.stale {
		if err := h.reacquire(ctx); err != nil {
			return err
		}
	}

	err := fn(h.conn)
	if errors.Is(err, ErrHandleClosed) && ctx.Err() == nil {
		if rerr := h.reacquire(ctx); rerr != nil {
			return rerr
		}
		err = fn(h.conn)
	}
	if err != nil && (ctx.Err() != nil || errors.Is(err, ErrHandleClosed)) {
		h.stale = true
	}
	return err
}

func (h *Handle) connErr(err error) error {
	if lost(err) {
		return fmt.Errorf("%w: %s", ErrHandleClosed, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrConnection, h.d.ErrorMessage(err))
}

func (h *Handle) execErr(err error) error {
	if lost(err) {
		return fmt.Errorf("%w: %s", ErrHandleClosed, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrQueryExecution, h.d.ErrorMessage(err))
}

// lost reports whether err means the connection itself is gone.
func lost(err error) bool {
	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn)
}
