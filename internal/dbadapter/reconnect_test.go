package dbadapter

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/askdb/internal/models"
)

// fakeBackend is an in-memory database/sql backend whose connections break
// the way network drivers do: a query cut short by its context kills the
// connection, and a dead connection answers driver.ErrBadConn.
type fakeBackend struct {
	mu sync.Mutex
	fakeCounts
	dropNext bool
	refuse   bool
}

// fakeCounts tallies what the backend has been asked to do.
type fakeCounts struct {
	opened   int
	readOnly int // EnforceReadOnly statements seen
	prepared int
	direct   int // unprepared queries
}

func (b *fakeBackend) Connect(context.Context) (driver.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return nil, errors.New("connection refused")
	}
	b.opened++
	return &fakeConn{b: b, id: b.opened}, nil
}

func (b *fakeBackend) Driver() driver.Driver { return fakeDriver{b} }

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBackend) snapshot() fakeCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fakeCounts
}

type fakeDriver struct{ b *fakeBackend }

func (d fakeDriver) Open(string) (driver.Conn, error) { return d.b.Connect(context.Background()) }

type fakeConn struct {
	b    *fakeBackend
	id   int
	dead atomic.Bool
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	if c.dead.Load() {
		return nil, driver.ErrBadConn
	}
	c.b.set(func(b *fakeBackend) { b.prepared++ })
	return &fakeStmt{c: c}, nil
}

func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return nil, errors.New("transactions unsupported") }
func (c *fakeConn) IsValid() bool             { return !c.dead.Load() }

func (c *fakeConn) Ping(context.Context) error {
	if c.dead.Load() {
		return driver.ErrBadConn
	}
	return nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	if c.dead.Load() {
		return nil, driver.ErrBadConn
	}
	if query == "PRAGMA query_only = ON" {
		c.b.set(func(b *fakeBackend) { b.readOnly++ })
	}
	return driver.RowsAffected(0), nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	if c.dead.Load() {
		return nil, driver.ErrBadConn
	}
	c.b.mu.Lock()
	c.b.direct++
	drop := c.b.dropNext
	c.b.dropNext = false
	c.b.mu.Unlock()

	if drop {
		c.dead.Store(true)
		return nil, driver.ErrBadConn
	}
	if query == "SELECT sleep" {
		<-ctx.Done()
		c.dead.Store(true)
		return nil, ctx.Err()
	}
	return &fakeRows{id: c.id}, nil
}

type fakeStmt struct{ c *fakeConn }

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec([]driver.Value) (driver.Result, error) {
	return driver.RowsAffected(0), nil
}

func (s *fakeStmt) Query([]driver.Value) (driver.Rows, error) {
	return &fakeRows{id: s.c.id}, nil
}

// fakeRows returns a single row holding the serving connection's id.
type fakeRows struct {
	id   int
	done bool
}

func (r *fakeRows) Columns() []string { return []string{"conn"} }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(r.id)
	return nil
}

type preparedDialect struct{ sqliteDialect }

func (preparedDialect) Prepared() bool { return true }

func openFake(t *testing.T, d dialect) (*Handle, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	cfg := models.DatabaseConfig{Dialect: models.DialectSQLite, Path: "fake.db"}
	h, err := open(context.Background(), cfg, d, sql.OpenDB(b))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h, b
}

func servedBy(t *testing.T, h *Handle, query string) int64 {
	t.Helper()
	rs, err := h.Execute(context.Background(), models.QueryPlan{SQL: query, Validated: true, Dialect: models.DialectSQLite})
	require.NoError(t, err)
	require.Equal(t, 1, rs.RowCount())
	return rs.Rows[0][0].(int64)
}

func TestHandle_RecoversAfterTimeout(t *testing.T) {
	h, b := openFake(t, sqliteDialect{})
	assert.Equal(t, int64(1), servedBy(t, h, "SELECT 1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Execute(ctx, models.QueryPlan{SQL: "SELECT sleep", Validated: true, Dialect: models.DialectSQLite})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, int64(2), servedBy(t, h, "SELECT 1"), "next call runs on a fresh connection")
	got := b.snapshot()
	assert.Equal(t, 2, got.opened)
	assert.Equal(t, 2, got.readOnly, "read-only mode applied to the new connection")
	assert.NoError(t, h.Ping(context.Background()))
}

func TestHandle_RetriesOnceWhenConnectionDrops(t *testing.T) {
	h, b := openFake(t, sqliteDialect{})
	b.set(func(b *fakeBackend) { b.dropNext = true })

	assert.Equal(t, int64(2), servedBy(t, h, "SELECT 1"))
	got := b.snapshot()
	assert.Equal(t, 2, got.opened)
	assert.Equal(t, 2, got.readOnly)
	assert.Equal(t, 2, got.direct)
}

func TestHandle_ReconnectFailureIsConnectionLost(t *testing.T) {
	h, b := openFake(t, sqliteDialect{})
	b.set(func(b *fakeBackend) {
		b.dropNext = true
		b.refuse = true
	})

	_, err := h.Execute(context.Background(), models.QueryPlan{SQL: "SELECT 1", Validated: true, Dialect: models.DialectSQLite})
	require.ErrorIs(t, err, ErrHandleClosed)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Contains(t, err.Error(), "connection refused")

	b.set(func(b *fakeBackend) { b.refuse = false })
	assert.Equal(t, int64(2), servedBy(t, h, "SELECT 1"))
	assert.Equal(t, 2, b.snapshot().readOnly)
}

func TestHandle_CancelledReconnectKeepsContextError(t *testing.T) {
	h, _ := openFake(t, sqliteDialect{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Execute(ctx, models.QueryPlan{SQL: "SELECT sleep", Validated: true, Dialect: models.DialectSQLite})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = h.Execute(ctx, models.QueryPlan{SQL: "SELECT 1", Validated: true, Dialect: models.DialectSQLite})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrHandleClosed)
}

func TestHandle_CloseAfterDrop(t *testing.T) {
	h, b := openFake(t, sqliteDialect{})
	b.set(func(b *fakeBackend) {
		b.dropNext = true
		b.refuse = true
	})
	_, err := h.Execute(context.Background(), models.QueryPlan{SQL: "SELECT 1", Validated: true, Dialect: models.DialectSQLite})
	require.Error(t, err)

	assert.NoError(t, h.Close())
	assert.ErrorIs(t, h.Ping(context.Background()), ErrHandleClosed)
}

func TestHandle_PreparedDialectUsesStatements(t *testing.T) {
	h, b := openFake(t, preparedDialect{})

	assert.Equal(t, int64(1), servedBy(t, h, "SELECT 1"))
	got := b.snapshot()
	assert.Equal(t, 1, got.prepared)
	assert.Equal(t, 0, got.direct)
}

func TestDialects_PostgresRunsPrepared(t *testing.T) {
	assert.True(t, dialects[models.DialectPostgreSQL].Prepared())
	assert.False(t, dialects[models.DialectMySQL].Prepared())
	assert.False(t, dialects[models.DialectSQLite].Prepared())
}

func TestSessionSQLMode(t *testing.T) {
	got := sessionSQLMode([]string{"ANSI_QUOTES", "NO_BACKSLASH_ESCAPES"})
	assert.Equal(t,
		"SET SESSION sql_mode = TRIM(BOTH ',' FROM REPLACE(REPLACE(CONCAT(',', @@SESSION.sql_mode, ','), ',ANSI_QUOTES,', ','), ',NO_BACKSLASH_ESCAPES,', ','))",
		got)
}
