package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joescharf/askdb/internal/models"

	_ "modernc.org/sqlite"
)

type sqliteDialect struct{}

func (sqliteDialect) Name() models.Dialect { return models.DialectSQLite }
func (sqliteDialect) DriverName() string   { return "sqlite" }

func (sqliteDialect) Normalize(cfg models.DatabaseConfig) (models.DatabaseConfig, error) {
	if cfg.Path == "" {
		return cfg, fmt.Errorf("%w: sqlite requires path", ErrInvalidConfig)
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	return models.DatabaseConfig{Dialect: models.DialectSQLite, Path: abs}, nil
}

// BuildDSN opens the file through a URI so SQLite itself enforces mode=ro.
// A missing file is a connection failure rather than a new empty database.
func (sqliteDialect) BuildDSN(cfg models.DatabaseConfig) (string, error) {
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrConnection, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrConnection, cfg.Path)
	}
	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(filepath.ToSlash(cfg.Path))
	return "file:" + escaped + "?mode=ro", nil
}

func (sqliteDialect) EnforceReadOnly(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "PRAGMA query_only = ON")
	return err
}

// Prepared is false: mode=ro and query_only already refuse writes.
func (sqliteDialect) Prepared() bool { return false }

func (sqliteDialect) ListTablesQuery(models.DatabaseConfig) (string, []any) {
	return `SELECT name FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name`, nil
}

// ColumnsQuery embeds the name because PRAGMA table_info takes no placeholders.
func (sqliteDialect) ColumnsQuery(_ models.DatabaseConfig, table string) (string, []any) {
	return fmt.Sprintf("PRAGMA table_info('%s')", strings.ReplaceAll(table, "'", "''")), nil
}

func (sqliteDialect) ScanColumn(rows *sql.Rows) (Column, error) {
	// cid, name, type, notnull, dflt_value, pk
	var cid, notNull, pk int
	var name, colType string
	var dflt sql.NullString
	if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
		return Column{}, err
	}
	return Column{Name: name, Type: colType, Nullable: notNull == 0, Primary: pk > 0}, nil
}

func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (sqliteDialect) ErrorMessage(err error) string {
	return err.Error()
}
