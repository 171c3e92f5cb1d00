package dbadapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/joescharf/askdb/internal/models"
)

type mysqlDialect struct{}

func (mysqlDialect) Name() models.Dialect { return models.DialectMySQL }
func (mysqlDialect) DriverName() string   { return "mysql" }

func (mysqlDialect) Normalize(cfg models.DatabaseConfig) (models.DatabaseConfig, error) {
	cfg = networkDefaults(cfg, "3306")
	if cfg.User == "" {
		cfg.User = "root"
	}
	if err := requireNetworkFields(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (mysqlDialect) BuildDSN(cfg models.DatabaseConfig) (string, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, cfg.Port)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Timeout = 10 * time.Second
	mc.MultiStatements = false
	return mc.FormatDSN(), nil
}

// sqlModeQuotingFlags changes how the server reads quotes and backslashes.
// They are removed from the session so it lexes text the way askdb does.
var sqlModeQuotingFlags = []string{"ANSI", "ANSI_QUOTES", "NO_BACKSLASH_ESCAPES"}

// sessionSQLMode builds a SET statement that drops flags from sql_mode.
func sessionSQLMode(flags []string) string {
	expr := "CONCAT(',', @@SESSION.sql_mode, ',')"
	for _, f := range flags {
		expr = fmt.Sprintf("REPLACE(%s, ',%s,', ',')", expr, f)
	}
	return fmt.Sprintf("SET SESSION sql_mode = TRIM(BOTH ',' FROM %s)", expr)
}

func (mysqlDialect) EnforceReadOnly(ctx context.Context, conn *sql.Conn) error {
	for _, stmt := range []string{
		"SET SESSION TRANSACTION READ ONLY",
		sessionSQLMode(sqlModeQuotingFlags),
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (mysqlDialect) Prepared() bool { return false }

func (mysqlDialect) ListTablesQuery(cfg models.DatabaseConfig) (string, []any) {
	return `SELECT table_name FROM information_schema.tables WHERE table_schema = ? ORDER BY table_name`,
		[]any{cfg.Database}
}

func (mysqlDialect) ColumnsQuery(cfg models.DatabaseConfig, table string) (string, []any) {
	return `SELECT column_name, column_type, is_nullable, column_key
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, []any{cfg.Database, table}
}

func (mysqlDialect) ScanColumn(rows *sql.Rows) (Column, error) {
	return scanCatalogColumn(rows)
}

func (mysqlDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (mysqlDialect) ErrorMessage(err error) string {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return fmt.Sprintf("Error %d: %s", me.Number, me.Message)
	}
	return err.Error()
}

// scanCatalogColumn reads an information_schema row of
// (name, type, is_nullable, key).
func scanCatalogColumn(rows *sql.Rows) (Column, error) {
	var name, colType, nullable string
	var key sql.NullString
	if err := rows.Scan(&name, &colType, &nullable, &key); err != nil {
		return Column{}, err
	}
	return Column{
		Name:     name,
		Type:     colType,
		Nullable: strings.EqualFold(nullable, "YES"),
		Primary:  key.String == "PRI",
	}, nil
}

func networkDefaults(cfg models.DatabaseConfig, port string) models.DatabaseConfig {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = port
	}
	cfg.Path = ""
	return cfg
}

func requireNetworkFields(cfg models.DatabaseConfig) error {
	var missing []string
	if cfg.User == "" {
		missing = append(missing, "user")
	}
	if cfg.Database == "" {
		missing = append(missing, "db_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidConfig, cfg.Dialect, strings.Join(missing, ", "))
	}
	for _, c := range cfg.Port {
		if c < '0' || c > '9' {
			return fmt.Errorf("%w: port %q is not a number", ErrInvalidConfig, cfg.Port)
		}
	}
	return nil
}
