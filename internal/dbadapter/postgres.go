package dbadapter

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/url"

	"github.com/lib/pq"

	"github.com/joescharf/askdb/internal/models"
)

type postgresDialect struct{}

func (postgresDialect) Name() models.Dialect { return models.DialectPostgreSQL }
func (postgresDialect) DriverName() string   { return "postgres" }

func (postgresDialect) Normalize(cfg models.DatabaseConfig) (models.DatabaseConfig, error) {
	cfg = networkDefaults(cfg, "5432")
	if err := requireNetworkFields(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// BuildDSN disables TLS for loopback hosts and requires it otherwise.
func (postgresDialect) BuildDSN(cfg models.DatabaseConfig) (string, error) {
	sslmode := "require"
	if isLoopback(cfg.Host) {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, cfg.Port),
		Path:   "/" + cfg.Database,
		RawQuery: url.Values{
			"sslmode":         {sslmode},
			"connect_timeout": {"10"},
		}.Encode(),
	}
	return u.String(), nil
}

// EnforceReadOnly also pins standard_conforming_strings so a backslash in
// a plain literal is never an escape.
func (postgresDialect) EnforceReadOnly(ctx context.Context, conn *sql.Conn) error {
	for _, stmt := range []string{
		"SET SESSION CHARACTERISTICS AS TRANSACTION READ ONLY",
		"SET standard_conforming_strings = on",
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Prepared is true: the extended protocol refuses more than one statement.
func (postgresDialect) Prepared() bool { return true }

func (postgresDialect) ListTablesQuery(models.DatabaseConfig) (string, []any) {
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_name`, nil
}

func (postgresDialect) ColumnsQuery(_ models.DatabaseConfig, table string) (string, []any) {
	return `SELECT c.column_name, c.data_type, c.is_nullable,
			CASE WHEN EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage k
					ON k.constraint_name = tc.constraint_name
					AND k.table_schema = tc.table_schema
					AND k.table_name = tc.table_name
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = c.table_schema
					AND tc.table_name = c.table_name
					AND k.column_name = c.column_name
			) THEN 'PRI' ELSE '' END
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`, []any{table}
}

func (postgresDialect) ScanColumn(rows *sql.Rows) (Column, error) {
	return scanCatalogColumn(rows)
}

func (postgresDialect) QuoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

func (postgresDialect) ErrorMessage(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		msg := pqErr.Message
		if pqErr.Detail != "" {
			msg += " (" + pqErr.Detail + ")"
		}
		if pqErr.Hint != "" {
			msg += " hint: " + pqErr.Hint
		}
		return msg
	}
	return err.Error()
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
