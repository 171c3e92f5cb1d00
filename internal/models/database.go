package models

import "strings"

// Dialect identifies a supported SQL backend.
type Dialect string

const (
	DialectMySQL      Dialect = "mysql"
	DialectPostgreSQL Dialect = "postgresql"
	DialectSQLite     Dialect = "sqlite"
)

// ParseDialect normalizes common spellings of a dialect name.
// Unknown names are returned lower-cased and unchanged so the adapter can reject them.
func ParseDialect(s string) Dialect {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "postgres", "postgresql", "pg":
		return DialectPostgreSQL
	case "sqlite", "sqlite3":
		return DialectSQLite
	case "mysql", "mariadb":
		return DialectMySQL
	default:
		return Dialect(v)
	}
}

// DatabaseConfig describes how to reach one database. Which fields are
// meaningful depends on Dialect: sqlite only uses Path.
type DatabaseConfig struct {
	Dialect  Dialect `json:"db_type" yaml:"db_type"`
	Host     string  `json:"host,omitempty" yaml:"host,omitempty"`
	Port     string  `json:"port,omitempty" yaml:"port,omitempty"`
	User     string  `json:"user,omitempty" yaml:"user,omitempty"`
	Password string  `json:"password,omitempty" yaml:"password,omitempty"`
	Database string  `json:"db_name,omitempty" yaml:"db_name,omitempty"`
	Path     string  `json:"path,omitempty" yaml:"path,omitempty"`
}

// Redacted returns a copy safe for logs and display.
func (c DatabaseConfig) Redacted() DatabaseConfig {
	if c.Password != "" {
		c.Password = "****"
	}
	return c
}

// Target returns a short human-readable description of the database.
func (c DatabaseConfig) Target() string {
	if c.Dialect == DialectSQLite {
		return c.Path
	}
	return c.Host + ":" + c.Port + "/" + c.Database
}
