package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/askdb/internal/models"
)

// dbFlags holds the connection flags shared by ask and mcp.
type dbFlags struct {
	configFile string
	dialect    string
	host       string
	port       string
	user       string
	password   string
	database   string
	path       string
}

func (f *dbFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.configFile, "db-config", "", "YAML file with db_type, host, port, user, password, db_name, path")
	fs.StringVar(&f.dialect, "db-type", "", "Database type: mysql, postgresql or sqlite")
	fs.StringVar(&f.host, "host", "", "Database host (default localhost)")
	fs.StringVar(&f.port, "port", "", "Database port (default 3306 for mysql, 5432 for postgresql)")
	fs.StringVar(&f.user, "user", "", "Database user")
	fs.StringVar(&f.password, "password", "", "Database password (or ASKDB_DB_PASSWORD)")
	fs.StringVar(&f.database, "db-name", "", "Database name")
	fs.StringVar(&f.path, "path", "", "SQLite database file")
}

// config builds the connection config: the YAML file first, then any flag
// that was set on the command line.
func (f *dbFlags) config(cmd *cobra.Command) (models.DatabaseConfig, error) {
	var cfg models.DatabaseConfig
	if f.configFile != "" {
		data, err := os.ReadFile(f.configFile)
		if err != nil {
			return cfg, fmt.Errorf("read db config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse db config %s: %w", f.configFile, err)
		}
	}

	fs := cmd.Flags()
	set := func(name string, dst *string, val string) {
		if fs.Changed(name) {
			*dst = val
		}
	}
	var dialect string
	set("db-type", &dialect, f.dialect)
	if dialect != "" {
		cfg.Dialect = models.Dialect(dialect)
	}
	set("host", &cfg.Host, f.host)
	set("port", &cfg.Port, f.port)
	set("user", &cfg.User, f.user)
	set("password", &cfg.Password, f.password)
	set("db-name", &cfg.Database, f.database)
	set("path", &cfg.Path, f.path)

	if cfg.Password == "" {
		cfg.Password = os.Getenv("ASKDB_DB_PASSWORD")
	}

	cfg.Dialect = models.ParseDialect(string(cfg.Dialect))
	if cfg.Dialect == "" {
		return cfg, fmt.Errorf("no database given: use --db-type or --db-config")
	}
	return cfg, nil
}
