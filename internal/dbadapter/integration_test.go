package dbadapter

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/joescharf/askdb/internal/models"
)

// Container-backed tests run only with ASKDB_INTEGRATION=1.
func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("ASKDB_INTEGRATION") != "1" {
		t.Skip("set ASKDB_INTEGRATION=1 to run container tests")
	}
}

type backend struct {
	dialect models.Dialect
	req     testcontainers.ContainerRequest
	port    string
	cfg     func(host, port string) models.DatabaseConfig
	seed    []string
	sleep   string
}

var backends = []backend{
	{
		dialect: models.DialectPostgreSQL,
		req: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "askdb",
				"POSTGRES_PASSWORD": "askdb",
				"POSTGRES_DB":       "shop",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		port: "5432",
		cfg: func(host, port string) models.DatabaseConfig {
			return models.DatabaseConfig{Dialect: models.DialectPostgreSQL, Host: host, Port: port, User: "askdb", Password: "askdb", Database: "shop"}
		},
		seed: []string{
			`CREATE TABLE users (id SERIAL PRIMARY KEY, name TEXT NOT NULL)`,
			`INSERT INTO users (name) VALUES ('alice'), ('bob')`,
		},
		sleep: "SELECT pg_sleep(5)",
	},
	{
		dialect: models.DialectMySQL,
		req: testcontainers.ContainerRequest{
			Image:        "mysql:8.4",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "askdb",
				"MYSQL_DATABASE":      "shop",
			},
			WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").
				WithStartupTimeout(120 * time.Second),
		},
		port: "3306",
		cfg: func(host, port string) models.DatabaseConfig {
			return models.DatabaseConfig{Dialect: models.DialectMySQL, Host: host, Port: port, User: "root", Password: "askdb", Database: "shop"}
		},
		seed: []string{
			`CREATE TABLE users (id INT AUTO_INCREMENT PRIMARY KEY, name VARCHAR(64) NOT NULL)`,
			`INSERT INTO users (name) VALUES ('alice'), ('bob')`,
		},
		sleep: "SELECT SLEEP(5)",
	},
}

func TestIntegration_NetworkDialects(t *testing.T) {
	requireIntegration(t)

	for _, b := range backends {
		t.Run(string(b.dialect), func(t *testing.T) {
			ctx := context.Background()

			container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
				ContainerRequest: b.req,
				Started:          true,
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = container.Terminate(context.Background()) })

			host, err := container.Host(ctx)
			require.NoError(t, err)
			port, err := container.MappedPort(ctx, nat.Port(b.port))
			require.NoError(t, err)

			cfg := b.cfg(host, port.Port())
			d := dialects[b.dialect]
			norm, err := d.Normalize(cfg)
			require.NoError(t, err)
			dsn, err := d.BuildDSN(norm)
			require.NoError(t, err)

			seedDB, err := sql.Open(d.DriverName(), dsn)
			require.NoError(t, err)
			for _, s := range b.seed {
				_, err := seedDB.ExecContext(ctx, s)
				require.NoError(t, err)
			}
			require.NoError(t, seedDB.Close())

			h, err := Connect(ctx, cfg)
			require.NoError(t, err)
			defer h.Close()

			tables, err := h.ListTables(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"users"}, tables)

			schema, err := h.DescribeSchema(ctx, []string{"users"})
			require.NoError(t, err)
			assert.Contains(t, schema, "PRIMARY KEY")
			assert.Contains(t, schema, "alice")

			rs, err := h.Execute(ctx, models.QueryPlan{SQL: "SELECT name FROM users ORDER BY name LIMIT 20", Validated: true, Dialect: b.dialect})
			require.NoError(t, err)
			assert.Equal(t, 2, rs.RowCount())

			// The session is read-only at the connection level.
			_, err = h.Execute(ctx, models.QueryPlan{SQL: "DELETE FROM users", Validated: true, Dialect: b.dialect})
			assert.ErrorIs(t, err, ErrQueryExecution)

			_, err = h.Execute(ctx, models.QueryPlan{SQL: "SELECT * FROM invoices", Validated: true, Dialect: b.dialect})
			assert.ErrorIs(t, err, ErrQueryExecution)

			// A second statement is refused by the server as well.
			_, err = h.Execute(ctx, models.QueryPlan{SQL: "SELECT 1; SELECT 2", Validated: true, Dialect: b.dialect})
			assert.ErrorIs(t, err, ErrQueryExecution)

			// A timed-out query does not break the session.
			short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
			_, err = h.Execute(short, models.QueryPlan{SQL: b.sleep, Validated: true, Dialect: b.dialect})
			cancel()
			require.Error(t, err)

			rs, err = h.Execute(ctx, models.QueryPlan{SQL: "SELECT name FROM users ORDER BY name LIMIT 20", Validated: true, Dialect: b.dialect})
			require.NoError(t, err)
			assert.Equal(t, 2, rs.RowCount())

			_, err = h.Execute(ctx, models.QueryPlan{SQL: "DELETE FROM users", Validated: true, Dialect: b.dialect})
			assert.ErrorIs(t, err, ErrQueryExecution, "read-only mode survives the reconnect")
		})
	}
}
