package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/askdb/internal/models"
)

func TestSystemPrompt(t *testing.T) {
	t.Run("names dialect and row limit", func(t *testing.T) {
		p := SystemPrompt(models.DialectPostgreSQL, 20)

		assert.Contains(t, p, "postgresql database")
		assert.Contains(t, p, "at most 20 results")
	})

	t.Run("describes the tool protocol in order", func(t *testing.T) {
		p := SystemPrompt(models.DialectSQLite, 5)

		assert.Contains(t, p, "1. list_tables")
		assert.Contains(t, p, "2. tables_schema")
		assert.Contains(t, p, "3. query_checker")
		assert.Contains(t, p, "4. execute_query")
	})

	t.Run("forbids mutations", func(t *testing.T) {
		p := SystemPrompt(models.DialectMySQL, 20)

		assert.Contains(t, p, "DO NOT make any DML statements")
		assert.Contains(t, p, "relevant column")
	})
}
