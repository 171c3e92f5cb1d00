package cmd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/askdb/internal/models"
	"github.com/joescharf/askdb/internal/store"
)

// seedRuns stores two runs in the test history database.
func seedRuns(t *testing.T) {
	t.Helper()
	s, err := getStore()
	require.NoError(t, err)

	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveRun(ctx, &models.RunRecord{
		ID:          "run-a",
		SessionID:   "sess-1",
		Dialect:     models.DialectSQLite,
		Database:    "chinook.db",
		Question:    "How many customers are there?",
		Status:      models.OutcomeSuccess,
		Answer:      "There are 59 customers.",
		SQL:         "SELECT COUNT(*) FROM customers LIMIT 20",
		RowCount:    1,
		OracleCalls: 3,
		StartedAt:   start,
		Duration:    1500 * time.Millisecond,
	}))
	require.NoError(t, s.SaveRun(ctx, &models.RunRecord{
		ID:          "run-b",
		SessionID:   "sess-2",
		Dialect:     models.DialectSQLite,
		Database:    "chinook.db",
		Question:    "Which artist sold the most?",
		Status:      models.OutcomeExhausted,
		Reason:      models.ReasonBudget,
		OracleCalls: 10,
		StartedAt:   start.Add(time.Minute),
	}))
}

func resetHistoryFlags(t *testing.T) {
	t.Helper()
	historySession = ""
	historyLimit = store.DefaultListLimit
	t.Cleanup(func() {
		historySession = ""
		historyLimit = store.DefaultListLimit
	})
}

func TestHistoryList_Empty(t *testing.T) {
	_, out := testEnv(t)
	resetHistoryFlags(t)

	require.NoError(t, historyListRun(context.Background()))
	assert.Contains(t, out.String(), "No runs recorded")
}

func TestHistoryList(t *testing.T) {
	_, out := testEnv(t)
	resetHistoryFlags(t)
	seedRuns(t)
	out.Reset()

	require.NoError(t, historyListRun(context.Background()))
	assert.Contains(t, out.String(), "run-a")
	assert.Contains(t, out.String(), "run-b")
	assert.Contains(t, out.String(), "How many customers")
}

func TestHistoryList_FilterBySession(t *testing.T) {
	_, out := testEnv(t)
	resetHistoryFlags(t)
	seedRuns(t)
	out.Reset()

	historySession = "sess-2"
	require.NoError(t, historyListRun(context.Background()))
	assert.Contains(t, out.String(), "run-b")
	assert.NotContains(t, out.String(), "run-a")
}

func TestHistoryShow(t *testing.T) {
	_, out := testEnv(t)
	seedRuns(t)
	out.Reset()

	require.NoError(t, historyShowRun(context.Background(), "run-a"))
	assert.Contains(t, out.String(), "sess-1")
	assert.Contains(t, out.String(), "SELECT COUNT(*) FROM customers LIMIT 20")
	assert.Contains(t, out.String(), "There are 59 customers.")

	out.Reset()
	require.NoError(t, historyShowRun(context.Background(), "run-b"))
	assert.Contains(t, out.String(), "("+models.ReasonBudget+")")
	assert.NotContains(t, out.String(), "SQL:")
}

func TestHistoryShow_NotFound(t *testing.T) {
	testEnv(t)

	err := historyShowRun(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistoryDelete(t *testing.T) {
	testEnv(t)
	seedRuns(t)

	require.NoError(t, historyDeleteRun(context.Background(), "run-a"))
	assert.ErrorIs(t, historyShowRun(context.Background(), "run-a"), store.ErrNotFound)
	assert.ErrorIs(t, historyDeleteRun(context.Background(), "run-a"), store.ErrNotFound)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly10!", truncate("exactly10!", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "日本…", truncate("日本語のテキスト", 3))
}
