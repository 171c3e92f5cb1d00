package models

import "time"

// QueryPlan is SQL that went through the safety validator. Only a plan
// with Validated set may be executed.
type QueryPlan struct {
	SQL           string  `json:"sql"`
	Validated     bool    `json:"validated"`
	Dialect       Dialect `json:"dialect"`
	RowLimit      int     `json:"row_limit"`
	LimitInjected bool    `json:"limit_injected"`
}

// RowSet is a materialized query result.
type RowSet struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// RowCount returns the number of materialized rows.
func (r *RowSet) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// OutcomeStatus is the terminal status of an orchestration run.
type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeError     OutcomeStatus = "error"
	OutcomeExhausted OutcomeStatus = "exhausted"
)

// Outcome reasons qualify non-success statuses.
const (
	ReasonBudget            = "iteration_budget"
	ReasonTimeout           = "timeout"
	ReasonOracleUnavailable = "oracle_unavailable"
	ReasonConnectionLost    = "connection_lost"
)

// AgentOutcome is returned once per orchestration run.
type AgentOutcome struct {
	RunID       string             `json:"run_id"`
	Status      OutcomeStatus      `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	Answer      string             `json:"answer"`
	SQL         string             `json:"sql,omitempty"`
	Rows        *RowSet            `json:"rows,omitempty"`
	Trace       []ConversationTurn `json:"trace"`
	States      []string           `json:"states"`
	OracleCalls int                `json:"oracle_calls"`
	StartedAt   time.Time          `json:"started_at"`
	Duration    time.Duration      `json:"duration_ns"`
}

// RunRecord is the persisted summary of one orchestration run.
type RunRecord struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Dialect     Dialect       `json:"dialect"`
	Database    string        `json:"database"`
	Question    string        `json:"question"`
	Status      OutcomeStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Answer      string        `json:"answer"`
	SQL         string        `json:"sql,omitempty"`
	RowCount    int           `json:"row_count"`
	OracleCalls int           `json:"oracle_calls"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
}
