// Package llm defines the reasoning oracle the agent consults and its
// Anthropic implementation.
package llm

import (
	"context"
	"errors"

	"github.com/joescharf/askdb/internal/models"
)

// ErrOracle wraps every failure to obtain a decision.
var ErrOracle = errors.New("reasoning oracle unavailable")

// DecisionKind says whether the oracle wants a tool run or is done.
type DecisionKind string

const (
	KindToolCall    DecisionKind = "tool_call"
	KindFinalAnswer DecisionKind = "final_answer"
)

// Decision is one oracle response.
type Decision struct {
	Kind DecisionKind

	// Set for KindToolCall. CallID may be empty; the caller assigns one.
	Tool      string
	Arguments string
	CallID    string

	// Final answer text, or reasoning that accompanied a tool call.
	Text string
}

// Request is everything the oracle sees for one decision.
type Request struct {
	System string
	Trace  []models.ConversationTurn
	Tools  []models.ToolSpec
}

// Oracle decides the next step of a run.
type Oracle interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req Request) (Decision, error)

func (f OracleFunc) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// Answer is a convenience constructor for a final answer.
func Answer(text string) Decision {
	return Decision{Kind: KindFinalAnswer, Text: text}
}

// Call is a convenience constructor for a tool call.
func Call(tool, arguments string) Decision {
	return Decision{Kind: KindToolCall, Tool: tool, Arguments: arguments}
}
