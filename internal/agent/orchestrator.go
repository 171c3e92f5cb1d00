// Package agent drives a reasoning oracle through the discover, inspect,
// validate and execute protocol against one database handle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/askdb/internal/dbadapter"
	"github.com/joescharf/askdb/internal/llm"
	"github.com/joescharf/askdb/internal/models"
	"github.com/joescharf/askdb/internal/telemetry"
	"github.com/joescharf/askdb/internal/tools"
	"github.com/joescharf/askdb/internal/validator"
)

// ErrInvalidInput is returned for requests rejected before a run starts.
var ErrInvalidInput = errors.New("invalid input")

// Config bounds a run.
type Config struct {
	// MaxIterations caps oracle calls per run, failed calls included.
	MaxIterations int
	// Timeout is the deadline for a whole run. Zero means no deadline.
	Timeout time.Duration
	// RowLimit is injected into unbounded queries.
	RowLimit int
	// OracleRetries is how many consecutive oracle failures are tolerated.
	OracleRetries int
}

// DefaultConfig returns the stock run bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 10,
		Timeout:       2 * time.Minute,
		RowLimit:      validator.DefaultRowLimit,
		OracleRetries: 2,
	}
}

// Orchestrator runs questions to completion. It holds no per-run state and
// may serve many sessions concurrently.
type Orchestrator struct {
	oracle llm.Oracle
	cfg    Config
	logger *slog.Logger

	tracer      trace.Tracer
	runCount    metric.Int64Counter
	oracleCount metric.Int64Counter
	toolCount   metric.Int64Counter
	runDuration metric.Float64Histogram
}

// New creates an Orchestrator. Non-positive limits fall back to DefaultConfig.
func New(oracle llm.Oracle, cfg Config, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = def.RowLimit
	}
	if cfg.OracleRetries < 0 {
		cfg.OracleRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	meter := telemetry.Meter("askdb/agent")
	runs, _ := meter.Int64Counter("askdb.agent.runs",
		metric.WithDescription("Completed orchestration runs by status"),
	)
	oracleCalls, _ := meter.Int64Counter("askdb.agent.oracle_calls",
		metric.WithDescription("Reasoning oracle round-trips"),
	)
	toolCalls, _ := meter.Int64Counter("askdb.agent.tool_calls",
		metric.WithDescription("Tool dispatches by tool and result"),
	)
	runDur, _ := meter.Float64Histogram("askdb.agent.run.duration",
		metric.WithDescription("Wall time of an orchestration run (ms)"),
		metric.WithUnit("ms"),
	)

	return &Orchestrator{
		oracle:      oracle,
		cfg:         cfg,
		logger:      logger,
		tracer:      telemetry.Tracer("askdb/agent"),
		runCount:    runs,
		oracleCount: oracleCalls,
		toolCount:   toolCalls,
		runDuration: runDur,
	}
}

// Config returns the effective run bounds.
func (o *Orchestrator) Config() Config { return o.cfg }

// run is the mutable state of one orchestration.
type run struct {
	outcome     *models.AgentOutcome
	state       State
	lastText    string
	lastOutput  string
	oracleFails int
}

func (r *run) enter(s State) {
	r.state = s
	r.outcome.States = append(r.outcome.States, string(s))
}

func (r *run) append(turn models.ConversationTurn) {
	r.outcome.Trace = append(r.outcome.Trace, turn)
}

// Run answers question using backend. Only an empty question or missing
// backend is returned as an error; every other ending, including budget
// exhaustion, timeout and oracle failure, is reported in the outcome.
func (o *Orchestrator) Run(ctx context.Context, question string, backend tools.Backend) (*models.AgentOutcome, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is empty", ErrInvalidInput)
	}
	if backend == nil {
		return nil, fmt.Errorf("%w: no database handle", ErrInvalidInput)
	}

	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	r := &run{outcome: &models.AgentOutcome{
		RunID:     ulid.Make().String(),
		StartedAt: time.Now().UTC(),
		Trace:     []models.ConversationTurn{{Role: models.RoleUser, Content: question}},
	}}
	r.enter(StateStart)

	ctx, span := o.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("askdb.run_id", r.outcome.RunID),
		attribute.String("askdb.dialect", string(backend.DialectName())),
	))
	defer span.End()

	logger := o.logger.With("run_id", r.outcome.RunID)
	registry := tools.New(backend, validator.New(o.cfg.RowLimit))
	req := llm.Request{
		System: llm.SystemPrompt(backend.DialectName(), o.cfg.RowLimit),
		Tools:  registry.Specs(),
	}

	o.loop(ctx, r, registry, req, logger)

	out := r.outcome
	out.Duration = time.Since(out.StartedAt)
	o.record(ctx, out)
	span.SetAttributes(
		attribute.String("askdb.status", string(out.Status)),
		attribute.Int("askdb.oracle_calls", out.OracleCalls),
	)
	if out.Status != models.OutcomeSuccess {
		span.SetStatus(codes.Error, out.Reason)
	}
	return out, nil
}

func (o *Orchestrator) loop(ctx context.Context, r *run, registry *tools.Registry, req llm.Request, logger *slog.Logger) {
	seq := 0
	for {
		if ctx.Err() != nil {
			o.exhaust(r, models.ReasonTimeout, logger)
			return
		}
		if r.outcome.OracleCalls >= o.cfg.MaxIterations {
			o.exhaust(r, models.ReasonBudget, logger)
			return
		}

		r.outcome.OracleCalls++
		o.oracleCount.Add(ctx, 1)
		req.Trace = r.outcome.Trace
		decision, err := o.oracle.Decide(ctx, req)
		if err == nil && decision.Kind == llm.KindFinalAnswer && strings.TrimSpace(decision.Text) == "" {
			err = fmt.Errorf("%w: empty final answer", llm.ErrOracle)
		}
		if err == nil && decision.Kind != llm.KindFinalAnswer && decision.Kind != llm.KindToolCall {
			err = fmt.Errorf("%w: unknown decision kind %q", llm.ErrOracle, decision.Kind)
		}
		if err != nil {
			if ctx.Err() != nil {
				o.exhaust(r, models.ReasonTimeout, logger)
				return
			}
			r.oracleFails++
			logger.Info("oracle call failed", "attempt", r.oracleFails, "error", err)
			if r.oracleFails > o.cfg.OracleRetries {
				o.exhaust(r, models.ReasonOracleUnavailable, logger)
				return
			}
			continue
		}
		r.oracleFails = 0

		if decision.Kind == llm.KindFinalAnswer {
			logger.Debug("oracle answered", "oracle_calls", r.outcome.OracleCalls)
			r.append(models.ConversationTurn{Role: models.RoleAssistant, Content: decision.Text})
			r.outcome.Answer = strings.TrimSpace(decision.Text)
			r.outcome.Status = models.OutcomeSuccess
			r.enter(StateAnswer)
			return
		}

		seq++
		if stop := o.dispatch(ctx, r, registry, decision, seq, logger); stop {
			return
		}
	}
}

// dispatch runs one tool call and records both sides of it in the trace.
// It reports true when the run must end.
func (o *Orchestrator) dispatch(ctx context.Context, r *run, registry *tools.Registry, d llm.Decision, seq int, logger *slog.Logger) bool {
	callID := d.CallID
	if callID == "" {
		callID = "call_" + ulid.Make().String()
	}
	if t := strings.TrimSpace(d.Text); t != "" {
		r.lastText = t
	}

	r.append(models.ConversationTurn{
		Role:     models.RoleAssistant,
		Content:  d.Text,
		ToolName: d.Tool,
		ToolArgs: d.Arguments,
		CallID:   callID,
	})

	name, known := tools.Lookup(d.Tool)
	if known {
		r.enter(dispatchState[name])
	}

	logger.Debug("dispatching tool", "tool", d.Tool, "sequence", seq)
	res := registry.Call(ctx, models.ToolCall{ID: callID, Tool: d.Tool, Arguments: d.Arguments, Sequence: seq})
	o.toolCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", d.Tool),
		attribute.Bool("success", res.Success),
	))

	r.append(models.ConversationTurn{
		Role:     models.RoleTool,
		Content:  res.Output,
		ToolName: d.Tool,
		CallID:   callID,
		IsError:  !res.Success,
	})

	if !res.Success {
		switch {
		case errors.Is(res.Err, dbadapter.ErrHandleClosed):
			logger.Warn("database handle lost", "tool", d.Tool, "error", res.Err)
			r.outcome.Status = models.OutcomeError
			r.outcome.Reason = models.ReasonConnectionLost
			r.outcome.Answer = "The database connection was lost before an answer was found."
			r.enter(StateExhausted)
			return true
		case ctx.Err() != nil:
			o.exhaust(r, models.ReasonTimeout, logger)
			return true
		}
		logger.Info("tool failed", "tool", d.Tool, "error", res.Error)
		r.enter(StateErrorRecovery)
		return false
	}

	if next := afterSuccess(name); next != r.state {
		r.enter(next)
	}
	if name == tools.ExecuteQuery {
		r.outcome.SQL = res.SQL
		r.outcome.Rows = res.Rows
		r.lastOutput = res.Output
	}
	return false
}

// exhaust ends the run without an answer from the oracle, keeping the best
// partial result gathered so far.
func (o *Orchestrator) exhaust(r *run, reason string, logger *slog.Logger) {
	r.outcome.Status = models.OutcomeExhausted
	r.outcome.Reason = reason
	r.outcome.Answer = partialAnswer(r, reason)
	r.enter(StateExhausted)
	logger.Warn("run exhausted", "reason", reason, "oracle_calls", r.outcome.OracleCalls)
}

func partialAnswer(r *run, reason string) string {
	var why string
	switch reason {
	case models.ReasonTimeout:
		why = "The run timed out before a final answer."
	case models.ReasonOracleUnavailable:
		why = "The reasoning service was unavailable."
	default:
		why = fmt.Sprintf("No final answer within %d reasoning steps.", r.outcome.OracleCalls)
	}

	switch {
	case r.outcome.Rows != nil:
		return fmt.Sprintf("%s The last successful query was:\n%s\nIt returned:\n%s", why, r.outcome.SQL, r.lastOutput)
	case r.lastText != "":
		return why + " Last progress: " + r.lastText
	default:
		return why
	}
}

func (o *Orchestrator) record(ctx context.Context, out *models.AgentOutcome) {
	attrs := metric.WithAttributes(
		attribute.String("status", string(out.Status)),
		attribute.String("reason", out.Reason),
	)
	o.runCount.Add(ctx, 1, attrs)
	o.runDuration.Record(ctx, float64(out.Duration.Milliseconds()), attrs)
}
