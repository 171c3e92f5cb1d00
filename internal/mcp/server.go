package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/askdb/internal/models"
	"github.com/joescharf/askdb/internal/tools"
	"github.com/joescharf/askdb/internal/validator"
)

// askToolName is the extra tool that runs the whole agent loop.
const askToolName = "ask"

// Runner answers a question end to end. *agent.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, question string, backend tools.Backend) (*models.AgentOutcome, error)
}

// Server exposes one database's tool registry as MCP tools, so an external
// agent can drive the same read-only protocol.
type Server struct {
	backend  tools.Backend
	registry *tools.Registry
	runner   Runner
	version  string
	seq      atomic.Int64

	// asking is set while an ask run owns the connection.
	asking atomic.Bool
}

// NewServer creates the MCP server wrapper. runner may be nil, in which case
// the ask tool is not offered.
func NewServer(backend tools.Backend, rowLimit int, runner Runner, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{
		backend:  backend,
		registry: tools.New(backend, validator.New(rowLimit)),
		runner:   runner,
		version:  version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("askdb", s.version, server.WithToolCapabilities(true))

	for _, spec := range s.registry.Specs() {
		srv.AddTool(s.registryTool(spec))
	}
	if s.runner != nil {
		srv.AddTool(s.askTool())
	}
	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// registryTool maps a registry tool onto an MCP tool with one string argument.
func (s *Server) registryTool(spec models.ToolSpec) (mcp.Tool, server.ToolHandlerFunc) {
	argOpts := []mcp.PropertyOption{mcp.Description(spec.ArgDescription)}
	if spec.ArgRequired {
		argOpts = append(argOpts, mcp.Required())
	}
	tool := mcp.NewTool(spec.Name,
		mcp.WithDescription(spec.Description),
		mcp.WithString(spec.ArgName, argOpts...),
	)

	handler := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		arg := request.GetString(spec.ArgName, "")
		if spec.ArgRequired && arg == "" {
			return mcp.NewToolResultError(fmt.Sprintf("%s is required", spec.ArgName)), nil
		}
		res := s.registry.Call(ctx, models.ToolCall{
			Tool:      spec.Name,
			Arguments: arg,
			Sequence:  int(s.seq.Add(1)),
		})
		if !res.Success {
			return mcp.NewToolResultError(res.Output), nil
		}
		return mcp.NewToolResultText(res.Output), nil
	}
	return tool, handler
}

// ask
func (s *Server) askTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool(askToolName,
		mcp.WithDescription("Answer a natural-language question about the database. Runs the full read-only agent loop and returns JSON with status, answer and the last SQL executed."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question to answer")),
	)
	return tool, s.handleAsk
}

func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	// One agent run per database at a time, like a session.
	if !s.asking.CompareAndSwap(false, true) {
		return mcp.NewToolResultError("another ask is already running on this database; retry when it finishes"), nil
	}
	defer s.asking.Store(false)

	out, err := s.runner.Run(ctx, question, s.backend)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ask failed: %v", err)), nil
	}

	type askOut struct {
		Status      models.OutcomeStatus `json:"status"`
		Reason      string               `json:"reason,omitempty"`
		Answer      string               `json:"answer"`
		SQL         string               `json:"sql,omitempty"`
		RowCount    int                  `json:"row_count"`
		OracleCalls int                  `json:"oracle_calls"`
	}
	data, err := json.Marshal(askOut{
		Status:      out.Status,
		Reason:      out.Reason,
		Answer:      out.Answer,
		SQL:         out.SQL,
		RowCount:    out.Rows.RowCount(),
		OracleCalls: out.OracleCalls,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal outcome: %v", err)), nil
	}
	if out.Status != models.OutcomeSuccess {
		return mcp.NewToolResultError(string(data)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
