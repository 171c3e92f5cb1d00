package cmd

import (
	"context"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/askdb/internal/agent"
	"github.com/joescharf/askdb/internal/dbadapter"
	"github.com/joescharf/askdb/internal/mcp"
)

var mcpDB dbFlags

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for one database",
	Long: `Start an MCP (Model Context Protocol) server on stdio that exposes the
read-only database tools for one database. Configure in an MCP client with:

  {
    "mcpServers": {
      "askdb": {
        "command": "askdb",
        "args": ["mcp", "--db-type", "sqlite", "--path", "/data/shop.db"]
      }
    }
  }

Available tools: list_tables, tables_schema, query_checker, execute_query,
and ask when an Anthropic API key is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
		defer stop()

		cfg, err := mcpDB.config(cmd)
		if err != nil {
			return err
		}
		h, err := dbadapter.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = h.Close() }()

		// stdout carries the protocol; all logging goes to stderr.
		var runner mcp.Runner
		if oracle, err := newOracle(); err == nil {
			runner = agent.New(oracle, agentConfig(), logger)
		} else {
			logger.Info("ask tool disabled", "reason", err)
		}

		srv := mcp.NewServer(h, viper.GetInt("agent.row_limit"), runner, buildVersion)
		logger.Info("mcp server started", "dialect", h.DialectName(), "target", h.Config().Target())
		if err := srv.ServeStdio(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	},
}

func init() {
	mcpDB.register(mcpCmd)
	rootCmd.AddCommand(mcpCmd)
}
