package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/askdb/internal/models"
	"github.com/joescharf/askdb/internal/output"
	"github.com/joescharf/askdb/internal/sessions"
)

var (
	askDB    dbFlags
	askJSON  bool
	askTrace bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question against a database",
	Long: `Connect to a database, answer one question and disconnect.

Examples:
  askdb ask --db-type sqlite --path ./shop.db "How many orders were placed in March?"
  askdb ask --db-config prod.yaml --trace "Which customers spent the most?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := askDB.config(cmd)
		if err != nil {
			return err
		}
		return askRun(cmd.Context(), cfg, strings.Join(args, " "))
	},
}

func init() {
	askDB.register(askCmd)
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the full outcome as JSON")
	askCmd.Flags().BoolVar(&askTrace, "trace", false, "Print the conversation trace")
	rootCmd.AddCommand(askCmd)
}

func askRun(ctx context.Context, cfg models.DatabaseConfig, question string) error {
	orch, err := newOrchestrator()
	if err != nil {
		return err
	}

	opts := sessions.Options{Logger: logger}
	if s, err := getStore(); err != nil {
		ui.Warning("Run history disabled: %v", err)
	} else {
		opts.Recorder = s
	}
	mgr := sessions.NewManager(orch, opts)
	defer func() { _ = mgr.Close() }()

	id, err := mgr.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	ui.VerboseLog("Connected to %s %s", cfg.Dialect, cfg.Redacted().Target())

	out, err := mgr.Ask(ctx, id, question)
	if err != nil {
		return err
	}

	if askJSON {
		enc := json.NewEncoder(ui.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	printOutcome(out, askTrace)
	if out.Status != models.OutcomeSuccess {
		return fmt.Errorf("run %s: %s", out.Status, out.Reason)
	}
	return nil
}

// printOutcome renders a run for the terminal.
func printOutcome(out *models.AgentOutcome, withTrace bool) {
	if withTrace {
		printTrace(out.Trace)
		fmt.Fprintln(ui.Out)
	}

	fmt.Fprintln(ui.Out, out.Answer)
	fmt.Fprintln(ui.Out)

	if out.SQL != "" {
		ui.Info("SQL: %s", output.Cyan(out.SQL))
	}
	if out.Rows != nil && len(out.Rows.Columns) > 0 {
		table := ui.Table(out.Rows.Columns)
		for _, row := range output.FormatRows(out.Rows.Rows) {
			_ = table.Append(row)
		}
		_ = table.Render()
	}

	status := output.StatusColor(string(out.Status))
	if out.Reason != "" {
		status += " (" + out.Reason + ")"
	}
	ui.Info("Status: %s  oracle calls: %d  took: %s", status, out.OracleCalls, out.Duration.Round(time.Millisecond))
}

func printTrace(trace []models.ConversationTurn) {
	for _, turn := range trace {
		switch {
		case turn.Role == models.RoleAssistant && turn.ToolName != "":
			fmt.Fprintf(ui.Out, "%s %s(%s)\n", output.Cyan("call"), turn.ToolName, turn.ToolArgs)
		case turn.Role == models.RoleTool && turn.IsError:
			fmt.Fprintf(ui.Out, "%s %s\n", output.Red("tool"), turn.Content)
		case turn.Role == models.RoleTool:
			fmt.Fprintf(ui.Out, "%s %s\n", output.Green("tool"), turn.Content)
		default:
			fmt.Fprintf(ui.Out, "%s %s\n", output.Yellow(string(turn.Role)), turn.Content)
		}
	}
}
