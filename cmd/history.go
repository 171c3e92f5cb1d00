package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/askdb/internal/output"
	"github.com/joescharf/askdb/internal/store"
)

var (
	historySession string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"hist"},
	Short:   "Show past runs",
	Long: `Show or manage the persisted run history.

Running bare 'askdb history' is the same as 'askdb history list'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyListRun(context.Background())
	},
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyListRun(context.Background())
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyShowRun(context.Background(), args[0])
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyDeleteRun(context.Background(), args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{historyCmd, historyListCmd} {
		c.Flags().StringVar(&historySession, "session", "", "Only runs from this session")
		c.Flags().IntVar(&historyLimit, "limit", store.DefaultListLimit, "Maximum number of runs")
	}
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	rootCmd.AddCommand(historyCmd)
}

func historyListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	runs, err := s.ListRuns(ctx, historySession, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ui.Info("No runs recorded")
		return nil
	}

	table := ui.Table([]string{"ID", "STARTED", "DB", "STATUS", "QUESTION"})
	for _, r := range runs {
		_ = table.Append([]string{
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			string(r.Dialect) + ":" + r.Database,
			output.StatusColor(string(r.Status)),
			truncate(r.Question, 60),
		})
	}
	return table.Render()
}

func historyShowRun(ctx context.Context, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	r, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}

	status := output.StatusColor(string(r.Status))
	if r.Reason != "" {
		status += " (" + r.Reason + ")"
	}
	fmt.Fprintf(ui.Out, "Run:       %s\n", r.ID)
	fmt.Fprintf(ui.Out, "Session:   %s\n", r.SessionID)
	fmt.Fprintf(ui.Out, "Database:  %s %s\n", r.Dialect, r.Database)
	fmt.Fprintf(ui.Out, "Started:   %s (%s)\n", r.StartedAt.Local().Format(time.RFC3339), r.Duration.Round(time.Millisecond))
	fmt.Fprintf(ui.Out, "Status:    %s\n", status)
	fmt.Fprintf(ui.Out, "Question:  %s\n", r.Question)
	if r.SQL != "" {
		fmt.Fprintf(ui.Out, "SQL:       %s\n", output.Cyan(r.SQL))
		fmt.Fprintf(ui.Out, "Rows:      %d\n", r.RowCount)
	}
	fmt.Fprintf(ui.Out, "Oracle:    %d calls\n", r.OracleCalls)
	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, r.Answer)
	return nil
}

func historyDeleteRun(ctx context.Context, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	if err := s.DeleteRun(ctx, id); err != nil {
		return err
	}
	ui.Success("Deleted run %s", id)
	return nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
