package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/codebot/internal/db"
	"github.com/marcus/codebot/internal/tasks"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished tasks",
	Long: `List the most recent finished tasks from the run history database.

History is informational only; it is never used to restore queue state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		last, _ := cmd.Flags().GetInt("last")
		status, _ := cmd.Flags().GetString("status")
		setupColor(cmd)

		switch tasks.Status(status) {
		case "", tasks.StatusSucceeded, tasks.StatusFailed:
		default:
			return fmt.Errorf("--status must be %s or %s", tasks.StatusSucceeded, tasks.StatusFailed)
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		database, err := db.Open(cfg.ExpandedDBPath())
		if err != nil {
			return fmt.Errorf("opening db: %w", err)
		}
		defer func() { _ = database.Close() }()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		runs, err := database.RecentRuns(ctx, last, status)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No run history found.")
			return nil
		}

		fmt.Printf("Last %d runs:\n\n", len(runs))
		for _, r := range runs {
			printRun(r)
			fmt.Println()
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("last", "n", 10, "Show last N runs")
	historyCmd.Flags().String("status", "", "Only show runs with this status (succeeded, failed)")
	historyCmd.Flags().Bool("no-color", false, "Disable colored output")
	rootCmd.AddCommand(historyCmd)
}

func printRun(r db.Run) {
	s := newRunStyles()
	fmt.Printf("[%s] %s %s\n",
		r.FinishedAt.Local().Format("2006-01-02 15:04"),
		s.statusStyle(tasks.Status(r.Status)).Render(r.Status),
		s.Muted.Render(r.TaskID))

	line := func(label, value string) {
		if value != "" {
			fmt.Printf("  %s %s\n", s.Label.Render(label), value)
		}
	}
	line("Kind:     ", r.Kind)
	line("Key:      ", r.BranchKey)
	line("Repo:     ", r.Repository)
	line("Branch:   ", r.Branch)
	line("PR:       ", r.PRURL)
	line("Reply:    ", r.ReplyURL)
	if r.StartedAt != nil && !r.FinishedAt.IsZero() {
		line("Duration: ", r.FinishedAt.Sub(*r.StartedAt).Round(time.Second).String())
	}
	if r.Error != "" {
		fmt.Printf("  %s %s\n", s.Label.Render("Error:    "), s.Error.Render(r.Error))
	}
}
