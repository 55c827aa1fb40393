package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/marcus/codebot/internal/db"
	"github.com/marcus/codebot/internal/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate statistics",
	Long: `Display aggregate statistics from the run history database.

Shows run counts, outcomes, pull requests and replies, average queue wait
and run time, and per-repository breakdowns. Use --json for
machine-readable output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		period, _ := cmd.Flags().GetString("period")
		setupColor(cmd)

		window, err := stats.ParsePeriod(period)
		if err != nil {
			return err
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
		result, err := stats.New(database).Compute(ctx, window)
		if err != nil {
			return fmt.Errorf("computing stats: %w", err)
		}
		if jsonOutput {
			return renderStatsJSON(result)
		}
		renderStatsHuman(result)
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "Output as JSON")
	statsCmd.Flags().StringP("period", "p", "all", "Time period: all, last-24h, last-7d, last-30d")
	statsCmd.Flags().Bool("no-color", false, "Disable colored output")
	rootCmd.AddCommand(statsCmd)
}

func renderStatsJSON(result *stats.Result) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func renderStatsHuman(result *stats.Result) {
	s := newRunStyles()
	row := func(label, value string) {
		fmt.Printf("  %s %s\n", s.Label.Render(fmt.Sprintf("%-13s", label)), value)
	}

	fmt.Println(s.Title.Render("Runs"))
	row("Total:", fmt.Sprintf("%d", result.TotalRuns))
	if result.TotalRuns == 0 {
		fmt.Println(s.Muted.Render("  No runs recorded."))
		return
	}
	if result.FirstRunAt != nil {
		row("First run:", result.FirstRunAt.Local().Format("Jan 2, 2006"))
	}
	if result.LastRunAt != nil {
		row("Last run:", result.LastRunAt.Local().Format("Jan 2, 2006 15:04"))
	}
	if result.AvgDuration.Duration > 0 {
		row("Avg run:", result.AvgDuration.String())
	}
	row("Avg wait:", result.AvgWait.String())
	fmt.Println()

	fmt.Println(s.Title.Render("Outcomes"))
	row("Succeeded:", s.Success.Render(fmt.Sprintf("%d", result.Succeeded))+
		s.Muted.Render(fmt.Sprintf(" (%.0f%% success rate)", result.SuccessRate)))
	row("Failed:", s.Error.Render(fmt.Sprintf("%d", result.Failed)))
	row("PRs opened:", fmt.Sprintf("%d", result.PRsOpened))
	row("Replies:", fmt.Sprintf("%d", result.Replies))
	row("Commits:", fmt.Sprintf("%d", result.Commits))
	fmt.Println()

	if len(result.KindBreakdown) > 0 {
		fmt.Println(s.Title.Render("Kinds"))
		kinds := make([]string, 0, len(result.KindBreakdown))
		for k := range result.KindBreakdown {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			row(k, fmt.Sprintf("%d", result.KindBreakdown[k]))
		}
		fmt.Println()
	}

	if len(result.Repositories) > 0 {
		fmt.Printf("%s\n", s.Title.Render(fmt.Sprintf("Repositories (%d)", len(result.Repositories))))
		for _, r := range result.Repositories {
			line := fmt.Sprintf("%d runs", r.Runs)
			if r.Failed > 0 {
				line += s.Error.Render(fmt.Sprintf(", %d failed", r.Failed))
			}
			fmt.Printf("  %s  %s\n", s.Value.Render(r.Repository), line)
		}
	}
}
