package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/codebot/internal/db"
	"github.com/marcus/codebot/internal/server"
	"github.com/marcus/codebot/internal/tasks"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server health and recorded task totals",
	Long: `Display the live queue of a running codebot server (via GET /health)
and the totals recorded in the run history database.

Without --url only the run history totals are shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		setupColor(cmd)

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if url != "" {
			if err := showHealth(cmd.Context(), url); err != nil {
				return err
			}
			fmt.Println()
		}

		database, err := db.Open(cfg.ExpandedDBPath())
		if err != nil {
			return fmt.Errorf("opening db: %w", err)
		}
		defer func() { _ = database.Close() }()
		return showTotals(cmd.Context(), database)
	},
}

func init() {
	statusCmd.Flags().String("url", "", "Base URL of a running server, e.g. http://localhost:5000")
	statusCmd.Flags().Bool("no-color", false, "Disable colored output")
	rootCmd.AddCommand(statusCmd)
}

func showHealth(ctx context.Context, base string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("querying server: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var h server.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("decoding health: %w", err)
	}

	s := newRunStyles()
	fmt.Println(s.Title.Render("Server"))
	fmt.Printf("  %s %s\n", s.Label.Render("Status: "), s.Success.Render(h.Status))
	fmt.Printf("  %s %s\n", s.Label.Render("Uptime: "), s.Value.Render(h.Uptime))
	fmt.Printf("  %s %s\n", s.Label.Render("Queue:  "), s.Value.Render(fmt.Sprintf("%d/%d", h.Queued, h.Capacity)))
	fmt.Printf("  %s %s\n", s.Label.Render("Workers:"), s.Value.Render(fmt.Sprintf("%d (%d busy keys)", h.Workers, h.HeldKeys)))
	for _, st := range sortedStatuses(h.Tasks) {
		fmt.Printf("    %s %d\n", s.statusStyle(st).Render(fmt.Sprintf("%-10s", st)), h.Tasks[st])
	}
	return nil
}

func sortedStatuses(m map[tasks.Status]int) []tasks.Status {
	out := make([]tasks.Status, 0, len(m))
	for st := range m {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func showTotals(ctx context.Context, database *db.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	counts, err := database.StatusCounts(ctx)
	if err != nil {
		return err
	}

	s := newRunStyles()
	fmt.Println(s.Title.Render("Run history"))
	if len(counts) == 0 {
		fmt.Println(s.Muted.Render("  No runs recorded."))
		return nil
	}
	total := 0
	keys := make([]string, 0, len(counts))
	for k, n := range counts {
		keys = append(keys, k)
		total += n
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s %d\n", s.statusStyle(tasks.Status(k)).Render(fmt.Sprintf("%-10s", k)), counts[k])
	}
	fmt.Printf("  %s %d\n", s.Label.Render(fmt.Sprintf("%-10s", "total")), total)
	return nil
}
