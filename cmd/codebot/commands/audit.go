package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/codebot/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	Long: `Print recent entries of the audit trail: task starts and ends and
every push, pull request and reply codebot performed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		last, _ := cmd.Flags().GetInt("last")
		taskID, _ := cmd.Flags().GetString("task")
		setupColor(cmd)

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		dir := cfg.ExpandedAuditDir()
		if dir == "" {
			return fmt.Errorf("audit log is disabled (audit_dir is empty)")
		}

		events, err := audit.Recent(dir, last, taskID)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No audit events found.")
			return nil
		}
		for _, e := range events {
			printAuditEvent(e)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().IntP("last", "n", 50, "Show last N events")
	auditCmd.Flags().String("task", "", "Only show events of one task")
	auditCmd.Flags().Bool("no-color", false, "Disable colored output")
	rootCmd.AddCommand(auditCmd)
}

func printAuditEvent(e audit.Event) {
	s := newRunStyles()
	outcome := ""
	switch {
	case e.Status != "":
		outcome = s.statusStyle(e.Status).Render(string(e.Status))
	case e.Result == audit.ResultFailed:
		outcome = s.Error.Render(e.Result)
	case e.Result != "":
		outcome = s.Success.Render(e.Result)
	}

	line := fmt.Sprintf("%s %-14s %s", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Type, s.Muted.Render(e.TaskID))
	if outcome != "" {
		line += " " + outcome
	}
	if e.Duration > 0 {
		line += s.Muted.Render(fmt.Sprintf(" (%s)", e.Duration.Round(time.Millisecond)))
	}
	fmt.Println(line)
	if e.Error != "" {
		fmt.Printf("  %s %s\n", s.Label.Render("error:"), e.Error)
	}
}
