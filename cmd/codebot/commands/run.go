package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/tasks"
)

// stopGrace bounds how long an interrupted run waits for the agent.
const stopGrace = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [payload-file]",
	Short: "Run one task in the foreground",
	Long: `Run a single task and wait for it to finish.

The task is read from a JSON or YAML payload file, from flags, or both
(flags override file values). Required: repository_url and description.

The GitHub token is validated before anything is queued.

Examples:
  codebot run task.yaml
  codebot run --repo https://github.com/acme/widgets.git -d "Add paging to /items"
  codebot run task.json --ticket PROJ-42 --base develop`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addPayloadFlags(runCmd)
	runCmd.Flags().Bool("no-color", false, "Disable colored output")
	rootCmd.AddCommand(runCmd)
}

func addPayloadFlags(cmd *cobra.Command) {
	cmd.Flags().String("repo", "", "Repository URL")
	cmd.Flags().StringP("description", "d", "", "What the agent should do")
	cmd.Flags().String("ticket", "", "Ticket id (also the branch key)")
	cmd.Flags().String("summary", "", "Short ticket summary used for names and the PR title")
	cmd.Flags().String("test-command", "", "Command the agent should run to verify its change")
	cmd.Flags().String("base", "", "Base branch (default: the remote's default branch)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireRun(); err != nil {
		return err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	setupColor(cmd)
	log := logging.Component("run")

	payload, err := payloadFromArgs(cmd, args)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	renderer := newLiveRenderer()
	defer renderer.cleanup()

	sess, err := newSession(ctx, cfg, renderer.HandleEvent)
	if err != nil {
		return err
	}
	defer sess.close()

	eng := sess.engine
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	task, err := eng.SubmitNew(payload)
	if err != nil {
		stopEngine(eng.Stop)
		return fmt.Errorf("submit: %w", err)
	}
	log.InfoCtx("task submitted", map[string]any{"task_id": task.ID, "branch_key": task.BranchKey})

	done, waitErr := eng.Wait(ctx, task.ID)
	if waitErr != nil {
		fmt.Println("\ninterrupt received, shutting down...")
	}
	stopEngine(eng.Stop)
	renderer.cleanup()

	if waitErr != nil {
		if final, err := eng.Get(task.ID); err == nil {
			done = final
		}
	}
	printTaskResult(done)

	if done.Status != tasks.StatusSucceeded {
		if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
			return waitErr
		}
		return fmt.Errorf("task %s %s", done.ID, done.Status)
	}
	return nil
}

func stopEngine(stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := stop(ctx); err != nil {
		logging.Component("run").WarnCtx("stopping engine", map[string]any{"error": err.Error()})
	}
}

// payloadFromArgs merges the payload file with flag values.
func payloadFromArgs(cmd *cobra.Command, args []string) (tasks.Payload, error) {
	var p tasks.Payload
	if len(args) == 1 {
		loaded, err := tasks.LoadPayload(args[0])
		// flags may fill in fields the file lacks
		if err != nil && !(errors.Is(err, tasks.ErrInvalidPayload) && hasPayloadFlags(cmd)) {
			return p, err
		}
		p = loaded
	}

	set := func(flag string, dst *string) {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			*dst = v
		}
	}
	set("repo", &p.RepositoryURL)
	set("description", &p.Description)
	set("ticket", &p.TicketID)
	set("summary", &p.TicketSummary)
	set("test-command", &p.TestCommand)
	set("base", &p.BaseBranch)

	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func hasPayloadFlags(cmd *cobra.Command) bool {
	for _, f := range []string{"repo", "description", "ticket", "summary", "test-command", "base"} {
		if cmd.Flags().Changed(f) {
			return true
		}
	}
	return false
}
