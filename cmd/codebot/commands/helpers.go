package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/marcus/codebot/internal/agents"
	"github.com/marcus/codebot/internal/audit"
	"github.com/marcus/codebot/internal/config"
	"github.com/marcus/codebot/internal/db"
	"github.com/marcus/codebot/internal/engine"
	"github.com/marcus/codebot/internal/gitops"
	"github.com/marcus/codebot/internal/integrations"
	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/orchestrator"
)

// loadConfig loads configuration, honouring --config-dir.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, _ := cmd.Flags().GetString("config-dir")
	if dir == "" {
		return config.Load()
	}
	if err := config.LoadEnvFile(filepath.Join(dir, ".env")); err != nil {
		return nil, err
	}
	return config.LoadFromPaths(dir, config.DefaultGlobalPath())
}

// initLogging initializes the logging subsystem.
func initLogging(cmd *cobra.Command, cfg *config.Config) error {
	lc := cfg.LoggingConfig()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		lc.Level = "debug"
	}
	return logging.Init(lc)
}

// setupColor disables styling for --no-color and NO_COLOR.
func setupColor(cmd *cobra.Command) {
	noColor, _ := cmd.Flags().GetBool("no-color")
	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// session is everything a command needs to execute tasks.
type session struct {
	engine   *engine.Engine
	github   *integrations.GitHub
	history  *db.DB
	audit    *audit.Logger
	botLogin string
}

func (r *session) close() {
	if r.history != nil {
		_ = r.history.Close()
	}
	if r.audit != nil {
		_ = r.audit.Close()
	}
}

// newSession validates the GitHub token before anything is queued and
// wires the engine to real git, GitHub and agent transports.
func newSession(ctx context.Context, cfg *config.Config, events orchestrator.EventHandler) (*session, error) {
	log := logging.Component("startup")

	gh, err := integrations.NewGitHub(cfg.GitHubToken)
	if err != nil {
		return nil, fmt.Errorf("github client: %w", err)
	}
	login, err := gh.ValidateToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("validating github token: %w", err)
	}
	log.InfoCtx("github token valid", map[string]any{"login": login})

	git := gitops.New(cfg.GitHubToken)
	agent := agents.NewClaudeAgent(
		agents.WithBinaryPath(cfg.Agent.Binary),
		agents.WithDefaultTimeout(cfg.Agent.Timeout),
		agents.WithHeadReader(git),
	)
	if !agent.Available() {
		return nil, fmt.Errorf("agent binary %q not found in PATH", cfg.Agent.Binary)
	}

	rt := &session{github: gh, botLogin: login}

	opts := []engine.Option{}
	if history, err := db.Open(cfg.ExpandedDBPath()); err != nil {
		log.WarnCtx("run history disabled", map[string]any{"path": cfg.ExpandedDBPath(), "error": err.Error()})
	} else {
		rt.history = history
		opts = append(opts, engine.WithHistory(history))
	}
	if dir := cfg.ExpandedAuditDir(); dir != "" {
		if trail, err := audit.New(dir); err != nil {
			log.WarnCtx("audit log disabled", map[string]any{"path": dir, "error": err.Error()})
		} else {
			rt.audit = trail
			events = orchestrator.Fanout(events, trail.HandleEvent)
		}
	}
	if events != nil {
		opts = append(opts, engine.WithEventHandler(events))
	}

	rt.engine, err = engine.New(engine.SettingsFrom(cfg), git, gh, agent, opts...)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return rt, nil
}
