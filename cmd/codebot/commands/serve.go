package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/codebot/internal/logging"
	"github.com/marcus/codebot/internal/server"
	"github.com/marcus/codebot/internal/webhook"
)

// drainTimeout bounds how long serve waits for running tasks on shutdown.
const drainTimeout = 2 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and API server",
	Long: `Start the worker pool, the workspace reaper and the HTTP server.

Endpoints:
  POST /webhook                 GitHub deliveries (X-Hub-Signature-256 checked)
  GET  /health                  queue length, held keys, workers
  GET  /metrics                 Prometheus metrics
  POST /api/tasks               submit a task (API key)
  GET  /api/tasks[?status=]     list tasks (API key)
  GET  /api/tasks/{id}          task detail (API key)
  GET  /api/tasks/{id}/logs     captured task log, ?source= to filter,
                                ?follow=true to stream as SSE (API key)
  POST /api/tasks/{id}/retry    resubmit a failed task (API key)
  GET  /api/repositories        repositories the token can reach (API key)

On SIGINT or SIGTERM new submissions are rejected, queued tasks are
dropped and running tasks get a grace period to finish.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Listen port (overrides config)")
	serveCmd.Flags().String("addr", "", "Listen host (default: all interfaces)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Port = port
	}
	if err := cfg.RequireServe(); err != nil {
		return err
	}
	if err := initLogging(cmd, cfg); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.Component("serve")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sess, err := newSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer sess.close()
	eng := sess.engine

	ingestor := webhook.NewIngestor(eng, eng,
		webhook.WithBotLogin(sess.botLogin),
		webhook.WithPRFetcher(sess.github),
	)
	host, _ := cmd.Flags().GetString("addr")
	srv := server.New(server.Config{
		Addr:          fmt.Sprintf("%s:%d", host, cfg.Port),
		WebhookSecret: cfg.WebhookSecret,
		APIKeys:       cfg.APIKeys,
	}, eng, ingestor, eng.Metrics(), server.WithRepositories(sess.github))

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		stopCtx, stop := context.WithTimeout(context.Background(), drainTimeout)
		defer stop()
		return eng.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		log.ErrorCtx("serve stopped with error", map[string]any{"error": err.Error()})
		return err
	}
	log.Info("serve stopped")
	return nil
}
