package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	"github.com/telhawk-systems/telhawk-triage/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/internal/dlq"
	"github.com/telhawk-systems/telhawk-triage/internal/pipeline"
	"github.com/telhawk-systems/telhawk-triage/internal/publish"
	"github.com/telhawk-systems/telhawk-triage/internal/queue"
	"github.com/telhawk-systems/telhawk-triage/internal/server"
	"github.com/telhawk-systems/telhawk-triage/internal/service"
)

var (
	runDuration      time.Duration
	runMaxEmptyPolls int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume and triage incidents",
	Long: `Run the triage worker pool against the incident stream until
interrupted. With --duration the run stops after the given time; with
--max-empty-polls it stops once the queue stays empty for that many
consecutive fetches.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if runDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runDuration)
			defer cancel()
		}
		if runMaxEmptyPolls > 0 {
			cfg.Queue.MaxEmptyPolls = runMaxEmptyPolls
		}

		js, err := natsclient.NewJetStreamClient(natsConfig(cfg.NATS))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer js.Close()

		// The source and dead-letter queue ensure their own streams; the
		// results stream has no consumer in this process, so ensure it here
		// before anything publishes to it.
		if _, err := js.CreateOrUpdateStream(ctx, natsclient.ResultsStream); err != nil {
			return fmt.Errorf("results stream: %w", err)
		}

		src, err := queue.NewJetStreamSource(ctx, js, queueConfig(cfg.Queue), logger)
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		defer src.Close()

		var deadLetters dlq.Queue
		switch cfg.DLQ.Backend {
		case "jetstream", "":
			deadLetters, err = dlq.NewJetStreamQueue(ctx, js, logger)
		case "file":
			deadLetters, err = dlq.NewFileQueue(cfg.DLQ.Dir, logger)
		default:
			return fmt.Errorf("unknown dlq backend %q", cfg.DLQ.Backend)
		}
		if err != nil {
			return fmt.Errorf("dlq: %w", err)
		}

		core, err := buildCore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer core.close()

		pub := publish.New(publishConfig(cfg.Publish), js, logger)

		orch := pipeline.New(pipeline.Config{
			MaxAttempts: cfg.Queue.MaxDeliver,
		}, core.pipelineDeps(deadLetters, pub), logger)

		proc := service.New(service.Config{
			Workers:         cfg.Workers.Count,
			ShutdownTimeout: cfg.Workers.ShutdownTimeout,
			LeaseInterval:   cfg.Queue.AckWait / 2,
		}, src, orch, logger)

		router := server.NewRouter(server.RouterConfig{
			Stats: proc,
			DLQ:   deadLetters,
			Ready: map[string]server.ReadyCheck{
				"nats": func(context.Context) error {
					if h := messaging.CheckConnHealth(js); !h.Connected {
						return errors.New(h.Error)
					}
					return nil
				},
				"storage": core.store.Ping,
			},
		})
		ops := server.New(cfg.Server, router, logger)
		opsErr := ops.Start()
		go func() {
			if err := <-opsErr; err != nil {
				logger.Error("ops server failed", logging.Error(err))
				stop()
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ops.Shutdown(shutdownCtx); err != nil {
				logger.Warn("ops server shutdown failed", logging.Error(err))
			}
		}()

		if err := proc.Run(ctx); err != nil {
			return err
		}

		stats := proc.Health()
		logger.Info("run complete",
			"processed", stats.Processed,
			"published", stats.Published,
			"dead_lettered", stats.DeadLettered,
			"requeued", stats.Requeued)
		return nil
	},
}

func init() {
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "stop after this long (0 runs until interrupted)")
	runCmd.Flags().IntVar(&runMaxEmptyPolls, "max-empty-polls", 0, "stop after this many consecutive empty fetches (0 polls forever)")
	rootCmd.AddCommand(runCmd)
}
