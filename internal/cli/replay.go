package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/internal/cli/output"
	"github.com/telhawk-systems/telhawk-triage/internal/dlq"
	"github.com/telhawk-systems/telhawk-triage/internal/pipeline"
	"github.com/telhawk-systems/telhawk-triage/internal/publish"
	"github.com/telhawk-systems/telhawk-triage/internal/queue"
	"github.com/telhawk-systems/telhawk-triage/internal/service"
)

var (
	replayFile   string
	replayOut    string
	replayDLQDir string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Triage incidents from a file",
	Long: `Replay runs a bounded batch without a broker: incident messages are
read from a YAML or JSON file, flow through the same fetch, store,
analyze, and publish stages, and completion summaries append to a local
NDJSON file. Failures dead-letter into a local directory.

Evidence backends, object storage, and the inference API are still
reached over the network exactly as in a broker run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		src, err := queue.NewFileSource(replayFile, logger)
		if err != nil {
			return err
		}
		defer src.Close()

		sink, err := publish.NewFilePublisher(replayOut)
		if err != nil {
			return err
		}
		defer sink.Close()

		deadLetters, err := dlq.NewFileQueue(replayDLQDir, logger)
		if err != nil {
			return err
		}

		core, err := buildCore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer core.close()

		pub := publish.New(publishConfig(cfg.Publish), sink, logger)

		orch := pipeline.New(pipeline.Config{
			MaxAttempts: cfg.Queue.MaxDeliver,
		}, core.pipelineDeps(deadLetters, pub), logger)

		proc := service.New(service.Config{
			Workers:         cfg.Workers.Count,
			ShutdownTimeout: cfg.Workers.ShutdownTimeout,
		}, src, orch, logger)

		if err := proc.Run(ctx); err != nil {
			return err
		}

		stats := proc.Health()
		output.Info("replay complete: %d processed, %d published, %d dead-lettered",
			stats.Processed, stats.Published, stats.DeadLettered)
		if stats.Published > 0 {
			output.Info("summaries appended to %s", replayOut)
		}
		if stats.DeadLettered > 0 {
			output.Info("dead letters written to %s", replayDLQDir)
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "incident message file, YAML or JSON (required)")
	replayCmd.Flags().StringVar(&replayOut, "out", "results.ndjson", "file for completion summaries")
	replayCmd.Flags().StringVar(&replayDLQDir, "dlq-dir", "dlq", "directory for dead-letter records")
	_ = replayCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(replayCmd)
}
