package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	natsclient "github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/internal/cli/output"
	"github.com/telhawk-systems/telhawk-triage/internal/config"
	"github.com/telhawk-systems/telhawk-triage/internal/dlq"
)

var (
	dlqLimit  int
	dlqFormat string
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead-letter queue operations",
	Long:  "Inspect, summarize, and clear dead-lettered incidents.",
}

var dlqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List dead-letter records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newQuietLogger(cfg)

		ctx := cmd.Context()
		q, closeQueue, err := openDLQ(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeQueue()

		letters, err := q.List(ctx, dlqLimit)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		if dlqFormat == "json" {
			return output.JSON(letters)
		}

		if len(letters) == 0 {
			output.Info("dead-letter queue is empty")
			return nil
		}

		table := output.NewTable([]string{"Time", "Stage", "Attempts", "Incident", "Reason"})
		for _, letter := range letters {
			table.AddRow([]string{
				letter.Timestamp.UTC().Format(time.RFC3339),
				string(letter.FailedStage),
				strconv.Itoa(letter.Attempts),
				letterIncidentID(letter.Message),
				truncate(letter.FailureReason, 60),
			})
		}
		table.Render()
		return nil
	},
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the dead-letter queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newQuietLogger(cfg)

		ctx := cmd.Context()
		q, closeQueue, err := openDLQ(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeQueue()

		return output.JSON(q.Stats(ctx))
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-letter record",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newQuietLogger(cfg)

		ctx := cmd.Context()
		q, closeQueue, err := openDLQ(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeQueue()

		if err := q.Purge(ctx); err != nil {
			return fmt.Errorf("failed to purge dead letters: %w", err)
		}
		output.Info("dead-letter queue purged")
		return nil
	},
}

// openDLQ connects to the configured dead-letter backend. The returned
// closer releases the broker connection for the jetstream backend and is a
// no-op for the file backend.
func openDLQ(ctx context.Context, cfg *config.Config, logger *logging.Logger) (dlq.Queue, func(), error) {
	switch cfg.DLQ.Backend {
	case "jetstream", "":
		js, err := natsclient.NewJetStreamClient(natsConfig(cfg.NATS))
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		q, err := dlq.NewJetStreamQueue(ctx, js, logger)
		if err != nil {
			_ = js.Close()
			return nil, nil, fmt.Errorf("dlq: %w", err)
		}
		return q, func() { _ = js.Close() }, nil
	case "file":
		q, err := dlq.NewFileQueue(cfg.DLQ.Dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("dlq: %w", err)
		}
		return q, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown dlq backend %q", cfg.DLQ.Backend)
	}
}

// letterIncidentID extracts the incident identifier from a dead-lettered
// message body. Malformed bodies are expected here: validation failures
// dead-letter too.
func letterIncidentID(raw json.RawMessage) string {
	var probe struct {
		Incident struct {
			IncidentID string `json:"incident_id"`
		} `json:"incident"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Incident.IncidentID == "" {
		return "-"
	}
	return probe.Incident.IncidentID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 20, "maximum records to list")
	dlqListCmd.Flags().StringVar(&dlqFormat, "output", "table", "output format: table or json")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
