package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/internal/cli/output"
	"github.com/telhawk-systems/telhawk-triage/internal/model"
)

var (
	seedCount    int
	seedOut      string
	seedPublish  bool
	seedEndpoint string
	seedAPIKey   string
	seedService  string
	seedEnv      string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Generate sample incident messages",
	Long: `Seed generates incident messages for development and load testing:
random services, companies, and recent time windows, with every data
source pointed at one telemetry endpoint. Messages are written as a
replay file by default, or published straight onto the incident stream
with --publish.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		incidents := make([]model.IncidentMessage, 0, seedCount)
		for i := 0; i < seedCount; i++ {
			incidents = append(incidents, fakeIncident())
		}

		if seedPublish {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			js, err := natsclient.NewJetStreamClient(natsConfig(cfg.NATS))
			if err != nil {
				return fmt.Errorf("nats: %w", err)
			}
			defer js.Close()

			ctx := cmd.Context()
			if _, err := js.CreateOrUpdateStream(ctx, natsclient.IncidentsStream); err != nil {
				return fmt.Errorf("incidents stream: %w", err)
			}

			for _, inc := range incidents {
				data, err := json.Marshal(inc)
				if err != nil {
					return fmt.Errorf("marshal incident: %w", err)
				}
				if err := js.Publish(ctx, messaging.SubjectIncomingIncidents, data); err != nil {
					return fmt.Errorf("publish incident: %w", err)
				}
			}

			output.Info("published %d incidents to %s", len(incidents), messaging.SubjectIncomingIncidents)
			return nil
		}

		data, err := json.MarshalIndent(incidents, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal incidents: %w", err)
		}
		if err := os.WriteFile(seedOut, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", seedOut, err)
		}

		output.Info("wrote %d incidents to %s", len(incidents), seedOut)
		output.Info("replay them with: triage replay --file %s", seedOut)
		return nil
	},
}

func fakeIncident() model.IncidentMessage {
	end := time.Now().UTC().Add(-time.Duration(gofakeit.Number(0, 60)) * time.Minute)
	start := end.Add(-time.Duration(gofakeit.Number(5, 30)) * time.Minute)

	service := seedService
	if service == "" {
		service = gofakeit.RandomString([]string{"checkout", "payments", "search", "catalog", "shipping"})
	}
	env := seedEnv
	if env == "" {
		env = gofakeit.RandomString([]string{"prod", "staging"})
	}

	sources := make([]model.DataSource, 0, len(model.KnownSourceTypes))
	for _, st := range model.KnownSourceTypes {
		sources = append(sources, model.DataSource{
			Type:     st,
			Endpoint: seedEndpoint,
			APIKey:   seedAPIKey,
		})
	}

	return model.IncidentMessage{
		Incident: model.Incident{
			IncidentID: "INC-" + gofakeit.UUID()[:8],
			CompanyID:  gofakeit.RandomString([]string{"acme", "globex", "initech"}),
			Service:    service,
			Env:        env,
			TimeWindow: model.TimeWindow{Start: start, End: end},
		},
		DataSources: sources,
	}
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 10, "incidents to generate")
	seedCmd.Flags().StringVar(&seedOut, "out", "incidents.json", "file to write (ignored with --publish)")
	seedCmd.Flags().BoolVar(&seedPublish, "publish", false, "publish onto the incident stream instead of writing a file")
	seedCmd.Flags().StringVar(&seedEndpoint, "endpoint", "http://localhost:8080", "telemetry endpoint for every data source")
	seedCmd.Flags().StringVar(&seedAPIKey, "api-key", "dev-key", "api key for every data source")
	seedCmd.Flags().StringVar(&seedService, "service", "", "fix the service name (default random)")
	seedCmd.Flags().StringVar(&seedEnv, "env", "", "fix the environment (default random)")
	rootCmd.AddCommand(seedCmd)
}
