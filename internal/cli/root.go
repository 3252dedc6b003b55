// Package cli implements the triage commands: the continuous consumer, a
// bounded file replay, and dead-letter queue operations. Commands load and
// validate configuration on entry, wire the pipeline collaborators, and
// return errors instead of exiting so main owns the process status.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-triage/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "TelHawk incident triage worker",
	Long: `triage consumes incident notifications, fetches telemetry evidence,
stores artifacts, asks a language model for a verdict, and publishes a
completion summary for each incident.

Every consumed incident terminates as exactly one of a published summary
or a dead-letter record.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
}

// loadConfig reads and validates configuration for one command invocation.
// Commands load lazily rather than via cobra.OnInitialize so that a broken
// config file fails the command instead of printing a warning.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
