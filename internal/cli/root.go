// Package cli implements the ingestor command line: the long-running
// ingestion service, destination migrations and checkpoint inspection.
package cli

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/logger"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string

	cfg *config.Config
}

// Config returns the configuration loaded before the command ran.
func (o *RootOptions) Config() *config.Config {
	return o.cfg
}

// NewRootCommand creates the root command for the ingestor CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ingestor",
		Short: "Micro-batch CSV event ingestion into PostgreSQL",
		Long: `ingestor watches a directory for completed CSV event files, validates
every row, upserts the valid ones into PostgreSQL exactly once and records
each processed file in a durable checkpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if opts.LogLevel != "" {
				cfg.Logging.Level = opts.LogLevel
			}
			logger.SetupWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file (defaults plus INGEST_* env when empty)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override logging.level (debug|info|warn|error)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewCheckpointCommand(opts))

	return cmd
}
