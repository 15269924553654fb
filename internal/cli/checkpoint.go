package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/ingestion/checkpoint"
	"github.com/Adithya-Monish-Kumar-K/event-ingestion/pkg/postgres"
	"github.com/spf13/cobra"
)

// NewCheckpointCommand groups checkpoint inspection subcommands.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect the processed-file checkpoint",
	}
	cmd.AddCommand(newCheckpointListCommand(rootOpts))
	return cmd
}

func newCheckpointListCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every file recorded as processed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config()
			var pg *postgres.Client
			if cfg.Checkpoint.Backend == "postgres" {
				c, err := postgres.New(cmd.Context(), cfg.Postgres)
				if err != nil {
					return fmt.Errorf("connecting to postgres: %w", err)
				}
				defer c.Close()
				pg = c
			}
			store, _, closer, err := openCheckpoint(cfg, pg)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			state, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			return printMarks(cmd, state.Marks(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print marks as JSON")
	return cmd
}

func printMarks(cmd *cobra.Command, marks []checkpoint.FileMark, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(marks)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tROWS\tREJECTED\tCOMMITTED_AT")
	for _, m := range marks {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", m.Name, m.Rows, m.Rejected, m.CommittedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
