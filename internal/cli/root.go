// Package cli is the tunepipe command line: one-off runs, backfills, re-evaluation of
// blocked runs, and the long-running scheduler and API server.
package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/chararch/tunepipe/config"
)

type appFactory func(ctx context.Context, cfg *config.Config) (*App, error)

type rootOptions struct {
	configPath string
	newApp     appFactory
	now        func() time.Time
}

// NewRootCmd creates the root command with every sub-command attached.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&rootOptions{newApp: NewApp, now: time.Now})
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tunepipe",
		Short:        "Incremental, date-partitioned ETL for the DeFtunes data lake.",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file; the environment overrides it")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newBackfillCmd(opts),
		newReevaluateCmd(opts),
		newRestartCmd(opts),
		newStatusCmd(opts),
		newServeCmd(opts),
		newVacuumCmd(opts),
		newValidateCmd(opts),
	)
	return rootCmd
}
