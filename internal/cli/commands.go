package cli

import (
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var pipeline, date string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline for one logical date and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunCmd(cmd, opts, pipeline, date)
		},
	}
	cmd.Flags().StringVarP(&pipeline, "pipeline", "p", "", "Pipeline to run, every pipeline when empty")
	cmd.Flags().StringVarP(&date, "date", "d", "", "Logical date (YYYY-MM-DD), defaults to yesterday")
	return cmd
}

func newBackfillCmd(opts *rootOptions) *cobra.Command {
	var pipeline, from, to string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Run a pipeline once per logical date of an inclusive range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfillCmd(cmd, opts, pipeline, from, to)
		},
	}
	cmd.Flags().StringVarP(&pipeline, "pipeline", "p", "", "Pipeline to backfill, every pipeline when empty")
	cmd.Flags().StringVar(&from, "from", "", "First logical date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Last logical date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newReevaluateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reevaluate <run-id>",
		Short: "Re-run the quality gate of a blocked run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReevaluateCmd(cmd, opts, args[0])
		},
	}
}

func newRestartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <run-id>",
		Short: "Start a new attempt of a failed or cancelled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestartCmd(cmd, opts, args[0])
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run, its stages and its quality verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatusCmd(cmd, opts, args[0])
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the trigger API and run the configured schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCmd(cmd, opts, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Only serve the API")
	return cmd
}

func newVacuumCmd(opts *rootOptions) *cobra.Command {
	var retain int
	cmd := &cobra.Command{
		Use:   "vacuum [table...]",
		Short: "Delete curated data files no longer referenced by the newest snapshots",
		Long:  "Delete curated data files no longer referenced by the newest snapshots. Run it while no pipeline writes the tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVacuumCmd(cmd, opts, retain, args)
		},
	}
	cmd.Flags().IntVar(&retain, "retain", 5, "Number of snapshots per table whose files are kept")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and the entity, rule and model files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateCmd(cmd, opts)
		},
	}
}
