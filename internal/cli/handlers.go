package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/api"
	"github.com/chararch/tunepipe/config"
	"github.com/chararch/tunepipe/scheduler"
)

const shutdownTimeout = 30 * time.Second

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withApp loads the configuration, builds the app and hands it to fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, app *App) error) (err error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	SetupLogging(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := opts.newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errs.Combine(err, app.Close())
	}()
	return fn(ctx, app)
}

// selectPipelines returns pipeline, or every registered pipeline when it is empty.
func selectPipelines(engine tunepipe.Engine, pipeline string) []string {
	if pipeline != "" {
		return []string{pipeline}
	}
	return engine.Pipelines()
}

func runRunCmd(cmd *cobra.Command, opts *rootOptions, pipeline, date string) error {
	return withApp(cmd, opts, func(ctx context.Context, app *App) error {
		logicalDate := scheduler.LogicalDateFor(opts.now(), app.Config.Location())
		if date != "" {
			d, err := tunepipe.ParseLogicalDate(date)
			if err != nil {
				return err
			}
			logicalDate = d
		}
		var (
			ids   []string
			group errs.Group
		)
		for _, name := range selectPipelines(app.Engine, pipeline) {
			runID, err := app.Engine.StartAsync(ctx, name, logicalDate, tunepipe.TriggerManual)
			if err != nil {
				group.Add(err)
				continue
			}
			ids = append(ids, runID)
		}
		for _, id := range ids {
			if _, err := app.Engine.Wait(ctx, id); err != nil {
				group.Add(err)
				continue
			}
			group.Add(report(ctx, cmd.OutOrStdout(), app.Engine, id))
		}
		return group.Err()
	})
}

func runBackfillCmd(cmd *cobra.Command, opts *rootOptions, pipeline, from, to string) error {
	return withApp(cmd, opts, func(ctx context.Context, app *App) error {
		start, err := tunepipe.ParseLogicalDate(from)
		if err != nil {
			return err
		}
		end, err := tunepipe.ParseLogicalDate(to)
		if err != nil {
			return err
		}
		var group errs.Group
		var ids []string
		for _, name := range selectPipelines(app.Engine, pipeline) {
			queued, err := app.Engine.Backfill(ctx, name, start, end)
			group.Add(err)
			ids = append(ids, queued...)
		}
		var runs []*tunepipe.PipelineRun
		for _, id := range ids {
			run, err := app.Engine.Wait(ctx, id)
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		sort.Slice(runs, func(i, j int) bool {
			if !runs[i].LogicalDate.Equal(runs[j].LogicalDate) {
				return runs[i].LogicalDate.Before(runs[j].LogicalDate)
			}
			return runs[i].Pipeline < runs[j].Pipeline
		})

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LOGICAL DATE\tPIPELINE\tRUN\tSTATE\tERROR")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", run.Date(), run.Pipeline, run.RunID, run.State, run.ErrorMessage)
			group.Add(outcome(run))
		}
		if err = w.Flush(); err != nil {
			return err
		}
		return group.Err()
	})
}

func runReevaluateCmd(cmd *cobra.Command, opts *rootOptions, runID string) error {
	return withApp(cmd, opts, func(ctx context.Context, app *App) error {
		if err := app.Engine.Reevaluate(ctx, runID); err != nil && tunepipe.KindOf(err) != tunepipe.DataQuality {
			return err
		}
		if _, err := app.Engine.Wait(ctx, runID); err != nil {
			return err
		}
		return report(ctx, cmd.OutOrStdout(), app.Engine, runID)
	})
}

func runRestartCmd(cmd *cobra.Command, opts *rootOptions, runID string) error {
	return withApp(cmd, opts, func(ctx context.Context, app *App) error {
		newID, err := app.Engine.Restart(ctx, runID)
		if newID == "" {
			return err
		}
		return report(ctx, cmd.OutOrStdout(), app.Engine, newID)
	})
}

func runStatusCmd(cmd *cobra.Command, opts *rootOptions, runID string) error {
	return withApp(cmd, opts, func(ctx context.Context, app *App) error {
		_, err := printRun(ctx, cmd.OutOrStdout(), app.Engine, runID)
		return err
	})
}

func runServeCmd(cmd *cobra.Command, opts *rootOptions, schedule bool) error {
	return withApp(cmd, opts, func(ctx context.Context, app *App) error {
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		var sched *scheduler.Scheduler
		if schedule {
			sched = scheduler.New(app.Engine, app.Config.Location())
			for pipeline, spec := range app.Config.Schedules {
				if err := sched.Add(pipeline, spec); err != nil {
					return err
				}
			}
			sched.Start()
		}

		server := api.NewServer(app.Engine)
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- server.Start(app.Config.Listen)
		}()

		var err error
		select {
		case <-ctx.Done():
			tunepipe.DefaultLogger.Info(context.Background(), "shutting down")
		case err = <-serveErr:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var group errs.Group
		group.Add(err)
		group.Add(server.Shutdown(shutdownCtx))
		if sched != nil {
			group.Add(sched.Stop(shutdownCtx))
		}
		return group.Err()
	})
}

func runVacuumCmd(cmd *cobra.Command, opts *rootOptions, retain int, tables []string) error {
	return withApp(cmd, opts, func(ctx context.Context, app *App) error {
		if len(tables) == 0 {
			regs, err := LoadRegistries(app.Config)
			if err != nil {
				return err
			}
			tables = pipelineTables(regs.Entities)
		}
		var group errs.Group
		for _, table := range tables {
			removed, err := app.Catalog.Vacuum(ctx, table, retain)
			if err != nil {
				group.Add(err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: removed %d files\n", table, removed)
		}
		return group.Err()
	})
}

func runValidateCmd(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	regs, err := LoadRegistries(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: environment=%s, entities=%d, rules=%d, models=%d, schedules=%d\n",
		cfg.Environment, len(regs.Entities.Names()), regs.Rules.Len(), len(regs.Project.Models()), len(cfg.Schedules))
	return nil
}

// outcome turns a terminal run into the command's error.
func outcome(run *tunepipe.PipelineRun) error {
	switch run.State {
	case tunepipe.SUCCEEDED:
		return nil
	case tunepipe.BLOCKED:
		return tunepipe.NewBatchError(tunepipe.ErrCodeQuality, "run %s of %s is blocked by the quality gate", run.RunID, run.Date())
	default:
		return tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "run %s of %s ended %s at %s: %s", run.RunID, run.Date(), run.State, run.FailedStage, run.ErrorMessage)
	}
}

// report prints a run and returns its outcome.
func report(ctx context.Context, out io.Writer, engine tunepipe.Engine, runID string) error {
	run, err := printRun(ctx, out, engine, runID)
	if err != nil {
		return err
	}
	return outcome(run)
}

// printRun writes a run with its stages and quality verdicts.
func printRun(ctx context.Context, out io.Writer, engine tunepipe.Engine, runID string) (*tunepipe.PipelineRun, error) {
	run, err := engine.Status(ctx, runID)
	if err != nil {
		return nil, err
	}
	stages, err := engine.Stages(ctx, runID)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "run %s  pipeline=%s  logical_date=%s  state=%s  attempt=%d\n", run.RunID, run.Pipeline, run.Date(), run.State, run.Attempt)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tATTEMPT\tSTATUS\tROWS\tDURATION\tERROR")
	for _, s := range stages {
		var d time.Duration
		if !s.EndTime.IsZero() {
			d = s.EndTime.Sub(s.StartTime).Round(time.Millisecond)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s\n", s.Stage, s.Attempt, s.Status, s.Rows, d, s.Error)
	}
	if qr, err := engine.Verdicts(ctx, runID); err == nil && qr != nil {
		fmt.Fprintf(w, "\nRULE\tTABLE\tRATIO\tTHRESHOLD\tOUTCOME\t\n")
		for _, v := range qr.Verdicts {
			fmt.Fprintf(w, "%s\t%s\t%.4f\t%.4f\t%s\t\n", v.RuleID, v.Table, v.Ratio, v.Threshold, v.Outcome)
		}
	}
	return run, w.Flush()
}
