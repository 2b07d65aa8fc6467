package tunepipe

import (
	"context"
	"time"
)

// RunFilter selects runs in FindRuns. Zero fields match everything.
type RunFilter struct {
	Pipeline string
	From     time.Time
	To       time.Time
	States   []State
	Limit    int
}

// Repository persists runs, stage executions and quality verdicts.
// Find methods return nil without error when nothing matches.
type Repository interface {
	CreateRun(ctx context.Context, run *PipelineRun) error
	// SaveRun fails with ErrCodeConcurrency when run.Version is stale; on success Version is incremented.
	SaveRun(ctx context.Context, run *PipelineRun) error
	FindRun(ctx context.Context, runID string) (*PipelineRun, error)
	FindLastRun(ctx context.Context, pipeline string, logicalDate time.Time) (*PipelineRun, error)
	FindRuns(ctx context.Context, filter RunFilter) ([]*PipelineRun, error)

	SaveStageExecution(ctx context.Context, execution *StageExecution) error
	FindStageExecutions(ctx context.Context, runID string) ([]*StageExecution, error)

	SaveVerdicts(ctx context.Context, report *QualityReport) error
	FindVerdicts(ctx context.Context, runID string) (*QualityReport, error)
}

func (f RunFilter) match(run *PipelineRun) bool {
	if f.Pipeline != "" && run.Pipeline != f.Pipeline {
		return false
	}
	if !f.From.IsZero() && run.LogicalDate.Before(Day(f.From)) {
		return false
	}
	if !f.To.IsZero() && run.LogicalDate.After(Day(f.To)) {
		return false
	}
	if len(f.States) > 0 {
		for _, s := range f.States {
			if run.State == s {
				return true
			}
		}
		return false
	}
	return true
}
