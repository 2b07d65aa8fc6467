package tunepipe

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu       sync.RWMutex
	runs     map[string]*PipelineRun
	stages   map[string][]*StageExecution
	verdicts map[string]*QualityReport
}

// NewMemoryRepository creates a Repository kept in process memory.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		runs:     map[string]*PipelineRun{},
		stages:   map[string][]*StageExecution{},
		verdicts: map[string]*QualityReport{},
	}
}

func copyRun(run *PipelineRun) *PipelineRun {
	c := *run
	c.Params = run.Params.Clone()
	return &c
}

func (r *memoryRepository) CreateRun(ctx context.Context, run *PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.RunID]; ok {
		return NewBatchError(ErrCodeConcurrency, "run %v already exists", run.RunID)
	}
	run.Version = 1
	run.LastUpdated = time.Now()
	r.runs[run.RunID] = copyRun(run)
	return nil
}

func (r *memoryRepository) SaveRun(ctx context.Context, run *PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.runs[run.RunID]
	if !ok {
		return NewBatchError(ErrCodeGeneral, "run %v not found", run.RunID)
	}
	if stored.Version != run.Version {
		return NewBatchError(ErrCodeConcurrency, "run %v was modified concurrently, version %d != %d", run.RunID, run.Version, stored.Version)
	}
	run.Version++
	run.LastUpdated = time.Now()
	r.runs[run.RunID] = copyRun(run)
	return nil
}

func (r *memoryRepository) FindRun(ctx context.Context, runID string) (*PipelineRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if run, ok := r.runs[runID]; ok {
		return copyRun(run), nil
	}
	return nil, nil
}

func (r *memoryRepository) FindLastRun(ctx context.Context, pipeline string, logicalDate time.Time) (*PipelineRun, error) {
	runs, _ := r.FindRuns(ctx, RunFilter{Pipeline: pipeline, From: logicalDate, To: logicalDate, Limit: 1})
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// FindRuns returns matching runs, most recently created first.
func (r *memoryRepository) FindRuns(ctx context.Context, filter RunFilter) ([]*PipelineRun, error) {
	r.mu.RLock()
	var ret []*PipelineRun
	for _, run := range r.runs {
		if filter.match(run) {
			ret = append(ret, copyRun(run))
		}
	}
	r.mu.RUnlock()
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].CreateTime.Equal(ret[j].CreateTime) {
			return ret[i].Attempt > ret[j].Attempt
		}
		return ret[i].CreateTime.After(ret[j].CreateTime)
	})
	if filter.Limit > 0 && len(ret) > filter.Limit {
		ret = ret[:filter.Limit]
	}
	return ret, nil
}

func (r *memoryRepository) SaveStageExecution(ctx context.Context, execution *StageExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *execution
	list := r.stages[execution.RunID]
	for i, e := range list {
		if e.Stage == execution.Stage && e.Attempt == execution.Attempt {
			list[i] = &c
			return nil
		}
	}
	r.stages[execution.RunID] = append(list, &c)
	return nil
}

func (r *memoryRepository) FindStageExecutions(ctx context.Context, runID string) ([]*StageExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]*StageExecution, 0, len(r.stages[runID]))
	for _, e := range r.stages[runID] {
		c := *e
		ret = append(ret, &c)
	}
	return ret, nil
}

func (r *memoryRepository) SaveVerdicts(ctx context.Context, report *QualityReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *report
	c.Verdicts = append([]Verdict(nil), report.Verdicts...)
	r.verdicts[report.RunID] = &c
	return nil
}

func (r *memoryRepository) FindVerdicts(ctx context.Context, runID string) (*QualityReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	report, ok := r.verdicts[runID]
	if !ok {
		return nil, nil
	}
	c := *report
	c.Verdicts = append([]Verdict(nil), report.Verdicts...)
	return &c, nil
}
