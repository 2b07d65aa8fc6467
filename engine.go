package tunepipe

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

type Engine interface {
	Register(p Pipeline) error
	Unregister(name string)
	Pipelines() []string
	Start(ctx context.Context, pipeline string, logicalDate time.Time, trigger Trigger) (string, error)
	StartAsync(ctx context.Context, pipeline string, logicalDate time.Time, trigger Trigger) (string, error)
	Backfill(ctx context.Context, pipeline string, from, to time.Time) ([]string, error)
	Cancel(ctx context.Context, runID string) error
	Reevaluate(ctx context.Context, runID string) error
	Restart(ctx context.Context, runID string) (string, error)
	RestartAsync(ctx context.Context, runID string) (string, error)
	Status(ctx context.Context, runID string) (*PipelineRun, error)
	Stages(ctx context.Context, runID string) ([]*StageExecution, error)
	Verdicts(ctx context.Context, runID string) (*QualityReport, error)
	Wait(ctx context.Context, runID string) (*PipelineRun, error)
}

func NewEngine(repository Repository) Engine {
	return &engine{
		registry:   map[string]Pipeline{},
		active:     map[string]*runHandle{},
		repository: repository,
	}
}

type engine struct {
	repository Repository
	mu         sync.RWMutex
	registry   map[string]Pipeline
	active     map[string]*runHandle

	// startMu serializes the in-flight check with run creation
	startMu sync.Mutex
}

// runHandle is the in-flight state of a run. All saves of an in-flight run go through
// the handle under mu so that optimistic versions never conflict within the engine.
type runHandle struct {
	mu        sync.Mutex
	run       *PipelineRun
	rc        RunContext
	cancelled atomic.Bool
	done      chan struct{}
}

func newRunHandle(p Pipeline, run *PipelineRun) *runHandle {
	return &runHandle{
		run: run,
		rc: RunContext{
			RunID:       run.RunID,
			Pipeline:    run.Pipeline,
			LogicalDate: run.LogicalDate,
			Sources:     copyStrings(p.Sources()),
			Targets:     copyStrings(p.Targets()),
			Params:      run.Params.Clone(),
		},
		done: make(chan struct{}),
	}
}

// Register register pipeline to the engine
func (e *engine) Register(p Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.registry[p.Name()]; ok {
		return NewBatchError(ErrCodeConfig, "pipeline with name:%v has already been registered", p.Name())
	}
	e.registry[p.Name()] = p
	return nil
}

// Unregister unregister pipeline from the engine
func (e *engine) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.registry, name)
}

func (e *engine) Pipelines() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.registry))
	for name := range e.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *engine) lookup(ctx context.Context, name string) (Pipeline, error) {
	e.mu.RLock()
	p, ok := e.registry[name]
	e.mu.RUnlock()
	if !ok {
		DefaultLogger.Error(ctx, "can not find pipeline with name:%v", name)
		return nil, NewBatchError(ErrCodeNotFound, "can not find pipeline with name:%v", name)
	}
	return p, nil
}

// Start runs the pipeline for logicalDate and blocks until the run settles
func (e *engine) Start(ctx context.Context, pipeline string, logicalDate time.Time, trigger Trigger) (string, error) {
	return e.doStart(ctx, pipeline, logicalDate, trigger, 1, false)
}

// StartAsync queues a run and returns its id immediately
func (e *engine) StartAsync(ctx context.Context, pipeline string, logicalDate time.Time, trigger Trigger) (string, error) {
	return e.doStart(ctx, pipeline, logicalDate, trigger, 1, true)
}

func (e *engine) doStart(ctx context.Context, name string, logicalDate time.Time, trigger Trigger, attempt int, async bool) (string, error) {
	p, err := e.lookup(ctx, name)
	if err != nil {
		return "", err
	}
	date := Day(logicalDate)

	e.startMu.Lock()
	last, err := e.repository.FindLastRun(ctx, name, date)
	if err != nil {
		e.startMu.Unlock()
		DefaultLogger.Error(ctx, "find last run error, pipeline:%v, logical_date:%v, err:%v", name, FormatDate(date), err)
		return "", err
	}
	if last != nil && last.State.IsActive() {
		e.startMu.Unlock()
		DefaultLogger.Error(ctx, "pipeline:%v already has run:%v in state %v for logical_date:%v", name, last.RunID, last.State, FormatDate(date))
		return "", NewBatchError(ErrCodeConcurrency, "pipeline:%v already has run:%v in state %v for logical_date:%v", name, last.RunID, last.State, FormatDate(date))
	}
	runID := uuid.NewString()
	params := p.Params().Clone().
		Set(ParamLogicalDate, FormatDate(date)).
		Set(ParamPipeline, name).
		Set(ParamRunID, runID)
	for k, v := range p.Sources() {
		params = params.Set(ParamSourcePrefix+k, v)
	}
	for k, v := range p.Targets() {
		params = params.Set(ParamTargetPrefix+k, v)
	}
	run := &PipelineRun{
		RunID:       runID,
		Pipeline:    name,
		LogicalDate: date,
		State:       PENDING,
		Trigger:     trigger,
		Attempt:     attempt,
		Params:      params,
		CreateTime:  time.Now(),
	}
	if err = e.repository.CreateRun(ctx, run); err != nil {
		e.startMu.Unlock()
		DefaultLogger.Error(ctx, "save run failed, pipeline:%v, logical_date:%v, err:%v", name, FormatDate(date), err)
		return "", err
	}
	h := e.track(p, run)
	e.startMu.Unlock()

	rctx := WithLogFields(context.WithoutCancel(ctx), "run_id", runID, "pipeline", name, "logical_date", FormatDate(date))
	DefaultLogger.Info(rctx, "run created, trigger:%v, attempt:%v", trigger, attempt)
	if async {
		go e.dispatch(rctx, p, h, PENDING)
		return runID, nil
	}
	return runID, e.dispatch(rctx, p, h, PENDING)
}

func (e *engine) track(p Pipeline, run *PipelineRun) *runHandle {
	h := newRunHandle(p, run)
	e.mu.Lock()
	e.active[run.RunID] = h
	e.mu.Unlock()
	return h
}

func (e *engine) release(h *runHandle) {
	e.mu.Lock()
	delete(e.active, h.run.RunID)
	e.mu.Unlock()
	close(h.done)
}

func (e *engine) handle(runID string) *runHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active[runID]
}

// Backfill queues one independent run per logical date in [from, to].
func (e *engine) Backfill(ctx context.Context, pipeline string, from, to time.Time) ([]string, error) {
	from, to = Day(from), Day(to)
	if to.Before(from) {
		return nil, NewBatchError(ErrCodeConfig, "backfill range is empty: %v > %v", FormatDate(from), FormatDate(to))
	}
	if _, err := e.lookup(ctx, pipeline); err != nil {
		return nil, err
	}
	var ids []string
	var group errs.Group
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		id, err := e.doStart(ctx, pipeline, d, TriggerBackfill, 1, true)
		if err != nil {
			group.Add(err)
			continue
		}
		ids = append(ids, id)
	}
	DefaultLogger.Info(ctx, "backfill queued, pipeline:%v, from:%v, to:%v, runs:%d", pipeline, FormatDate(from), FormatDate(to), len(ids))
	return ids, group.Err()
}

// Cancel marks a run cancelled. The in-flight stage finishes, nothing after it is dispatched,
// and written partitions are kept.
func (e *engine) Cancel(ctx context.Context, runID string) error {
	if h := e.handle(runID); h != nil {
		h.cancelled.Store(true)
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.run.State.IsTerminal() {
			return nil
		}
		h.run.Cancelled = true
		if err := e.repository.SaveRun(ctx, h.run); err != nil {
			DefaultLogger.Error(ctx, "save cancelled run failed, run:%v, err:%v", runID, err)
			return err
		}
		DefaultLogger.Info(ctx, "run will be cancelled, run:%v, state:%v", runID, h.run.State)
		return nil
	}
	run, err := e.Status(ctx, runID)
	if err != nil {
		return err
	}
	if !run.State.CanTransition(CANCELLED) {
		DefaultLogger.Error(ctx, "there is no active run with id:%v to cancel, state:%v", runID, run.State)
		return NewBatchError(ErrCodeState, "there is no active run with id:%v to cancel, state:%v", runID, run.State)
	}
	run.Cancelled = true
	run.State = CANCELLED
	run.EndTime = time.Now()
	if err = e.repository.SaveRun(ctx, run); err != nil {
		DefaultLogger.Error(ctx, "save cancelled run failed, run:%v, err:%v", runID, err)
		return err
	}
	DefaultLogger.Info(ctx, "run cancelled, run:%v", runID)
	return nil
}

// Reevaluate re-runs the quality gate of a BLOCKED run, and the modeler if it now passes.
func (e *engine) Reevaluate(ctx context.Context, runID string) error {
	run, err := e.Status(ctx, runID)
	if err != nil {
		return err
	}
	if run.State != BLOCKED {
		DefaultLogger.Error(ctx, "only blocked runs can be re-evaluated, run:%v, state:%v", runID, run.State)
		return NewBatchError(ErrCodeState, "only blocked runs can be re-evaluated, run:%v, state:%v", runID, run.State)
	}
	p, err := e.lookup(ctx, run.Pipeline)
	if err != nil {
		return err
	}
	e.startMu.Lock()
	if e.handle(runID) != nil {
		e.startMu.Unlock()
		return NewBatchError(ErrCodeConcurrency, "run:%v is already being re-evaluated", runID)
	}
	last, err := e.repository.FindLastRun(ctx, run.Pipeline, run.LogicalDate)
	if err != nil {
		e.startMu.Unlock()
		return err
	}
	if last != nil && last.RunID != runID && last.State.IsActive() {
		e.startMu.Unlock()
		return NewBatchError(ErrCodeConcurrency, "pipeline:%v has active run:%v for logical_date:%v", run.Pipeline, last.RunID, run.Date())
	}
	run.Trigger = TriggerReevaluate
	h := e.track(p, run)
	e.startMu.Unlock()

	rctx := WithLogFields(context.WithoutCancel(ctx), "run_id", runID, "pipeline", run.Pipeline, "logical_date", run.Date())
	DefaultLogger.Info(rctx, "re-evaluating blocked run")
	return e.dispatch(rctx, p, h, BLOCKED)
}

// Restart starts a fresh run for the pipeline and logical date of a FAILED or CANCELLED run
func (e *engine) Restart(ctx context.Context, runID string) (string, error) {
	return e.doRestart(ctx, runID, false)
}

// RestartAsync restart a run asynchronously
func (e *engine) RestartAsync(ctx context.Context, runID string) (string, error) {
	return e.doRestart(ctx, runID, true)
}

func (e *engine) doRestart(ctx context.Context, runID string, async bool) (string, error) {
	run, err := e.Status(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.State != FAILED && run.State != CANCELLED {
		DefaultLogger.Error(ctx, "can not restart run:%v in state %v", runID, run.State)
		return "", NewBatchError(ErrCodeState, "can not restart run:%v in state %v", runID, run.State)
	}
	return e.doStart(ctx, run.Pipeline, run.LogicalDate, TriggerRestart, run.Attempt+1, async)
}

func (e *engine) Status(ctx context.Context, runID string) (*PipelineRun, error) {
	run, err := e.repository.FindRun(ctx, runID)
	if err != nil {
		DefaultLogger.Error(ctx, "find run error, run:%v, err:%v", runID, err)
		return nil, err
	}
	if run == nil {
		return nil, NewBatchError(ErrCodeNotFound, "can not find run with id:%v", runID)
	}
	return run, nil
}

func (e *engine) Stages(ctx context.Context, runID string) ([]*StageExecution, error) {
	if _, err := e.Status(ctx, runID); err != nil {
		return nil, err
	}
	return e.repository.FindStageExecutions(ctx, runID)
}

func (e *engine) Verdicts(ctx context.Context, runID string) (*QualityReport, error) {
	if _, err := e.Status(ctx, runID); err != nil {
		return nil, err
	}
	report, err := e.repository.FindVerdicts(ctx, runID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, NewBatchError(ErrCodeNotFound, "run:%v has no quality verdicts", runID)
	}
	return report, nil
}

// Wait blocks until the run is no longer executing and returns its persisted state.
func (e *engine) Wait(ctx context.Context, runID string) (*PipelineRun, error) {
	if h := e.handle(runID); h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Status(ctx, runID)
}
