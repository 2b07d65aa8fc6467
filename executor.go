package tunepipe

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// stageFailure remembers which stage produced a branch error.
type stageFailure struct {
	stage string
	err   error
}

func (f *stageFailure) Error() string {
	return fmt.Sprintf("stage %s: %v", f.stage, f.err)
}

func (f *stageFailure) Unwrap() error {
	return f.err
}

// dispatch submits the run to the run pool and waits for it to settle.
func (e *engine) dispatch(ctx context.Context, p Pipeline, h *runHandle, from State) error {
	var ran bool
	_, err := runPool.Submit(ctx, func() (interface{}, error) {
		ran = true
		return nil, e.execute(ctx, p, h, from)
	}).Get()
	if !ran {
		e.fail(ctx, h, "", err)
		e.release(h)
	}
	return err
}

// execute drives the state machine of one run, starting at from (PENDING or BLOCKED).
func (e *engine) execute(ctx context.Context, p Pipeline, h *runHandle, from State) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = NewBatchError(ErrCodeGeneral, "panic in run %v: %v", h.rc.RunID, r)
			e.fail(ctx, h, "", err)
		}
		DefaultLogger.Info(ctx, "run settled in %v, state:%v", time.Since(start), e.state(h))
		e.release(h)
	}()
	if from == PENDING {
		if err = e.advance(ctx, h, EXTRACTING); err != nil {
			return e.fail(ctx, h, "", err)
		}
		if err = e.runBranches(ctx, p, h); err != nil {
			return err
		}
		if join := p.Join(); join != nil {
			if _, err = e.invoke(ctx, p, h, join, ""); err != nil {
				return e.fail(ctx, h, join.Name(), err)
			}
		}
	}
	return e.gate(ctx, p, h)
}

// runBranches fans out every branch. A failing branch does not cancel its siblings; the run
// fails once all of them settled. The run enters TRANSFORMING only when the last extract
// finished, so a branch with an earlier extract is already transforming while the persisted
// state still reads EXTRACTING.
func (e *engine) runBranches(ctx context.Context, p Pipeline, h *runHandle) error {
	branches := p.Branches()
	pending := int32(len(branches))
	var g errgroup.Group
	for _, b := range branches {
		b := b
		g.Go(func() error {
			bctx := WithLogFields(ctx, "branch", b.Name)
			if _, err := e.invoke(bctx, p, h, b.Extract, b.Name); err != nil {
				return &stageFailure{stage: b.Extract.Name(), err: err}
			}
			if atomic.AddInt32(&pending, -1) == 0 {
				if err := e.advance(ctx, h, TRANSFORMING); err != nil {
					return &stageFailure{stage: b.Extract.Name(), err: err}
				}
			}
			if _, err := e.invoke(bctx, p, h, b.Transform, b.Name); err != nil {
				return &stageFailure{stage: b.Transform.Name(), err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var sf *stageFailure
		if errors.As(err, &sf) {
			return e.fail(ctx, h, sf.stage, sf.err)
		}
		return e.fail(ctx, h, "", err)
	}
	return nil
}

// gate runs QUALITY_CHECK and, on PASS only, MODELING.
func (e *engine) gate(ctx context.Context, p Pipeline, h *runHandle) error {
	if err := e.advance(ctx, h, QUALITY_CHECK); err != nil {
		return e.fail(ctx, h, "", err)
	}
	quality := p.Quality()
	res, err := e.invoke(ctx, p, h, quality, "")
	if err != nil {
		return e.fail(ctx, h, quality.Name(), err)
	}
	report := res.Report
	if report == nil {
		return e.fail(ctx, h, quality.Name(), NewBatchError(ErrCodeGeneral, "quality stage %v returned no report", quality.Name()))
	}
	report.RunID = h.rc.RunID
	report.LogicalDate = h.rc.LogicalDate
	if report.EvaluatedAt.IsZero() {
		report.EvaluatedAt = time.Now()
	}
	if err = e.repository.SaveVerdicts(ctx, report); err != nil {
		DefaultLogger.Error(ctx, "save quality verdicts failed, err:%v", err)
		return e.fail(ctx, h, quality.Name(), err)
	}
	if report.Outcome != PASS {
		return e.block(ctx, h, report)
	}

	if err = e.advance(ctx, h, MODELING); err != nil {
		return e.fail(ctx, h, "", err)
	}
	if model := p.Model(); model != nil {
		if _, err = e.invoke(ctx, p, h, model, ""); err != nil {
			return e.fail(ctx, h, model.Name(), err)
		}
	}
	if err = e.advance(ctx, h, SUCCEEDED); err != nil {
		return e.fail(ctx, h, "", err)
	}
	return nil
}

func (e *engine) block(ctx context.Context, h *runHandle, report *QualityReport) error {
	var rules []string
	for _, v := range report.Failed() {
		rules = append(rules, fmt.Sprintf("%s(%.4f<%.4f)", v.RuleID, v.Ratio, v.Threshold))
	}
	msg := fmt.Sprintf("logical_date=%s: quality gate failed: %s", h.rc.Date(), strings.Join(rules, ", "))
	h.mu.Lock()
	h.run.ErrorKind = DataQuality
	h.run.ErrorMessage = msg
	err := e.setState(ctx, h, BLOCKED)
	h.mu.Unlock()
	if err != nil {
		return e.fail(ctx, h, "", err)
	}
	DefaultLogger.Warn(ctx, "run blocked, %v", msg)
	return NewBatchError(ErrCodeQuality, "run %v blocked: %s", h.rc.RunID, msg)
}

// advance moves the run to next unless it was cancelled, in which case it ends CANCELLED.
func (e *engine) advance(ctx context.Context, h *runHandle, next State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled.Load() {
		if err := e.setState(ctx, h, CANCELLED); err != nil {
			return err
		}
		return NewBatchError(ErrCodeCancelled, "run %v cancelled before %v", h.rc.RunID, next)
	}
	return e.setState(ctx, h, next)
}

// setState persists a transition; h.mu must be held.
func (e *engine) setState(ctx context.Context, h *runHandle, next State) error {
	run := h.run
	prev := run.State
	if !prev.CanTransition(next) {
		return NewBatchError(ErrCodeGeneral, "illegal transition %v -> %v for run %v", prev, next, run.RunID)
	}
	now := time.Now()
	run.State = next
	switch {
	case prev == PENDING:
		run.StartTime = now
	case prev == BLOCKED:
		run.ErrorKind = ""
		run.ErrorMessage = ""
		run.EndTime = time.Time{}
	}
	if next.IsTerminal() || next == BLOCKED {
		run.EndTime = now
	}
	if err := e.repository.SaveRun(ctx, run); err != nil {
		run.State = prev
		DefaultLogger.Error(ctx, "save run state %v failed, err:%v", next, err)
		return err
	}
	DefaultLogger.Info(ctx, "run state %v -> %v", prev, next)
	return nil
}

// fail records a terminal failure and returns cause. It is a no-op for runs that already
// reached a terminal state, e.g. a cancelled run whose branches report afterwards.
func (e *engine) fail(ctx context.Context, h *runHandle, stage string, cause error) error {
	if cause == nil {
		cause = NewBatchError(ErrCodeGeneral, "run %v aborted", h.rc.RunID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.run.State.IsTerminal() {
		return cause
	}
	if CodeOf(cause) == ErrCodeCancelled || h.cancelled.Load() {
		if err := e.setState(ctx, h, CANCELLED); err != nil {
			DefaultLogger.Error(ctx, "mark run cancelled failed, err:%v", err)
		}
		return cause
	}
	h.run.FailedStage = stage
	h.run.ErrorKind = KindOf(cause)
	h.run.ErrorMessage = fmt.Sprintf("logical_date=%s stage=%s: %v", h.rc.Date(), stage, cause)
	if err := e.setState(ctx, h, FAILED); err != nil {
		DefaultLogger.Error(ctx, "mark run failed failed, err:%v", err)
	}
	DefaultLogger.Error(ctx, "run failed, stage:%v, kind:%v, err:%v", stage, h.run.ErrorKind, cause)
	return cause
}

func (e *engine) state(h *runHandle) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.State
}

// invoke runs one stage with the pipeline retry policy. Each attempt gets its own
// RunContext copy and a StageExecution record.
func (e *engine) invoke(ctx context.Context, p Pipeline, h *runHandle, stage Stage, branch string) (*StageResult, error) {
	policy := p.RetryPolicy()
	ctx = WithLogFields(ctx, "stage", stage.Name())
	var result *StageResult
	err := Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		if h.cancelled.Load() {
			return NewBatchError(ErrCodeCancelled, "run %v cancelled, stage %v not dispatched", h.rc.RunID, stage.Name())
		}
		rc := h.rc.clone()
		rc.Attempt = attempt
		execution := &StageExecution{
			RunID:     rc.RunID,
			Stage:     stage.Name(),
			Branch:    branch,
			Attempt:   attempt,
			Status:    StageStarted,
			StartTime: time.Now(),
		}
		e.saveStage(ctx, execution)
		res, err := e.runStage(ctx, policy.StageTimeout, stage, rc)
		execution.EndTime = time.Now()
		if err != nil {
			execution.Status = StageFailed
			if IsTransient(err) && attempt < policy.MaxAttempts {
				execution.Status = StageRetrying
			}
			execution.Error = err.Error()
		} else {
			execution.Status = StageCompleted
			execution.Rows = res.Rows
			execution.Metrics = res.Metrics
		}
		e.saveStage(ctx, execution)
		DefaultLogger.Info(ctx, "stage attempt %d finished in %v, status:%v, rows:%d",
			attempt, execution.EndTime.Sub(execution.StartTime), execution.Status, execution.Rows)
		result = res
		return err
	})
	return result, err
}

func (e *engine) saveStage(ctx context.Context, execution *StageExecution) {
	if err := e.repository.SaveStageExecution(ctx, execution); err != nil {
		DefaultLogger.Error(ctx, "save stage execution failed, stage:%v, attempt:%v, err:%v", execution.Stage, execution.Attempt, err)
	}
}

// runStage executes a single attempt on the stage pool. The timeout covers waiting for a
// pool slot. Exceeding it is reported as a transient error even if the stage ignores its
// context; such a stage keeps its slot until it returns, and its catalog commits are refused.
func (e *engine) runStage(ctx context.Context, timeout time.Duration, stage Stage, rc RunContext) (*StageResult, error) {
	sctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	submitted := make(chan Future, 1)
	go func() {
		submitted <- stagePool.Submit(sctx, func() (interface{}, error) {
			if err := sctx.Err(); err != nil {
				return nil, err
			}
			return stage.Execute(sctx, rc)
		})
	}()
	var future Future
	select {
	case future = <-submitted:
	case <-sctx.Done():
		return nil, NewBatchError(ErrCodeTimeout, "stage %v waited %v for a worker", stage.Name(), timeout, sctx.Err())
	}
	select {
	case <-future.Done():
	case <-sctx.Done():
		return nil, NewBatchError(ErrCodeTimeout, "stage %v exceeded timeout %v", stage.Name(), timeout, sctx.Err())
	}
	v, err := future.Get()
	if err != nil {
		if errors.Is(sctx.Err(), context.DeadlineExceeded) {
			return nil, NewBatchError(ErrCodeTimeout, "stage %v exceeded timeout %v", stage.Name(), timeout, err)
		}
		return nil, err
	}
	res, _ := v.(*StageResult)
	if res == nil {
		res = &StageResult{}
	}
	return res, nil
}
