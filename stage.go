package tunepipe

import (
	"context"
)

// Stage is a unit of work the engine dispatches to the stage pool. Stages are pure with
// respect to the engine: they read the RunContext and write only their own outputs.
type Stage interface {
	Name() string
	Execute(ctx context.Context, rc RunContext) (*StageResult, error)
}

// StageResult is the terminal payload of a successful stage invocation.
type StageResult struct {
	Rows    int64
	Outputs map[string]string
	Metrics map[string]interface{}

	// Report is set by quality stages only.
	Report *QualityReport
}

// StageFunc adapts a function to the Stage interface.
type StageFunc func(ctx context.Context, rc RunContext) (*StageResult, error)

type funcStage struct {
	name string
	fn   StageFunc
}

// NewStage creates a named stage from fn.
func NewStage(name string, fn StageFunc) Stage {
	return &funcStage{name: name, fn: fn}
}

func (s *funcStage) Name() string {
	return s.name
}

func (s *funcStage) Execute(ctx context.Context, rc RunContext) (*StageResult, error) {
	return s.fn(ctx, rc)
}

// toStage converts the handler forms accepted by PipelineBuilder into a Stage.
func toStage(name string, handler interface{}) Stage {
	switch val := handler.(type) {
	case nil:
		return nil
	case Stage:
		return val
	case StageFunc:
		return NewStage(name, val)
	case func(ctx context.Context, rc RunContext) (*StageResult, error):
		return NewStage(name, val)
	case func(ctx context.Context, rc RunContext) error:
		return NewStage(name, func(ctx context.Context, rc RunContext) (*StageResult, error) {
			return &StageResult{}, val(ctx, rc)
		})
	case func() error:
		return NewStage(name, func(ctx context.Context, rc RunContext) (*StageResult, error) {
			if e := val(); e != nil {
				switch et := e.(type) {
				case BatchError:
					return nil, et
				default:
					return nil, NewBatchError(ErrCodeGeneral, "execute stage:%v error", name, e)
				}
			}
			return &StageResult{}, nil
		})
	case func():
		return NewStage(name, func(ctx context.Context, rc RunContext) (*StageResult, error) {
			val()
			return &StageResult{}, nil
		})
	}
	panic("invalid handler type for stage: " + name)
}
