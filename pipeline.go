package tunepipe

import (
	"fmt"

	"github.com/zeebo/errs"
)

// Branch is one independent extract → transform lane of a pipeline. The transform stage
// of a branch only waits for the extract stage of the same branch.
type Branch struct {
	Name      string
	Extract   Stage
	Transform Stage
}

// Pipeline is the static task graph of a logical pipeline.
type Pipeline interface {
	Name() string
	Branches() []Branch
	// Join runs after every branch transform and before the quality gate. May be nil.
	Join() Stage
	Quality() Stage
	Model() Stage
	RetryPolicy() RetryPolicy
	Sources() map[string]string
	Targets() map[string]string
	Params() Parameters
	Validate() error
}

type pipeline struct {
	name     string
	branches []Branch
	join     Stage
	quality  Stage
	model    Stage
	retry    RetryPolicy
	sources  map[string]string
	targets  map[string]string
	params   Parameters
}

func (p *pipeline) Name() string               { return p.name }
func (p *pipeline) Branches() []Branch         { return p.branches }
func (p *pipeline) Join() Stage                { return p.join }
func (p *pipeline) Quality() Stage             { return p.quality }
func (p *pipeline) Model() Stage               { return p.model }
func (p *pipeline) RetryPolicy() RetryPolicy   { return p.retry }
func (p *pipeline) Sources() map[string]string { return p.sources }
func (p *pipeline) Targets() map[string]string { return p.targets }
func (p *pipeline) Params() Parameters         { return p.params }

// Validate checks the graph before it is registered or dispatched.
func (p *pipeline) Validate() error {
	var group errs.Group
	if p.name == "" {
		group.Add(fmt.Errorf("pipeline name must not be empty"))
	}
	if len(p.branches) == 0 {
		group.Add(fmt.Errorf("pipeline %s has no branches", p.name))
	}
	seen := map[string]bool{}
	for _, b := range p.branches {
		if seen[b.Name] {
			group.Add(fmt.Errorf("pipeline %s: duplicate branch %q", p.name, b.Name))
		}
		seen[b.Name] = true
		if b.Extract == nil || b.Transform == nil {
			group.Add(fmt.Errorf("pipeline %s: branch %q needs an extract and a transform stage", p.name, b.Name))
		}
	}
	if len(p.branches) > 1 && p.join == nil {
		group.Add(fmt.Errorf("pipeline %s fans out into %d branches but has no join stage", p.name, len(p.branches)))
	}
	if p.quality == nil {
		group.Add(fmt.Errorf("pipeline %s has no quality stage", p.name))
	}
	if err := p.retry.Validate(); err != nil {
		group.Add(err)
	}
	if err := group.Err(); err != nil {
		return NewBatchError(ErrCodeConfig, "invalid pipeline %s", p.name, err)
	}
	return nil
}

// PipelineBuilderFactory hands out builders for pipelines.
type PipelineBuilderFactory interface {
	Get(name string) PipelineBuilder
}

func NewPipelineBuilderFactory() PipelineBuilderFactory {
	return &pipelineBuilderFactory{}
}

type pipelineBuilderFactory struct {
}

func (f *pipelineBuilderFactory) Get(name string) PipelineBuilder {
	if name == "" {
		panic("pipeline name must not be empty")
	}
	return &pipelineBuilder{
		name:    name,
		retry:   DefaultRetryPolicy(),
		sources: map[string]string{},
		targets: map[string]string{},
		params:  NewParameters(),
	}
}

// PipelineBuilder assembles a Pipeline. Stage arguments accept a Stage, a StageFunc,
// func(ctx, RunContext) error, func() error or func().
type PipelineBuilder interface {
	Branch(name string, extract interface{}, transform interface{}) PipelineBuilder
	Join(handler interface{}) PipelineBuilder
	Quality(handler interface{}) PipelineBuilder
	Model(handler interface{}) PipelineBuilder
	Retry(policy RetryPolicy) PipelineBuilder
	Source(name, identifier string) PipelineBuilder
	Target(name, table string) PipelineBuilder
	Param(key string, value interface{}) PipelineBuilder
	Build() Pipeline
}

type pipelineBuilder struct {
	name     string
	branches []Branch
	join     Stage
	quality  Stage
	model    Stage
	retry    RetryPolicy
	sources  map[string]string
	targets  map[string]string
	params   Parameters
}

func (builder *pipelineBuilder) Branch(name string, extract interface{}, transform interface{}) PipelineBuilder {
	builder.branches = append(builder.branches, Branch{
		Name:      name,
		Extract:   toStage(name+".extract", extract),
		Transform: toStage(name+".transform", transform),
	})
	return builder
}

func (builder *pipelineBuilder) Join(handler interface{}) PipelineBuilder {
	builder.join = toStage(builder.name+".join", handler)
	return builder
}

func (builder *pipelineBuilder) Quality(handler interface{}) PipelineBuilder {
	builder.quality = toStage(builder.name+".quality", handler)
	return builder
}

func (builder *pipelineBuilder) Model(handler interface{}) PipelineBuilder {
	builder.model = toStage(builder.name+".model", handler)
	return builder
}

func (builder *pipelineBuilder) Retry(policy RetryPolicy) PipelineBuilder {
	builder.retry = policy
	return builder
}

func (builder *pipelineBuilder) Source(name, identifier string) PipelineBuilder {
	builder.sources[name] = identifier
	return builder
}

func (builder *pipelineBuilder) Target(name, table string) PipelineBuilder {
	builder.targets[name] = table
	return builder
}

func (builder *pipelineBuilder) Param(key string, value interface{}) PipelineBuilder {
	builder.params = builder.params.Set(key, value)
	return builder
}

func (builder *pipelineBuilder) Build() Pipeline {
	branches := make([]Branch, len(builder.branches))
	copy(branches, builder.branches)
	return &pipeline{
		name:     builder.name,
		branches: branches,
		join:     builder.join,
		quality:  builder.quality,
		model:    builder.model,
		retry:    builder.retry,
		sources:  copyStrings(builder.sources),
		targets:  copyStrings(builder.targets),
		params:   builder.params.Clone(),
	}
}
