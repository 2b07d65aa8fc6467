// Package modeler is the boundary to the external SQL transformation tool. It orders the
// declarative models, hands curated partitions over as Parquet, and runs each model.
package modeler

import (
	_ "embed"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/chararch/tunepipe"
)

//go:embed models.yaml
var defaultModels []byte

// Layer of a model. A model may only depend on models of its own or an earlier layer.
type Layer string

const (
	Staging Layer = "staging"
	Marts   Layer = "marts"
	BI      Layer = "bi"
)

var layerRank = map[Layer]int{Staging: 0, Marts: 1, BI: 2}

// Model is one declarative SQL model.
type Model struct {
	Name         string   `yaml:"name"`
	Layer        Layer    `yaml:"layer"`
	Materialized string   `yaml:"materialized"`
	DependsOn    []string `yaml:"depends_on"`
	SQL          string   `yaml:"sql"`

	// Pipeline names the pipeline that builds the model; empty means every pipeline does.
	Pipeline string `yaml:"pipeline"`
}

// Project is a set of models in execution order.
type Project struct {
	Schema string
	models []Model
}

// Models returns the models in dependency order.
func (p *Project) Models() []Model {
	return append([]Model(nil), p.models...)
}

// ModelsOf returns the models built by pipeline, in dependency order. Dependencies owned by
// another pipeline are expected to exist already.
func (p *Project) ModelsOf(pipeline string) []Model {
	var out []Model
	for _, m := range p.models {
		if m.Pipeline == "" || m.Pipeline == pipeline {
			out = append(out, m)
		}
	}
	return out
}

// ParseProject parses and orders a model file. Unknown dependencies, layer inversions and
// cycles are configuration errors.
func ParseProject(data []byte) (*Project, error) {
	var doc struct {
		Schema string  `yaml:"schema"`
		Models []Model `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "parse models", err)
	}
	ordered, err := order(doc.Models)
	if err != nil {
		return nil, err
	}
	return &Project{Schema: doc.Schema, models: ordered}, nil
}

// LoadProject reads a model file; an empty path loads the built-in star schema.
func LoadProject(path string) (*Project, error) {
	if path == "" {
		return ParseProject(defaultModels)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "read models %s", path, errors.WithStack(err))
	}
	return ParseProject(data)
}

// order sorts models topologically. Among ready models the earlier layer, then the name, goes first.
func order(models []Model) ([]Model, error) {
	byName := make(map[string]Model, len(models))
	for _, m := range models {
		if m.Name == "" {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "model without a name")
		}
		if _, ok := layerRank[m.Layer]; !ok {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "model %s has unknown layer %q", m.Name, m.Layer)
		}
		if _, dup := byName[m.Name]; dup {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "model %s declared twice", m.Name)
		}
		byName[m.Name] = m
	}
	pending := make(map[string]int, len(models))
	dependents := map[string][]string{}
	for _, m := range models {
		for _, d := range m.DependsOn {
			dep, ok := byName[d]
			if !ok {
				return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "model %s depends on unknown model %s", m.Name, d)
			}
			if layerRank[dep.Layer] > layerRank[m.Layer] {
				return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "model %s (%s) can not depend on %s (%s)", m.Name, m.Layer, d, dep.Layer)
			}
			dependents[d] = append(dependents[d], m.Name)
		}
		pending[m.Name] = len(m.DependsOn)
	}

	var ready []string
	for name, n := range pending {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	var out []Model
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			a, b := byName[ready[i]], byName[ready[j]]
			if layerRank[a.Layer] != layerRank[b.Layer] {
				return layerRank[a.Layer] < layerRank[b.Layer]
			}
			return a.Name < b.Name
		})
		next := ready[0]
		ready = ready[1:]
		out = append(out, byName[next])
		for _, d := range dependents[next] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(out) != len(models) {
		var cyclic []string
		for name, n := range pending {
			if n > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "models %v form a dependency cycle", cyclic)
	}
	return out, nil
}
