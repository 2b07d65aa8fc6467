package modeler

import (
	"context"
	"strconv"

	"github.com/chararch/tunepipe"
)

// ModelStage exports the checked tables and runs the models of Pipeline in dependency
// order; an empty Pipeline runs the whole project.
type ModelStage struct {
	Project  *Project
	Runner   Runner
	Exporter *ParquetExporter
	Tables   []string
	Pipeline string
}

func (s *ModelStage) Name() string {
	return "model." + s.Project.Schema
}

func (s *ModelStage) Execute(ctx context.Context, rc tunepipe.RunContext) (*tunepipe.StageResult, error) {
	vars := Vars{LogicalDate: rc.Date(), Schema: s.Project.Schema, Inputs: map[string]string{}}
	exported := map[string]interface{}{}
	if s.Exporter != nil {
		for _, name := range s.Tables {
			table := rc.Target(name)
			if table == "" {
				table = name
			}
			key, n, err := s.Exporter.Export(ctx, table, rc.LogicalDate)
			if err != nil {
				return nil, err
			}
			vars.Inputs[table] = key
			exported[table] = n
		}
	}

	outputs := map[string]string{}
	var total int64
	models := s.Project.Models()
	if s.Pipeline != "" {
		models = s.Project.ModelsOf(s.Pipeline)
	}
	for _, m := range models {
		if err := ctx.Err(); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeTimeout, "logical_date=%s: modeling interrupted before %s", rc.Date(), m.Name, err)
		}
		rows, err := s.Runner.Run(ctx, m, vars)
		if err != nil {
			return nil, err
		}
		tunepipe.DefaultLogger.Info(ctx, "model built, model:%v, layer:%v, rows:%d", m.Name, m.Layer, rows)
		outputs[m.Name] = strconv.FormatInt(rows, 10)
		total += rows
	}
	return &tunepipe.StageResult{
		Rows:    total,
		Outputs: outputs,
		Metrics: map[string]interface{}{"exported": exported, "models": len(outputs)},
	}, nil
}
