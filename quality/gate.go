package quality

import (
	"context"
	"strings"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/catalog"
)

// GateStage evaluates the rules of Entities against their partitions of the logical date.
type GateStage struct {
	Registry *Registry
	Catalog  catalog.Catalog
	Entities []string
}

func (g *GateStage) Name() string {
	return "quality." + strings.Join(g.Entities, "+")
}

// Execute returns a report with one verdict per rule. A FAIL outcome is not an error:
// the engine blocks the run on it.
func (g *GateStage) Execute(ctx context.Context, rc tunepipe.RunContext) (*tunepipe.StageResult, error) {
	report := &tunepipe.QualityReport{Outcome: tunepipe.PASS}
	var checked int64
	for _, entity := range g.Entities {
		rules := g.Registry.Rules(entity)
		if len(rules) == 0 {
			continue
		}
		table := rc.Target(entity)
		if table == "" {
			table = entity
		}
		rows, err := g.Catalog.ReadPartition(ctx, table, rc.LogicalDate)
		if err != nil {
			return nil, err
		}
		checked += int64(len(rows))
		for _, r := range rules {
			v := Evaluate(r, table, rows)
			if v.Outcome == tunepipe.FAIL {
				report.Outcome = tunepipe.FAIL
				tunepipe.DefaultLogger.Warn(ctx, "quality rule failed, rule:%v, table:%v, ratio:%.4f, threshold:%.4f", v.RuleID, table, v.Ratio, v.Threshold)
			}
			report.Verdicts = append(report.Verdicts, v)
		}
	}
	return &tunepipe.StageResult{
		Rows:    checked,
		Report:  report,
		Metrics: map[string]interface{}{"rules": len(report.Verdicts), "failed": len(report.Failed())},
	}, nil
}
