package quality

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bmizerany/assert"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/catalog"
)

var logicalDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func threshold(f float64) *float64 {
	return &f
}

func build(t *testing.T, c RuleConfig) Rule {
	r, err := Build(c, nil)
	assert.Equal(t, nil, err)
	return r
}

// rows returns n rows where the first bad have a duplicate or null id.
func rows(n, bad int, dup bool) []catalog.Row {
	ret := make([]catalog.Row, n)
	for i := range ret {
		switch {
		case i < bad && dup:
			ret[i] = catalog.Row{"id": "same"}
		case i < bad:
			ret[i] = catalog.Row{"id": nil}
		default:
			ret[i] = catalog.Row{"id": fmt.Sprintf("id-%d", i)}
		}
	}
	return ret
}

func TestExactlyAtThresholdPasses(t *testing.T) {
	r := build(t, RuleConfig{ID: "c", Type: Completeness, Entity: "e", Columns: []string{"id"}, Threshold: threshold(0.95)})
	v := Evaluate(r, "e", rows(100, 5, false))
	assert.Equal(t, int64(95), v.PassCount)
	assert.Equal(t, int64(5), v.FailCount)
	assert.Equal(t, 0.95, v.Ratio)
	assert.Equal(t, tunepipe.PASS, v.Outcome)

	v = Evaluate(r, "e", rows(100, 6, false))
	assert.Equal(t, tunepipe.FAIL, v.Outcome)
}

func TestUniqueness(t *testing.T) {
	r := build(t, RuleConfig{ID: "u", Type: Uniqueness, Entity: "e", Columns: []string{"id"}, Threshold: threshold(0.95)})
	// 6 rows share one key: 1 passes, 5 repeat
	v := Evaluate(r, "e", rows(100, 6, true))
	assert.Equal(t, int64(5), v.FailCount)
	assert.Equal(t, tunepipe.PASS, v.Outcome)

	v = Evaluate(r, "e", rows(100, 7, true))
	assert.Equal(t, tunepipe.FAIL, v.Outcome)
}

func TestEmptyPartitionPasses(t *testing.T) {
	r := build(t, RuleConfig{ID: "u", Type: Uniqueness, Entity: "e", Columns: []string{"id"}, Threshold: threshold(1)})
	v := Evaluate(r, "e", nil)
	assert.Equal(t, 1.0, v.Ratio)
	assert.Equal(t, tunepipe.PASS, v.Outcome)
}

func TestLengthFormatRange(t *testing.T) {
	data := []catalog.Row{
		{"name": "ab", "code": "S-1", "price": 1.5, "year": int64(1999)},
		{"name": "abcdef", "code": "s 2", "price": 99.0, "year": int64(1800)},
		{"name": nil, "code": nil, "price": nil, "year": nil},
		{"name": "abc", "code": "S-3", "price": "free", "year": int64(2000)},
	}
	length := build(t, RuleConfig{ID: "l", Type: Length, Entity: "e", Columns: []string{"name"}, Max: threshold(3), Threshold: threshold(0.75)})
	v := Evaluate(length, "e", data)
	assert.Equal(t, int64(3), v.PassCount)
	assert.Equal(t, tunepipe.PASS, v.Outcome)

	format := build(t, RuleConfig{ID: "f", Type: Format, Entity: "e", Columns: []string{"code"}, Pattern: `^S-\d+$`, Threshold: threshold(0.8)})
	v = Evaluate(format, "e", data)
	assert.Equal(t, int64(1), v.FailCount)
	assert.Equal(t, tunepipe.FAIL, v.Outcome)

	price := build(t, RuleConfig{ID: "p", Type: Range, Entity: "e", Columns: []string{"price"}, Min: threshold(0), Max: threshold(50), Threshold: threshold(0.5)})
	v = Evaluate(price, "e", data)
	assert.Equal(t, int64(2), v.PassCount)
	assert.Equal(t, int64(2), v.FailCount)
	assert.Equal(t, tunepipe.PASS, v.Outcome)

	year := build(t, RuleConfig{ID: "y", Type: Range, Entity: "e", Columns: []string{"year"}, Min: threshold(1900), Threshold: threshold(0.75)})
	v = Evaluate(year, "e", data)
	assert.Equal(t, int64(1), v.FailCount)
	assert.Equal(t, tunepipe.PASS, v.Outcome)
}

func TestBuildRejectsInvalidRules(t *testing.T) {
	for _, c := range []RuleConfig{
		{ID: "a", Type: "accuracy", Entity: "e", Columns: []string{"x"}, Threshold: threshold(0.9)},
		{ID: "b", Type: Format, Entity: "e", Columns: []string{"x"}, Pattern: "([", Threshold: threshold(0.9)},
		{ID: "c", Type: Range, Entity: "e", Columns: []string{"x"}, Threshold: threshold(0.9)},
		{ID: "d", Type: Completeness, Entity: "e", Columns: []string{"x"}, Threshold: threshold(1.5)},
		{ID: "e", Type: Completeness, Entity: "e", Columns: []string{"x"}},
		{ID: "", Type: Completeness, Entity: "e", Columns: []string{"x"}, Threshold: threshold(0.9)},
	} {
		_, err := Build(c, nil)
		assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err), c.ID)
	}
}

func TestRegistry(t *testing.T) {
	r, err := LoadRegistry("", nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, len(r.Rules("songs")))
	assert.Equal(t, 0.95, r.Rules("users")[0].Threshold())

	r, err = LoadRegistry("", map[string]float64{Uniqueness: 0.99})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0.99, r.Rules("users")[0].Threshold())

	_, err = ParseRegistry([]byte(`
rules:
  - {id: x, type: completeness, entity: e, columns: [a], threshold: 0.9}
  - {id: x, type: completeness, entity: e, columns: [a], threshold: 0.9}
  - {id: y, type: bogus, entity: e, columns: [a], threshold: 0.9}
`), nil)
	assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err))
}

func TestGateStage(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemoryCatalog()
	schema := catalog.Schema{
		Table:      "users",
		Columns:    []catalog.Column{{Name: "user_id", Type: catalog.String, Nullable: true}},
		PrimaryKey: []string{"user_id"},
	}
	assert.Equal(t, nil, cat.CreateTable(ctx, schema))
	write := func(data []catalog.Row) {
		txn, err := cat.Begin(ctx, "users")
		assert.Equal(t, nil, err)
		assert.Equal(t, nil, txn.OverwritePartition(ctx, logicalDate, data))
		_, err = txn.Commit(ctx)
		assert.Equal(t, nil, err)
	}
	registry := NewRegistry(
		build(t, RuleConfig{ID: "users_complete", Type: Completeness, Entity: "users", Columns: []string{"user_id"}, Threshold: threshold(0.9)}),
		build(t, RuleConfig{ID: "users_unique", Type: Uniqueness, Entity: "users", Columns: []string{"user_id"}, Threshold: threshold(0.9)}),
	)
	gate := &GateStage{Registry: registry, Catalog: cat, Entities: []string{"users", "songs"}}
	rc := tunepipe.RunContext{RunID: "r", LogicalDate: logicalDate}

	var data []catalog.Row
	for i := 0; i < 10; i++ {
		data = append(data, catalog.Row{"user_id": fmt.Sprintf("u-%d", i)})
	}
	write(data)
	res, err := gate.Execute(ctx, rc)
	assert.Equal(t, nil, err)
	assert.Equal(t, tunepipe.PASS, res.Report.Outcome)
	assert.Equal(t, 2, len(res.Report.Verdicts))
	assert.Equal(t, int64(10), res.Rows)

	data[0]["user_id"] = nil
	data[1]["user_id"] = nil
	write(data)
	res, err = gate.Execute(ctx, rc)
	assert.Equal(t, nil, err)
	assert.Equal(t, tunepipe.FAIL, res.Report.Outcome)
	failed := res.Report.Failed()
	assert.Equal(t, 1, len(failed))
	assert.Equal(t, "users_complete", failed[0].RuleID)
	assert.Equal(t, 0.8, failed[0].Ratio)
}
