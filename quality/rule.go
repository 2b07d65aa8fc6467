// Package quality evaluates declarative rules against curated partitions.
package quality

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/catalog"
)

// rule types
const (
	Completeness = "completeness"
	Uniqueness   = "uniqueness"
	Length       = "length"
	Format       = "format"
	Range        = "range"
)

// RuleConfig is the declarative form of a rule.
type RuleConfig struct {
	ID        string   `yaml:"id"`
	Type      string   `yaml:"type"`
	Entity    string   `yaml:"entity"`
	Columns   []string `yaml:"columns"`
	Threshold *float64 `yaml:"threshold"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	Pattern   string   `yaml:"pattern"`
}

// Rule counts passing and failing rows of a partition.
type Rule interface {
	ID() string
	Entity() string
	Threshold() float64
	Count(rows []catalog.Row) (pass, fail int64)
}

// Evaluate runs r over rows. An empty partition passes.
func Evaluate(r Rule, table string, rows []catalog.Row) tunepipe.Verdict {
	pass, fail := r.Count(rows)
	ratio := 1.0
	if total := pass + fail; total > 0 {
		ratio = float64(pass) / float64(total)
	}
	outcome := tunepipe.PASS
	if ratio < r.Threshold() {
		outcome = tunepipe.FAIL
	}
	return tunepipe.Verdict{
		RuleID:    r.ID(),
		Entity:    r.Entity(),
		Table:     table,
		PassCount: pass,
		FailCount: fail,
		Ratio:     ratio,
		Threshold: r.Threshold(),
		Outcome:   outcome,
	}
}

type base struct {
	id        string
	entity    string
	columns   []string
	threshold float64
}

func (b *base) ID() string {
	return b.id
}

func (b *base) Entity() string {
	return b.entity
}

func (b *base) Threshold() float64 {
	return b.threshold
}

// countEach applies ok to every non-null value of the rule's columns; a row passes when all do.
func (b *base) countEach(rows []catalog.Row, ok func(v interface{}) bool) (pass, fail int64) {
	for _, row := range rows {
		good := true
		for _, c := range b.columns {
			if v := row[c]; v != nil && !ok(v) {
				good = false
				break
			}
		}
		if good {
			pass++
		} else {
			fail++
		}
	}
	return
}

type completenessRule struct{ base }

func (r *completenessRule) Count(rows []catalog.Row) (pass, fail int64) {
	for _, row := range rows {
		complete := true
		for _, c := range r.columns {
			v := row[c]
			if s, ok := v.(string); v == nil || ok && strings.TrimSpace(s) == "" {
				complete = false
				break
			}
		}
		if complete {
			pass++
		} else {
			fail++
		}
	}
	return
}

// uniquenessRule counts the first row of every key as passing and repeats as failing.
type uniquenessRule struct{ base }

func (r *uniquenessRule) Count(rows []catalog.Row) (pass, fail int64) {
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		parts := make([]string, len(r.columns))
		for i, c := range r.columns {
			parts[i] = fmt.Sprint(row[c])
		}
		k := strings.Join(parts, "\x1f")
		if seen[k] {
			fail++
			continue
		}
		seen[k] = true
		pass++
	}
	return
}

type lengthRule struct {
	base
	min, max int
}

func (r *lengthRule) Count(rows []catalog.Row) (int64, int64) {
	return r.countEach(rows, func(v interface{}) bool {
		n := utf8.RuneCountInString(fmt.Sprint(v))
		return n >= r.min && (r.max <= 0 || n <= r.max)
	})
}

type formatRule struct {
	base
	pattern *regexp.Regexp
}

func (r *formatRule) Count(rows []catalog.Row) (int64, int64) {
	return r.countEach(rows, func(v interface{}) bool {
		return r.pattern.MatchString(fmt.Sprint(v))
	})
}

type rangeRule struct {
	base
	min, max float64
}

func (r *rangeRule) Count(rows []catalog.Row) (int64, int64) {
	return r.countEach(rows, func(v interface{}) bool {
		f, ok := numeric(v)
		return ok && f >= r.min && f <= r.max
	})
}

// numeric converts numbers, and timestamps as unix seconds.
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	case time.Time:
		return float64(n.Unix()), true
	}
	return 0, false
}

// Build compiles a rule config. defaults supplies the threshold when the rule has none.
func Build(c RuleConfig, defaults map[string]float64) (Rule, error) {
	if c.ID == "" || c.Entity == "" || len(c.Columns) == 0 {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "rule %q needs an id, an entity and columns", c.ID)
	}
	threshold, ok := defaults[c.Type]
	if c.Threshold != nil {
		threshold, ok = *c.Threshold, true
	}
	if !ok {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "rule %s has no threshold", c.ID)
	}
	if threshold < 0 || threshold > 1 {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "rule %s: threshold %v is not within [0, 1]", c.ID, threshold)
	}
	b := base{id: c.ID, entity: c.Entity, columns: c.Columns, threshold: threshold}
	switch c.Type {
	case Completeness:
		return &completenessRule{b}, nil
	case Uniqueness:
		return &uniquenessRule{b}, nil
	case Length:
		r := &lengthRule{base: b}
		if c.Min != nil {
			r.min = int(*c.Min)
		}
		if c.Max != nil {
			r.max = int(*c.Max)
		}
		if r.max > 0 && r.min > r.max {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "rule %s: min %d > max %d", c.ID, r.min, r.max)
		}
		return r, nil
	case Format:
		if c.Pattern == "" {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "rule %s: format needs a pattern", c.ID)
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "rule %s: invalid pattern %q", c.ID, c.Pattern, err)
		}
		return &formatRule{base: b, pattern: re}, nil
	case Range:
		if c.Min == nil && c.Max == nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "rule %s: range needs min or max", c.ID)
		}
		r := &rangeRule{base: b, min: math.Inf(-1), max: math.Inf(1)}
		if c.Min != nil {
			r.min = *c.Min
		}
		if c.Max != nil {
			r.max = *c.Max
		}
		return r, nil
	}
	return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "rule %s has unknown type %q", c.ID, c.Type)
}
