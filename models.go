package tunepipe

import (
	"time"
)

// DateLayout is the layout of a logical_date.
const DateLayout = "2006-01-02"

// ParseLogicalDate parses a YYYY-MM-DD logical date into a UTC day.
func ParseLogicalDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, NewBatchError(ErrCodeConfig, "invalid logical_date %q", s, err)
	}
	return t.UTC(), nil
}

// Day truncates t to the start of its UTC day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate formats a logical date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// RunContext is created per scheduled or backfilled invocation and handed to stages by
// value. Stages never mutate it; the engine builds a new one per attempt.
type RunContext struct {
	RunID       string
	Pipeline    string
	LogicalDate time.Time
	Sources     map[string]string
	Targets     map[string]string
	Attempt     int
	Params      Parameters
}

// Date returns the logical date formatted as YYYY-MM-DD.
func (rc RunContext) Date() string {
	return FormatDate(rc.LogicalDate)
}

// Window returns [start, end) of the logical date.
func (rc RunContext) Window() (time.Time, time.Time) {
	start := Day(rc.LogicalDate)
	return start, start.AddDate(0, 0, 1)
}

// Source returns the identifier of a named source, e.g. a landing path.
func (rc RunContext) Source(name string) string {
	return rc.Sources[name]
}

// Target returns the table name a stage writes to for a named output.
func (rc RunContext) Target(name string) string {
	return rc.Targets[name]
}

func (rc RunContext) clone() RunContext {
	c := rc
	c.Sources = copyStrings(rc.Sources)
	c.Targets = copyStrings(rc.Targets)
	c.Params = rc.Params.Clone()
	return c
}

func copyStrings(m map[string]string) map[string]string {
	ret := make(map[string]string, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}

// PipelineRun is the persisted state of a run.
type PipelineRun struct {
	RunID        string
	Pipeline     string
	LogicalDate  time.Time
	State        State
	Trigger      Trigger
	Attempt      int
	Cancelled    bool
	FailedStage  string
	ErrorKind    ErrorKind
	ErrorMessage string
	Params       Parameters
	CreateTime   time.Time
	StartTime    time.Time
	EndTime      time.Time
	LastUpdated  time.Time
	Version      int64
}

// Date returns the logical date formatted as YYYY-MM-DD.
func (r *PipelineRun) Date() string {
	return FormatDate(r.LogicalDate)
}

// StageExecution records one invocation attempt of a stage within a run.
type StageExecution struct {
	RunID     string
	Stage     string
	Branch    string
	Attempt   int
	Status    StageStatus
	Rows      int64
	Error     string
	Metrics   map[string]interface{}
	StartTime time.Time
	EndTime   time.Time
}

// Outcome of a quality rule or of a whole gate evaluation.
type Outcome string

const (
	PASS Outcome = "PASS"
	FAIL Outcome = "FAIL"
)

// Verdict is the result of evaluating a single quality rule against a partition.
type Verdict struct {
	RuleID    string
	Entity    string
	Table     string
	PassCount int64
	FailCount int64
	Ratio     float64
	Threshold float64
	Outcome   Outcome
}

// QualityReport holds every verdict of a gate evaluation and the aggregate outcome.
type QualityReport struct {
	RunID       string
	LogicalDate time.Time
	Verdicts    []Verdict
	Outcome     Outcome
	EvaluatedAt time.Time
}

// Failed returns the verdicts whose outcome is FAIL.
func (r *QualityReport) Failed() []Verdict {
	var ret []Verdict
	for _, v := range r.Verdicts {
		if v.Outcome == FAIL {
			ret = append(ret, v)
		}
	}
	return ret
}
