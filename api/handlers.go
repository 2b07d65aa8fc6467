package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/chararch/tunepipe"
)

// RunRequest is the body of POST /pipelines/:name/runs.
type RunRequest struct {
	LogicalDate string `json:"logical_date"`
}

// BackfillRequest is the body of POST /pipelines/:name/backfill; both bounds are inclusive.
type BackfillRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type RunAccepted struct {
	RunID string `json:"run_id"`
}

type BackfillAccepted struct {
	RunIDs []string `json:"run_ids"`
	Errors []string `json:"errors,omitempty"`
}

type StageView struct {
	Stage     string                 `json:"stage"`
	Branch    string                 `json:"branch,omitempty"`
	Attempt   int                    `json:"attempt"`
	Status    string                 `json:"status"`
	Rows      int64                  `json:"rows"`
	Error     string                 `json:"error,omitempty"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	StartTime *time.Time             `json:"start_time,omitempty"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
}

type RunView struct {
	RunID        string      `json:"run_id"`
	Pipeline     string      `json:"pipeline"`
	LogicalDate  string      `json:"logical_date"`
	State        string      `json:"state"`
	Trigger      string      `json:"trigger"`
	Attempt      int         `json:"attempt"`
	Cancelled    bool        `json:"cancelled"`
	FailedStage  string      `json:"failed_stage,omitempty"`
	ErrorKind    string      `json:"error_kind,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	StartTime    *time.Time  `json:"start_time,omitempty"`
	EndTime      *time.Time  `json:"end_time,omitempty"`
	Stages       []StageView `json:"stages"`
}

type VerdictView struct {
	RuleID    string  `json:"rule_id"`
	Entity    string  `json:"entity"`
	Table     string  `json:"table"`
	PassCount int64   `json:"pass_count"`
	FailCount int64   `json:"fail_count"`
	Ratio     float64 `json:"ratio"`
	Threshold float64 `json:"threshold"`
	Outcome   string  `json:"outcome"`
}

type ReportView struct {
	RunID       string        `json:"run_id"`
	LogicalDate string        `json:"logical_date"`
	Outcome     string        `json:"outcome"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
	Verdicts    []VerdictView `json:"verdicts"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func ComposeRunView(run *tunepipe.PipelineRun, stages []*tunepipe.StageExecution) RunView {
	v := RunView{
		RunID:        run.RunID,
		Pipeline:     run.Pipeline,
		LogicalDate:  run.Date(),
		State:        string(run.State),
		Trigger:      string(run.Trigger),
		Attempt:      run.Attempt,
		Cancelled:    run.Cancelled,
		FailedStage:  run.FailedStage,
		ErrorKind:    string(run.ErrorKind),
		ErrorMessage: run.ErrorMessage,
		StartTime:    optTime(run.StartTime),
		EndTime:      optTime(run.EndTime),
		Stages:       []StageView{},
	}
	for _, s := range stages {
		v.Stages = append(v.Stages, StageView{
			Stage:     s.Stage,
			Branch:    s.Branch,
			Attempt:   s.Attempt,
			Status:    string(s.Status),
			Rows:      s.Rows,
			Error:     s.Error,
			Metrics:   s.Metrics,
			StartTime: optTime(s.StartTime),
			EndTime:   optTime(s.EndTime),
		})
	}
	return v
}

func ComposeReportView(r *tunepipe.QualityReport) ReportView {
	v := ReportView{
		RunID:       r.RunID,
		LogicalDate: tunepipe.FormatDate(r.LogicalDate),
		Outcome:     string(r.Outcome),
		EvaluatedAt: r.EvaluatedAt,
		Verdicts:    []VerdictView{},
	}
	for _, x := range r.Verdicts {
		v.Verdicts = append(v.Verdicts, VerdictView{
			RuleID:    x.RuleID,
			Entity:    x.Entity,
			Table:     x.Table,
			PassCount: x.PassCount,
			FailCount: x.FailCount,
			Ratio:     x.Ratio,
			Threshold: x.Threshold,
			Outcome:   string(x.Outcome),
		})
	}
	return v
}

// StartRunHandler queues a run of :name for the requested logical date.
func StartRunHandler(engine tunepipe.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(RunRequest)
		if err := c.Bind(req); err != nil {
			return BadRequest(`expected {"logical_date": "YYYY-MM-DD"}`, err)
		}
		date, err := tunepipe.ParseLogicalDate(req.LogicalDate)
		if err != nil {
			return BadRequest("logical_date must be YYYY-MM-DD", err)
		}
		id, err := engine.StartAsync(c.Request().Context(), c.Param("name"), date, tunepipe.TriggerManual)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusAccepted, RunAccepted{RunID: id})
	}
}

// BackfillHandler queues one run per date of an inclusive range.
func BackfillHandler(engine tunepipe.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(BackfillRequest)
		if err := c.Bind(req); err != nil {
			return BadRequest(`expected {"from": "YYYY-MM-DD", "to": "YYYY-MM-DD"}`, err)
		}
		from, err := tunepipe.ParseLogicalDate(req.From)
		if err != nil {
			return BadRequest("from must be YYYY-MM-DD", err)
		}
		to, err := tunepipe.ParseLogicalDate(req.To)
		if err != nil {
			return BadRequest("to must be YYYY-MM-DD", err)
		}
		ids, err := engine.Backfill(c.Request().Context(), c.Param("name"), from, to)
		if err != nil && len(ids) == 0 {
			return toHTTPError(err)
		}
		resp := BackfillAccepted{RunIDs: ids}
		if err != nil {
			resp.Errors = []string{err.Error()}
		}
		return c.JSON(http.StatusAccepted, resp)
	}
}

func GetRunHandler(engine tunepipe.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		run, err := engine.Status(ctx, c.Param("id"))
		if err != nil {
			return toHTTPError(err)
		}
		stages, err := engine.Stages(ctx, run.RunID)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, ComposeRunView(run, stages))
	}
}

func GetVerdictsHandler(engine tunepipe.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		report, err := engine.Verdicts(c.Request().Context(), c.Param("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, ComposeReportView(report))
	}
}

func CancelHandler(engine tunepipe.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if err := engine.Cancel(ctx, c.Param("id")); err != nil {
			return toHTTPError(err)
		}
		run, err := engine.Status(ctx, c.Param("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusAccepted, ComposeRunView(run, nil))
	}
}

// ReevaluateHandler re-runs the quality gate of a BLOCKED run and answers with its new state.
func ReevaluateHandler(engine tunepipe.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if err := engine.Reevaluate(ctx, c.Param("id")); err != nil && tunepipe.KindOf(err) != tunepipe.DataQuality {
			return toHTTPError(err)
		}
		run, err := engine.Wait(ctx, c.Param("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, ComposeRunView(run, nil))
	}
}

func RestartHandler(engine tunepipe.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := engine.RestartAsync(c.Request().Context(), c.Param("id"))
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusAccepted, RunAccepted{RunID: id})
	}
}

func HealthHandler(engine tunepipe.Engine) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"pipelines": engine.Pipelines(),
		})
	}
}
