package repository

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/chararch/tunepipe"
)

// the following models mirror the tables of schema.sql

type runDBModel struct {
	RunID        string
	Pipeline     string
	LogicalDate  time.Time
	State        string
	Trigger      string
	Attempt      int
	Cancelled    bool
	FailedStage  sql.NullString
	ErrorKind    sql.NullString
	ErrorMessage sql.NullString
	Params       sql.NullString
	CreateTime   time.Time
	StartTime    sql.NullTime
	EndTime      sql.NullTime
	LastUpdated  time.Time
	Version      int64
}

const runColumns = "run_id, pipeline, logical_date, state, trigger_type, attempt, cancelled, failed_stage, error_kind, error_message, params, create_time, start_time, end_time, last_updated, version"

func (m *runDBModel) fields() []interface{} {
	return []interface{}{
		&m.RunID, &m.Pipeline, &m.LogicalDate, &m.State, &m.Trigger, &m.Attempt, &m.Cancelled,
		&m.FailedStage, &m.ErrorKind, &m.ErrorMessage, &m.Params,
		&m.CreateTime, &m.StartTime, &m.EndTime, &m.LastUpdated, &m.Version,
	}
}

func toRunDBModel(run *tunepipe.PipelineRun) *runDBModel {
	return &runDBModel{
		RunID:        run.RunID,
		Pipeline:     run.Pipeline,
		LogicalDate:  tunepipe.Day(run.LogicalDate),
		State:        string(run.State),
		Trigger:      string(run.Trigger),
		Attempt:      run.Attempt,
		Cancelled:    run.Cancelled,
		FailedStage:  nullString(run.FailedStage),
		ErrorKind:    nullString(string(run.ErrorKind)),
		ErrorMessage: nullString(run.ErrorMessage),
		Params:       nullString(run.Params.ToString()),
		CreateTime:   run.CreateTime,
		StartTime:    nullTime(run.StartTime),
		EndTime:      nullTime(run.EndTime),
		LastUpdated:  run.LastUpdated,
		Version:      run.Version,
	}
}

func (m *runDBModel) toRun() (*tunepipe.PipelineRun, error) {
	run := &tunepipe.PipelineRun{
		RunID:        m.RunID,
		Pipeline:     m.Pipeline,
		LogicalDate:  tunepipe.Day(m.LogicalDate),
		State:        tunepipe.State(m.State),
		Trigger:      tunepipe.Trigger(m.Trigger),
		Attempt:      m.Attempt,
		Cancelled:    m.Cancelled,
		FailedStage:  m.FailedStage.String,
		ErrorKind:    tunepipe.ErrorKind(m.ErrorKind.String),
		ErrorMessage: m.ErrorMessage.String,
		Params:       tunepipe.NewParameters(),
		CreateTime:   m.CreateTime,
		StartTime:    m.StartTime.Time,
		EndTime:      m.EndTime.Time,
		LastUpdated:  m.LastUpdated,
		Version:      m.Version,
	}
	if m.Params.Valid && m.Params.String != "" {
		if err := run.Params.FromString(m.Params.String); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "decode params of run %v", m.RunID, err)
		}
	}
	return run, nil
}

type stageExecutionDBModel struct {
	RunID     string
	Stage     string
	Branch    sql.NullString
	Attempt   int
	Status    string
	Rows      int64
	Error     sql.NullString
	Metrics   sql.NullString
	StartTime sql.NullTime
	EndTime   sql.NullTime
}

const stageColumns = "run_id, stage, branch, attempt, status, rows_written, error, metrics, start_time, end_time"

func (m *stageExecutionDBModel) fields() []interface{} {
	return []interface{}{&m.RunID, &m.Stage, &m.Branch, &m.Attempt, &m.Status, &m.Rows, &m.Error, &m.Metrics, &m.StartTime, &m.EndTime}
}

func toStageDBModel(e *tunepipe.StageExecution) (*stageExecutionDBModel, error) {
	m := &stageExecutionDBModel{
		RunID:     e.RunID,
		Stage:     e.Stage,
		Branch:    nullString(e.Branch),
		Attempt:   e.Attempt,
		Status:    string(e.Status),
		Rows:      e.Rows,
		Error:     nullString(e.Error),
		StartTime: nullTime(e.StartTime),
		EndTime:   nullTime(e.EndTime),
	}
	if len(e.Metrics) > 0 {
		b, err := json.Marshal(e.Metrics)
		if err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "encode metrics of stage %v", e.Stage, err)
		}
		m.Metrics = nullString(string(b))
	}
	return m, nil
}

func (m *stageExecutionDBModel) toStageExecution() (*tunepipe.StageExecution, error) {
	e := &tunepipe.StageExecution{
		RunID:     m.RunID,
		Stage:     m.Stage,
		Branch:    m.Branch.String,
		Attempt:   m.Attempt,
		Status:    tunepipe.StageStatus(m.Status),
		Rows:      m.Rows,
		Error:     m.Error.String,
		StartTime: m.StartTime.Time,
		EndTime:   m.EndTime.Time,
	}
	if m.Metrics.Valid && m.Metrics.String != "" {
		if err := json.Unmarshal([]byte(m.Metrics.String), &e.Metrics); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "decode metrics of stage %v", m.Stage, err)
		}
	}
	return e, nil
}

const verdictColumns = "run_id, rule_id, entity, table_name, pass_count, fail_count, ratio, threshold, outcome"

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
