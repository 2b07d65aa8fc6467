// Package repository stores runs, stage executions and quality verdicts in a SQL database.
package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/adapters/txn"
)

//go:embed schema.sql
var schemaDDL string

// SQLRepository implements tunepipe.Repository on MySQL or PostgreSQL.
type SQLRepository struct {
	db       *sql.DB
	txMgr    tunepipe.TransactionManager
	postgres bool
}

var _ tunepipe.Repository = (*SQLRepository)(nil)

// New creates a repository; driver is the database/sql driver name db was opened with.
func New(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, txMgr: txn.NewTransactionManager(db), postgres: driver == "postgres"}
}

// InitSchema creates the tables when they do not exist.
func (r *SQLRepository) InitSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaDDL, ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "init repository schema", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if !r.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (r *SQLRepository) CreateRun(ctx context.Context, run *tunepipe.PipelineRun) error {
	now := time.Now()
	if run.CreateTime.IsZero() {
		run.CreateTime = now
	}
	version, updated := run.Version, run.LastUpdated
	run.Version, run.LastUpdated = 1, now
	m := toRunDBModel(run)
	_, err := r.db.ExecContext(ctx, r.rebind("INSERT INTO pipeline_run ("+runColumns+") VALUES ("+placeholders(16)+")"), valuesOf(m.fields())...)
	if err != nil {
		run.Version, run.LastUpdated = version, updated
		if existing, ferr := r.FindRun(ctx, run.RunID); ferr == nil && existing != nil {
			return tunepipe.NewBatchError(tunepipe.ErrCodeConcurrency, "run %v already exists", run.RunID)
		}
		return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "insert run %v", run.RunID, err)
	}
	return nil
}

func (r *SQLRepository) SaveRun(ctx context.Context, run *tunepipe.PipelineRun) error {
	m := toRunDBModel(run)
	now := time.Now()
	res, err := r.db.ExecContext(ctx, r.rebind(`UPDATE pipeline_run SET state = ?, attempt = ?, cancelled = ?, failed_stage = ?, error_kind = ?,
		error_message = ?, params = ?, start_time = ?, end_time = ?, last_updated = ?, version = version + 1
		WHERE run_id = ? AND version = ?`),
		m.State, m.Attempt, m.Cancelled, m.FailedStage, m.ErrorKind, m.ErrorMessage, m.Params,
		m.StartTime, m.EndTime, now, m.RunID, m.Version)
	if err != nil {
		return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "update run %v", run.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "update run %v", run.RunID, err)
	}
	if n == 0 {
		stored, ferr := r.FindRun(ctx, run.RunID)
		if ferr != nil {
			return ferr
		}
		if stored == nil {
			return tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "run %v not found", run.RunID)
		}
		return tunepipe.NewBatchError(tunepipe.ErrCodeConcurrency, "run %v was modified concurrently, version %d != %d", run.RunID, run.Version, stored.Version)
	}
	run.Version++
	run.LastUpdated = now
	return nil
}

func (r *SQLRepository) FindRun(ctx context.Context, runID string) (*tunepipe.PipelineRun, error) {
	runs, err := r.queryRuns(ctx, "SELECT "+runColumns+" FROM pipeline_run WHERE run_id = ?", runID)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

func (r *SQLRepository) FindLastRun(ctx context.Context, pipeline string, logicalDate time.Time) (*tunepipe.PipelineRun, error) {
	runs, err := r.FindRuns(ctx, tunepipe.RunFilter{Pipeline: pipeline, From: logicalDate, To: logicalDate, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

// FindRuns returns matching runs, most recently created first.
func (r *SQLRepository) FindRuns(ctx context.Context, filter tunepipe.RunFilter) ([]*tunepipe.PipelineRun, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if !filter.From.IsZero() {
		where = append(where, "logical_date >= ?")
		args = append(args, tunepipe.Day(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "logical_date <= ?")
		args = append(args, tunepipe.Day(filter.To))
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, s := range filter.States {
			args = append(args, string(s))
		}
	}
	query := "SELECT " + runColumns + " FROM pipeline_run"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY create_time DESC, attempt DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return r.queryRuns(ctx, query, args...)
}

func (r *SQLRepository) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*tunepipe.PipelineRun, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "query runs", err)
	}
	defer rows.Close()
	var ret []*tunepipe.PipelineRun
	for rows.Next() {
		m := &runDBModel{}
		if err = rows.Scan(m.fields()...); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "scan run", err)
		}
		run, err := m.toRun()
		if err != nil {
			return nil, err
		}
		ret = append(ret, run)
	}
	if err = rows.Err(); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "query runs", err)
	}
	return ret, nil
}

// inTx runs fn in a transaction of the repository's TransactionManager.
func (r *SQLRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	t, berr := r.txMgr.BeginTx(ctx)
	if berr != nil {
		return berr
	}
	tx := t.(*sql.Tx)
	if err := fn(tx); err != nil {
		if rerr := r.txMgr.Rollback(tx); rerr != nil {
			tunepipe.DefaultLogger.Error(ctx, "rollback failed: %v", rerr)
		}
		return err
	}
	if berr = r.txMgr.Commit(tx); berr != nil {
		return berr
	}
	return nil
}

// SaveStageExecution inserts or replaces the execution identified by run, stage and attempt.
func (r *SQLRepository) SaveStageExecution(ctx context.Context, execution *tunepipe.StageExecution) error {
	m, err := toStageDBModel(execution)
	if err != nil {
		return err
	}
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, r.rebind("DELETE FROM stage_execution WHERE run_id = ? AND stage = ? AND attempt = ?"), m.RunID, m.Stage, m.Attempt); err != nil {
			return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "replace stage execution %v/%v", m.RunID, m.Stage, err)
		}
		if _, err := tx.ExecContext(ctx, r.rebind("INSERT INTO stage_execution ("+stageColumns+") VALUES ("+placeholders(10)+")"), valuesOf(m.fields())...); err != nil {
			return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "insert stage execution %v/%v", m.RunID, m.Stage, err)
		}
		return nil
	})
}

func (r *SQLRepository) FindStageExecutions(ctx context.Context, runID string) ([]*tunepipe.StageExecution, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind("SELECT "+stageColumns+" FROM stage_execution WHERE run_id = ? ORDER BY start_time, stage, attempt"), runID)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "query stage executions of %v", runID, err)
	}
	defer rows.Close()
	ret := []*tunepipe.StageExecution{}
	for rows.Next() {
		m := &stageExecutionDBModel{}
		if err = rows.Scan(m.fields()...); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "scan stage execution", err)
		}
		e, err := m.toStageExecution()
		if err != nil {
			return nil, err
		}
		ret = append(ret, e)
	}
	if err = rows.Err(); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "query stage executions of %v", runID, err)
	}
	return ret, nil
}

// SaveVerdicts replaces the report of a run, header and verdicts in one transaction.
func (r *SQLRepository) SaveVerdicts(ctx context.Context, report *tunepipe.QualityReport) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"quality_verdict", "quality_report"} {
			if _, err := tx.ExecContext(ctx, r.rebind("DELETE FROM "+table+" WHERE run_id = ?"), report.RunID); err != nil {
				return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "clear %v of run %v", table, report.RunID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, r.rebind("INSERT INTO quality_report (run_id, logical_date, outcome, evaluated_at) VALUES (?, ?, ?, ?)"),
			report.RunID, tunepipe.Day(report.LogicalDate), string(report.Outcome), report.EvaluatedAt); err != nil {
			return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "insert report of run %v", report.RunID, err)
		}
		insert := r.rebind("INSERT INTO quality_verdict (" + verdictColumns + ") VALUES (" + placeholders(9) + ")")
		for _, v := range report.Verdicts {
			if _, err := tx.ExecContext(ctx, insert, report.RunID, v.RuleID, v.Entity, v.Table, v.PassCount, v.FailCount, v.Ratio, v.Threshold, string(v.Outcome)); err != nil {
				return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "insert verdict %v of run %v", v.RuleID, report.RunID, err)
			}
		}
		return nil
	})
}

func (r *SQLRepository) FindVerdicts(ctx context.Context, runID string) (*tunepipe.QualityReport, error) {
	report := &tunepipe.QualityReport{RunID: runID}
	var outcome string
	err := r.db.QueryRowContext(ctx, r.rebind("SELECT logical_date, outcome, evaluated_at FROM quality_report WHERE run_id = ?"), runID).
		Scan(&report.LogicalDate, &outcome, &report.EvaluatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "query report of run %v", runID, err)
	}
	report.Outcome = tunepipe.Outcome(outcome)

	rows, err := r.db.QueryContext(ctx, r.rebind("SELECT "+verdictColumns+" FROM quality_verdict WHERE run_id = ? ORDER BY table_name, rule_id"), runID)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "query verdicts of run %v", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			v   tunepipe.Verdict
			rid string
			out string
		)
		if err = rows.Scan(&rid, &v.RuleID, &v.Entity, &v.Table, &v.PassCount, &v.FailCount, &v.Ratio, &v.Threshold, &out); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "scan verdict", err)
		}
		v.Outcome = tunepipe.Outcome(out)
		report.Verdicts = append(report.Verdicts, v)
	}
	if err = rows.Err(); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "query verdicts of run %v", runID, err)
	}
	return report, nil
}

// valuesOf dereferences scan destinations into insert arguments.
func valuesOf(fields []interface{}) []interface{} {
	ret := make([]interface{}, len(fields))
	for i, f := range fields {
		switch p := f.(type) {
		case *string:
			ret[i] = *p
		case *int:
			ret[i] = *p
		case *int64:
			ret[i] = *p
		case *bool:
			ret[i] = *p
		case *time.Time:
			ret[i] = *p
		case *sql.NullString:
			ret[i] = *p
		case *sql.NullTime:
			ret[i] = *p
		default:
			ret[i] = f
		}
	}
	return ret
}
