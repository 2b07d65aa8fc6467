package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bmizerany/assert"
	"go.uber.org/zap/zaptest"

	"github.com/chararch/tunepipe"
)

var day = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func runRow(id string, version int64, state tunepipe.State) []driver.Value {
	created := time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC)
	return []driver.Value{
		id, "api", day, string(state), "SCHEDULED", int64(1), false,
		nil, nil, nil, `{"source":"users"}`,
		created, created, nil, created, version,
	}
}

func runCols() []string {
	return strings.Split(runColumns, ", ")
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{postgres: true}
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)", pg.rebind("SELECT 1 FROM t WHERE a = ? AND b IN ("+placeholders(2)+")"))
	my := &SQLRepository{}
	assert.Equal(t, "a = ?", my.rebind("a = ?"))
}

func TestInitSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.Equal(t, nil, err)
	defer db.Close()
	for _, table := range []string{"pipeline_run", "stage_execution", "quality_report", "quality_verdict"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	assert.Equal(t, nil, New(db, "mysql").InitSchema(context.Background()))
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}

func TestCreateAndFindRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.Equal(t, nil, err)
	defer db.Close()
	repo := New(db, "mysql")
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pipeline_run (" + runColumns + ")")).WillReturnResult(sqlmock.NewResult(0, 1))
	run := &tunepipe.PipelineRun{RunID: "r1", Pipeline: "api", LogicalDate: day, State: tunepipe.PENDING, Trigger: tunepipe.TriggerScheduled, Attempt: 1,
		Params: tunepipe.NewParameters().Set("source", "users")}
	assert.Equal(t, nil, repo.CreateRun(ctx, run))
	assert.Equal(t, int64(1), run.Version)

	mock.ExpectQuery(regexp.QuoteMeta("FROM pipeline_run WHERE run_id = ?")).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(runCols()).AddRow(runRow("r1", 1, tunepipe.PENDING)...))
	found, err := repo.FindRun(ctx, "r1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "api", found.Pipeline)
	assert.Equal(t, day, found.LogicalDate)
	assert.Equal(t, tunepipe.PENDING, found.State)
	assert.Equal(t, "users", found.Params.String("source"))
	assert.T(t, found.EndTime.IsZero())

	mock.ExpectQuery("FROM pipeline_run WHERE run_id").WithArgs("nope").WillReturnRows(sqlmock.NewRows(runCols()))
	missing, err := repo.FindRun(ctx, "nope")
	assert.Equal(t, nil, err)
	assert.T(t, missing == nil)
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}

func TestSaveRunDetectsStaleVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.Equal(t, nil, err)
	defer db.Close()
	repo := New(db, "postgres")
	ctx := context.Background()

	run := &tunepipe.PipelineRun{RunID: "r1", Pipeline: "api", LogicalDate: day, State: tunepipe.EXTRACTING, Version: 3}
	mock.ExpectExec(regexp.QuoteMeta("WHERE run_id = $11 AND version = $12")).WillReturnResult(sqlmock.NewResult(0, 1))
	assert.Equal(t, nil, repo.SaveRun(ctx, run))
	assert.Equal(t, int64(4), run.Version)

	stale := &tunepipe.PipelineRun{RunID: "r1", Pipeline: "api", LogicalDate: day, State: tunepipe.FAILED, Version: 3}
	mock.ExpectExec("UPDATE pipeline_run").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE run_id = $1")).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(runCols()).AddRow(runRow("r1", 4, tunepipe.EXTRACTING)...))
	err = repo.SaveRun(ctx, stale)
	assert.Equal(t, tunepipe.ErrCodeConcurrency, tunepipe.CodeOf(err))
	assert.Equal(t, int64(3), stale.Version)
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}

func TestFindRunsFilter(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.Equal(t, nil, err)
	defer db.Close()

	query := "SELECT " + runColumns + " FROM pipeline_run WHERE pipeline = ? AND logical_date >= ? AND logical_date <= ? AND state IN (?, ?) ORDER BY create_time DESC, attempt DESC LIMIT 5"
	mock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs("api", day, day, "FAILED", "BLOCKED").
		WillReturnRows(sqlmock.NewRows(runCols()).AddRow(runRow("r2", 2, tunepipe.BLOCKED)...).AddRow(runRow("r1", 5, tunepipe.FAILED)...))
	runs, err := New(db, "mysql").FindRuns(context.Background(), tunepipe.RunFilter{
		Pipeline: "api", From: day, To: day.Add(5 * time.Hour), States: []tunepipe.State{tunepipe.FAILED, tunepipe.BLOCKED}, Limit: 5,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(runs))
	assert.Equal(t, "r2", runs[0].RunID)
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}

func TestSaveStageExecutionReplaces(t *testing.T) {
	tunepipe.SetLogger(tunepipe.FromZap(zaptest.NewLogger(t)))
	db, mock, err := sqlmock.New()
	assert.Equal(t, nil, err)
	defer db.Close()
	repo := New(db, "mysql")
	e := &tunepipe.StageExecution{RunID: "r1", Stage: "extract.users", Attempt: 1, Status: tunepipe.StageStatus("COMPLETED"),
		Rows: 5, Metrics: map[string]interface{}{"records": 5}, StartTime: day}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM stage_execution").WithArgs("r1", "extract.users", 1).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO stage_execution").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	assert.Equal(t, nil, repo.SaveStageExecution(context.Background(), e))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM stage_execution").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO stage_execution").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	err = repo.SaveStageExecution(context.Background(), e)
	assert.Equal(t, tunepipe.ErrCodeDbFail, tunepipe.CodeOf(err))

	mock.ExpectQuery("FROM stage_execution WHERE run_id").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(strings.Split(stageColumns, ", ")).
			AddRow("r1", "extract.users", nil, int64(1), "COMPLETED", int64(5), nil, `{"records":5}`, day, nil))
	list, err := repo.FindStageExecutions(context.Background(), "r1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(list))
	assert.Equal(t, float64(5), list[0].Metrics["records"])
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}

func TestSaveAndFindVerdicts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.Equal(t, nil, err)
	defer db.Close()
	repo := New(db, "mysql")
	ctx := context.Background()
	evaluated := day.Add(3 * time.Hour)
	report := &tunepipe.QualityReport{
		RunID: "r1", LogicalDate: day, Outcome: tunepipe.FAIL, EvaluatedAt: evaluated,
		Verdicts: []tunepipe.Verdict{
			{RuleID: "users.user_id.complete", Entity: "users", Table: "users", PassCount: 10, Ratio: 1, Threshold: 0.99, Outcome: tunepipe.PASS},
			{RuleID: "users.user_id.unique", Entity: "users", Table: "users", PassCount: 8, FailCount: 2, Ratio: 0.8, Threshold: 0.95, Outcome: tunepipe.FAIL},
		},
	}
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM quality_verdict").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM quality_report").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO quality_report").WithArgs("r1", day, "FAIL", evaluated).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO quality_verdict").WithArgs("r1", "users.user_id.complete", "users", "users", int64(10), int64(0), float64(1), 0.99, "PASS").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO quality_verdict").WithArgs("r1", "users.user_id.unique", "users", "users", int64(8), int64(2), 0.8, 0.95, "FAIL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	assert.Equal(t, nil, repo.SaveVerdicts(ctx, report))

	mock.ExpectQuery("FROM quality_report").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"logical_date", "outcome", "evaluated_at"}).AddRow(day, "FAIL", evaluated))
	mock.ExpectQuery("FROM quality_verdict").WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(strings.Split(verdictColumns, ", ")).
			AddRow("r1", "users.user_id.unique", "users", "users", int64(8), int64(2), 0.8, 0.95, "FAIL"))
	found, err := repo.FindVerdicts(ctx, "r1")
	assert.Equal(t, nil, err)
	assert.Equal(t, tunepipe.FAIL, found.Outcome)
	assert.Equal(t, 1, len(found.Failed()))
	assert.Equal(t, 0.8, found.Verdicts[0].Ratio)

	mock.ExpectQuery("FROM quality_report").WithArgs("r9").WillReturnRows(sqlmock.NewRows([]string{"logical_date", "outcome", "evaluated_at"}))
	none, err := repo.FindVerdicts(ctx, "r9")
	assert.Equal(t, nil, err)
	assert.T(t, none == nil)
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}
