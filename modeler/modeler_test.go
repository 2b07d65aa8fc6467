package modeler

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bmizerany/assert"
	"go.uber.org/zap/zaptest"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/catalog"
	"github.com/chararch/tunepipe/extensions/landing"
)

var logicalDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func names(models []Model) []string {
	var ret []string
	for _, m := range models {
		ret = append(ret, m.Name)
	}
	return ret
}

func TestDefaultProjectOrder(t *testing.T) {
	p, err := LoadProject("")
	assert.Equal(t, nil, err)
	assert.Equal(t, "deftunes_serving", p.Schema)
	assert.Equal(t, []string{
		"stg_sessions", "stg_songs", "stg_users",
		"dim_songs", "dim_users", "fact_session",
		"bi_sales_by_artist",
	}, names(p.Models()))
	assert.Equal(t, []string{"stg_sessions", "stg_users", "dim_users", "fact_session", "bi_sales_by_artist"}, names(p.ModelsOf("api")))
	assert.Equal(t, []string{"stg_songs", "dim_songs"}, names(p.ModelsOf("songs")))
}

func TestProjectValidation(t *testing.T) {
	for name, doc := range map[string]string{
		"cycle": `
models:
  - {name: a, layer: marts, depends_on: [b]}
  - {name: b, layer: marts, depends_on: [a]}
  - {name: c, layer: staging}`,
		"unknown dependency": `
models:
  - {name: a, layer: marts, depends_on: [missing]}`,
		"layer inversion": `
models:
  - {name: a, layer: staging, depends_on: [b]}
  - {name: b, layer: bi}`,
		"unknown layer": `
models:
  - {name: a, layer: gold}`,
		"duplicate": `
models:
  - {name: a, layer: bi}
  - {name: a, layer: bi}`,
	} {
		_, err := ParseProject([]byte(doc))
		assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err), name)
	}

	_, err := ParseProject([]byte(`
models:
  - {name: a, layer: marts, depends_on: [b]}
  - {name: b, layer: marts, depends_on: [a]}`))
	assert.T(t, strings.Contains(err.Error(), "[a b]"), err)
}

func TestParseRunResults(t *testing.T) {
	rows, err := parseRunResults("dim_users", []byte(`{"results":[
		{"unique_id":"model.deftunes.dim_users","status":"success","adapter_response":{"rows_affected":12}}]}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(12), rows)

	_, err = parseRunResults("dim_users", []byte(`{"results":[{"unique_id":"model.deftunes.dim_users","status":"error","message":"relation does not exist"}]}`))
	assert.T(t, strings.Contains(err.Error(), "relation does not exist"))
}

func TestSQLRunner(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.Equal(t, nil, err)
	defer db.Close()

	m := Model{Name: "stg_users", Layer: Staging, SQL: "DELETE FROM {schema}.stg_users WHERE logical_date = '{logical_date}';\nINSERT INTO {schema}.stg_users SELECT 1;\n"}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM serving.stg_users WHERE logical_date = '2025-06-01'")).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO serving.stg_users SELECT 1")).WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	rows, err := (&SQLRunner{DB: db}).Run(context.Background(), m, Vars{LogicalDate: "2025-06-01", Schema: "serving"})
	assert.Equal(t, nil, err)
	assert.Equal(t, int64(7), rows)
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}

func TestSQLRunnerRollsBack(t *testing.T) {
	tunepipe.SetLogger(tunepipe.FromZap(zaptest.NewLogger(t)))
	db, mock, err := sqlmock.New()
	assert.Equal(t, nil, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT").WillReturnError(errors.New("relation x does not exist"))
	mock.ExpectRollback()
	_, err = (&SQLRunner{DB: db}).Run(context.Background(), Model{Name: "x", SQL: "INSERT INTO x SELECT 1"}, Vars{})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, nil, mock.ExpectationsWereMet())
}

type fakeRunner struct {
	mu   sync.Mutex
	ran  []string
	vars []Vars
}

func (f *fakeRunner) Run(ctx context.Context, m Model, vars Vars) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, m.Name)
	f.vars = append(f.vars, vars)
	return 2, nil
}

func TestModelStage(t *testing.T) {
	tunepipe.SetLogger(tunepipe.FromZap(zaptest.NewLogger(t)))
	ctx := context.Background()
	store := landing.NewMemoryStore()
	cat := catalog.NewMemoryCatalog()
	schema := catalog.Schema{
		Table: "songs",
		Columns: []catalog.Column{
			{Name: "song_id", Type: catalog.String},
			{Name: "year", Type: catalog.Int, Nullable: true},
			{Name: "duration", Type: catalog.Float, Nullable: true},
			{Name: "ingested_at", Type: catalog.Timestamp},
		},
		PrimaryKey: []string{"song_id"},
	}
	assert.Equal(t, nil, cat.CreateTable(ctx, schema))
	txn, _ := cat.Begin(ctx, "songs")
	assert.Equal(t, nil, txn.OverwritePartition(ctx, logicalDate, []catalog.Row{
		{"song_id": "s-1", "year": int64(1999), "duration": 201.5, "ingested_at": logicalDate},
		{"song_id": "s-2", "year": nil, "duration": nil, "ingested_at": logicalDate},
	}))
	_, err := txn.Commit(ctx)
	assert.Equal(t, nil, err)

	project, err := ParseProject([]byte(`
schema: serving
models:
  - {name: fact, layer: marts, depends_on: [stg]}
  - {name: stg, layer: staging}`))
	assert.Equal(t, nil, err)
	runner := &fakeRunner{}
	stage := &ModelStage{
		Project:  project,
		Runner:   runner,
		Exporter: &ParquetExporter{Store: store, Catalog: cat},
		Tables:   []string{"songs"},
	}
	res, err := stage.Execute(ctx, tunepipe.RunContext{RunID: "r", LogicalDate: logicalDate})
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"stg", "fact"}, runner.ran)
	assert.Equal(t, int64(4), res.Rows)
	assert.Equal(t, "2025-06-01", runner.vars[0].LogicalDate)

	key := "served/songs/year=2025/month=06/day=01/part-0000.parquet"
	assert.Equal(t, key, runner.vars[0].Inputs["songs"])
	data, err := store.Get(ctx, key)
	assert.Equal(t, nil, err)
	assert.Equal(t, "PAR1", string(data[:4]))
	assert.Equal(t, "PAR1", string(data[len(data)-4:]))
}
