package cli

import (
	"time"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/catalog"
	"github.com/chararch/tunepipe/extensions/landing"
	"github.com/chararch/tunepipe/extract"
	"github.com/chararch/tunepipe/modeler"
	"github.com/chararch/tunepipe/quality"
	"github.com/chararch/tunepipe/transform"
)

// The two daily pipelines. Each one is gated and modeled on its own so a failing source
// never holds back the other.
const (
	APIPipeline   = "api"
	SongsPipeline = "songs"
)

// PipelineNames lists the pipelines BuildPipelines returns, in order.
var PipelineNames = []string{APIPipeline, SongsPipeline}

// sessions are joined with users into user_sessions
var (
	joinedTable    = "user_sessions"
	carriedColumns = []string{"user_name", "user_lastname", "user_location"}
)

// PipelineDeps holds everything the pipeline stages work with.
type PipelineDeps struct {
	// Sources are keyed by entity name.
	Sources  map[string]extract.Source
	Entities *transform.Registry
	Rules    *quality.Registry
	Project  *modeler.Project
	Runner   modeler.Runner
	Store    landing.Store
	Catalog  catalog.Catalog

	// Sink overrides where rejected records go.
	Sink        transform.RejectSink
	Ceiling     float64
	Environment string
	Retry       tunepipe.RetryPolicy

	// FullLoadDate is handed to every extract stage.
	FullLoadDate time.Time
}

// BuildPipelines returns the API and the songs pipeline.
func BuildPipelines(d PipelineDeps) ([]tunepipe.Pipeline, error) {
	api, err := BuildAPIPipeline(d)
	if err != nil {
		return nil, err
	}
	songs, err := BuildSongsPipeline(d)
	if err != nil {
		return nil, err
	}
	return []tunepipe.Pipeline{api, songs}, nil
}

// BuildAPIPipeline fans out into the users and sessions branches, joins sessions with their
// users, and gates and models the three tables.
func BuildAPIPipeline(d PipelineDeps) (tunepipe.Pipeline, error) {
	builder := tunepipe.NewPipelineBuilderFactory().Get(APIPipeline)
	builder, err := d.branch(builder, "users")
	if err != nil {
		return nil, err
	}
	if builder, err = d.branch(builder, "sessions"); err != nil {
		return nil, err
	}

	users, _ := d.Entities.Get("users")
	sessions, _ := d.Entities.Get("sessions")
	join := &transform.JoinStage{
		Left:    sessions,
		Right:   users,
		Key:     "user_id",
		Carry:   carriedColumns,
		Target:  joinedTable,
		Catalog: d.Catalog,
	}
	if _, err = join.Schema(); err != nil {
		return nil, err
	}

	return builder.
		Join(join).
		Target(joinedTable, joinedTable).
		Quality(&quality.GateStage{Registry: d.Rules, Catalog: d.Catalog, Entities: []string{"users", "sessions", joinedTable}}).
		Model(d.models(APIPipeline, "users", joinedTable)).
		Retry(d.Retry).
		Param("environment", d.Environment).
		Build(), nil
}

// BuildSongsPipeline is the sequential pipeline of the songs database.
func BuildSongsPipeline(d PipelineDeps) (tunepipe.Pipeline, error) {
	builder, err := d.branch(tunepipe.NewPipelineBuilderFactory().Get(SongsPipeline), "songs")
	if err != nil {
		return nil, err
	}
	return builder.
		Quality(&quality.GateStage{Registry: d.Rules, Catalog: d.Catalog, Entities: []string{"songs"}}).
		Model(d.models(SongsPipeline, "songs")).
		Retry(d.Retry).
		Param("environment", d.Environment).
		Build(), nil
}

// branch adds the extract and transform stages of entity.
func (d PipelineDeps) branch(builder tunepipe.PipelineBuilder, name string) (tunepipe.PipelineBuilder, error) {
	entity, err := d.Entities.Get(name)
	if err != nil {
		return nil, err
	}
	src, ok := d.Sources[name]
	if !ok {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "no source for entity %s", name)
	}
	ex := extract.NewExtractStage(src, d.Store)
	ex.Environment = d.Environment
	ex.FullLoadDate = d.FullLoadDate
	tr := transform.NewTransformStage(entity, src.Name(), d.Store, d.Catalog)
	if d.Ceiling > 0 {
		tr.Ceiling = d.Ceiling
	}
	if d.Sink != nil {
		tr.Sink = d.Sink
	}
	return builder.Branch(name, ex, tr).Target(name, entity.TableName()), nil
}

// pipelineTables lists the curated tables the pipelines write.
func pipelineTables(entities *transform.Registry) []string {
	var tables []string
	for _, name := range []string{"users", "sessions", "songs"} {
		if e, err := entities.Get(name); err == nil {
			tables = append(tables, e.TableName())
		}
	}
	return append(tables, joinedTable)
}

func (d PipelineDeps) models(pipeline string, tables ...string) *modeler.ModelStage {
	return &modeler.ModelStage{
		Project:  d.Project,
		Runner:   d.Runner,
		Exporter: &modeler.ParquetExporter{Store: d.Store, Catalog: d.Catalog},
		Tables:   tables,
		Pipeline: pipeline,
	}
}
