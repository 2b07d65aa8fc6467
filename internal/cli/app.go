package cli

import (
	"context"
	"database/sql"
	"os"

	"github.com/zeebo/errs"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/adapters/repository"
	"github.com/chararch/tunepipe/catalog"
	"github.com/chararch/tunepipe/config"
	"github.com/chararch/tunepipe/extensions/landing"
	"github.com/chararch/tunepipe/extract"
	"github.com/chararch/tunepipe/modeler"
	"github.com/chararch/tunepipe/quality"
	"github.com/chararch/tunepipe/transform"
)

// App is the engine with every resource it was built from.
type App struct {
	Config  *config.Config
	Engine  tunepipe.Engine
	Store   landing.Store
	Catalog *catalog.StoreCatalog

	closers []func() error
}

// Registries are the declarative parts of the pipeline: entity contracts, quality rules
// and models.
type Registries struct {
	Entities *transform.Registry
	Rules    *quality.Registry
	Project  *modeler.Project
}

// LoadRegistries reads the configured registry files, falling back to the built-in ones.
func LoadRegistries(cfg *config.Config) (*Registries, error) {
	entities, err := transform.LoadRegistry(cfg.EntitiesFile)
	if err != nil {
		return nil, err
	}
	rules, err := quality.LoadRegistry(cfg.Quality.RulesFile, cfg.Quality.Thresholds)
	if err != nil {
		return nil, err
	}
	project, err := modeler.LoadProject(cfg.Warehouse.ModelsFile)
	if err != nil {
		return nil, err
	}
	return &Registries{Entities: entities, Rules: rules, Project: project}, nil
}

// SetupLogging installs the logger and pool sizes of cfg.
func SetupLogging(cfg *config.Config) {
	if cfg.LogJSON {
		tunepipe.SetLogger(tunepipe.NewJSONLogger(os.Stdout, cfg.Level()))
	} else {
		tunepipe.SetLogger(tunepipe.NewLogger(os.Stdout, cfg.Level()))
	}
	tunepipe.SetMaxRunningStages(cfg.MaxWorkers)
	tunepipe.SetMaxRunningRuns(cfg.MaxRuns)
}

// NewApp opens the stores and databases of cfg and registers the pipeline. Connections
// to the sources are only made when a run starts.
func NewApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			err = errs.Combine(err, app.Close())
		}
	}()

	regs, err := LoadRegistries(cfg)
	if err != nil {
		return nil, err
	}
	if app.Store, err = openStore(ctx, cfg.Landing); err != nil {
		return nil, err
	}
	app.Catalog = catalog.NewStoreCatalog(app.Store)

	repo, err := app.openRepository(ctx, cfg.Repository)
	if err != nil {
		return nil, err
	}
	app.Engine = tunepipe.NewEngine(repo)

	deps := PipelineDeps{
		Entities:    regs.Entities,
		Rules:       regs.Rules,
		Project:     regs.Project,
		Store:       app.Store,
		Catalog:     app.Catalog,
		Ceiling:     cfg.RejectionCeiling,
		Environment: cfg.Environment,
		Retry:       cfg.Retry,

		FullLoadDate: cfg.FullLoad(),
	}
	if deps.Sources, err = app.openSources(cfg, regs.Entities); err != nil {
		return nil, err
	}
	if deps.Sink, err = app.openRejectSink(ctx, cfg.Rejects); err != nil {
		return nil, err
	}
	if deps.Runner, err = app.openRunner(cfg.Warehouse); err != nil {
		return nil, err
	}
	pipelines, err := BuildPipelines(deps)
	if err != nil {
		return nil, err
	}
	for _, p := range pipelines {
		if err = app.Engine.Register(p); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var group errs.Group
	for i := len(a.closers) - 1; i >= 0; i-- {
		group.Add(a.closers[i]())
	}
	a.closers = nil
	return group.Err()
}

func openStore(ctx context.Context, cfg config.LandingConfig) (landing.Store, error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return landing.NewMemoryStore(), nil
	case config.StoreLocal:
		return &landing.LocalFileSystem{Root: cfg.Root}, nil
	case config.StoreFTP:
		port := cfg.FTP.Port
		if port == 0 {
			port = 21
		}
		return &landing.FTPFileSystem{
			Host:     cfg.FTP.Host,
			Port:     port,
			User:     cfg.FTP.User,
			Password: cfg.FTP.Password,
			Root:     cfg.FTP.Root,
		}, nil
	case config.StoreMinio:
		store, err := landing.NewMinioStore(cfg.Minio)
		if err != nil {
			return nil, err
		}
		if err = store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "unknown landing store %q", cfg.Kind)
	}
}

func (a *App) openRepository(ctx context.Context, cfg config.RepositoryConfig) (tunepipe.Repository, error) {
	if cfg.Driver == config.RepositoryMemory {
		return tunepipe.NewMemoryRepository(), nil
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "open %s repository", cfg.Driver, err)
	}
	a.onClose(db.Close)
	repo := repository.New(db, cfg.Driver)
	if err = repo.InitSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (a *App) openSources(cfg *config.Config, entities *transform.Registry) (map[string]extract.Source, error) {
	client := extract.NewAPIClient(cfg.API)
	sources := map[string]extract.Source{
		"users":    client.Source("users"),
		"sessions": client.Source("sessions"),
	}

	columns := cfg.Songs.Columns
	if len(columns) == 0 {
		songs, err := entities.Get("songs")
		if err != nil {
			return nil, err
		}
		for _, f := range songs.Fields {
			columns = append(columns, f.Name)
		}
	}
	songs, err := extract.OpenSQLSource("songs", extract.SQLConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN(),
		Table:           cfg.Songs.Table,
		Columns:         columns,
		PrimaryKey:      cfg.Songs.PrimaryKey,
		WatermarkColumn: cfg.Songs.WatermarkColumn,
		BatchSize:       cfg.BatchSize,
		Retry:           cfg.Retry,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(songs.Close)
	sources["songs"] = songs
	return sources, nil
}

func (a *App) openRejectSink(ctx context.Context, cfg config.RejectsConfig) (transform.RejectSink, error) {
	if cfg.URI == "" {
		return nil, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "connect to mongodb", err)
	}
	a.onClose(func() error {
		return client.Disconnect(context.Background())
	})
	return transform.NewMongoRejectSink(client, cfg.Database, cfg.Collection), nil
}

func (a *App) openRunner(cfg config.WarehouseConfig) (modeler.Runner, error) {
	if cfg.Command != "" {
		return &modeler.CommandRunner{Command: cfg.Command, ProjectDir: cfg.ProjectDir}, nil
	}
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "open warehouse", err)
	}
	a.onClose(db.Close)
	return &modeler.SQLRunner{DB: db}, nil
}
