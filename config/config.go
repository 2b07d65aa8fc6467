// Package config loads the pipeline settings from an optional YAML file and the
// environment. Environment variables win over the file; the environment profile
// (development, staging, production) is applied last.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/zeebo/errs"
	"gopkg.in/yaml.v3"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/extensions/landing"
	"github.com/chararch/tunepipe/extract"
)

// environments
const (
	Development = "development"
	Staging     = "staging"
	Production  = "production"
)

// landing store kinds
const (
	StoreMemory = "memory"
	StoreLocal  = "local"
	StoreFTP    = "ftp"
	StoreMinio  = "minio"
)

// RepositoryMemory keeps run history in process.
const RepositoryMemory = "memory"

// DatabaseConfig is the operational database holding the songs table.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN renders the connection string of the configured driver.
func (d DatabaseConfig) DSN() string {
	host := fmt.Sprintf("%s:%d", d.Host, d.Port)
	switch d.Driver {
	case extract.MySQL:
		c := mysql.NewConfig()
		c.User = d.User
		c.Passwd = d.Password
		c.Net = "tcp"
		c.Addr = host
		c.DBName = d.Name
		c.ParseTime = true
		return c.FormatDSN()
	case extract.SQLServer:
		u := url.URL{Scheme: "sqlserver", User: url.UserPassword(d.User, d.Password), Host: host}
		u.RawQuery = url.Values{"database": {d.Name}}.Encode()
		return u.String()
	default:
		u := url.URL{Scheme: "postgres", User: url.UserPassword(d.User, d.Password), Host: host, Path: "/" + d.Name}
		mode := d.SSLMode
		if mode == "" {
			mode = "disable"
		}
		u.RawQuery = url.Values{"sslmode": {mode}}.Encode()
		return u.String()
	}
}

// SongsConfig describes the songs table read by the SQL source. Without Columns the
// fields of the songs entity are selected.
type SongsConfig struct {
	Table           string   `yaml:"table"`
	Columns         []string `yaml:"columns"`
	PrimaryKey      string   `yaml:"primary_key"`
	WatermarkColumn string   `yaml:"watermark_column"`
}

// RepositoryConfig selects where run history is kept: memory, mysql or postgres.
type RepositoryConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type FTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Root     string `yaml:"root"`
}

// LandingConfig selects the object store of the raw, rejected, curated and served zones.
type LandingConfig struct {
	Kind  string              `yaml:"kind"`
	Root  string              `yaml:"root"`
	FTP   FTPConfig           `yaml:"ftp"`
	Minio landing.MinioConfig `yaml:"minio"`
}

// RejectsConfig sends rejected records to MongoDB when URI is set; otherwise they land
// in the rejected zone.
type RejectsConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type QualityConfig struct {
	RulesFile  string             `yaml:"rules_file"`
	Thresholds map[string]float64 `yaml:"thresholds"`
}

// WarehouseConfig is where the models run. With Command set models run through the
// external CLI instead of directly as SQL.
type WarehouseConfig struct {
	Database   DatabaseConfig `yaml:"database"`
	ModelsFile string         `yaml:"models_file"`
	Command    string         `yaml:"command"`
	ProjectDir string         `yaml:"project_dir"`
}

type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	Listen      string `yaml:"listen"`

	API      extract.APIConfig `yaml:"api"`
	Database DatabaseConfig    `yaml:"database"`
	Songs    SongsConfig       `yaml:"songs"`

	Repository RepositoryConfig `yaml:"repository"`
	Landing    LandingConfig    `yaml:"landing"`
	Rejects    RejectsConfig    `yaml:"rejects"`
	Quality    QualityConfig    `yaml:"quality"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`

	EntitiesFile     string               `yaml:"entities_file"`
	BatchSize        int                  `yaml:"batch_size"`
	MaxWorkers       int                  `yaml:"max_workers"`
	MaxRuns          int                  `yaml:"max_runs"`
	RejectionCeiling float64              `yaml:"rejection_ceiling"`
	Retry            tunepipe.RetryPolicy `yaml:"retry"`

	// FullLoadDate (YYYY-MM-DD) is the last logical date extracting whole sources; empty
	// makes every run incremental.
	FullLoadDate string `yaml:"full_load_date"`

	// Schedules maps a pipeline name to a cron expression.
	Schedules map[string]string `yaml:"schedules"`
	Timezone  string            `yaml:"timezone"`
}

// Default returns the settings used when neither a file nor the environment say otherwise.
func Default() *Config {
	api := extract.DefaultAPIConfig()
	api.BaseURL = "http://localhost:8000"
	api.RateLimit = 100
	return &Config{
		Environment: Development,
		LogLevel:    "INFO",
		Listen:      ":8080",
		API:         api,
		Database: DatabaseConfig{
			Driver: extract.Postgres,
			Host:   "localhost",
			Port:   5432,
			Name:   "deftunes",
			User:   "postgres",
		},
		Songs: SongsConfig{
			Table:      "songs",
			PrimaryKey: "song_id",
		},
		Repository: RepositoryConfig{Driver: RepositoryMemory},
		Landing: LandingConfig{
			Kind: StoreLocal,
			Root: "data",
			Minio: landing.MinioConfig{
				Endpoint: "s3.amazonaws.com",
				Bucket:   "deftunes-data-lake",
				Region:   "us-east-1",
				UseSSL:   true,
			},
		},
		Rejects: RejectsConfig{Database: "deftunes", Collection: "rejected"},
		Warehouse: WarehouseConfig{
			Database: DatabaseConfig{
				Driver:  extract.Postgres,
				Host:    "deftunes-cluster",
				Port:    5439,
				Name:    "dev",
				User:    "deftunes_user",
				SSLMode: "require",
			},
		},
		BatchSize:        1000,
		MaxWorkers:       tunepipe.DefaultStagePoolSize,
		MaxRuns:          tunepipe.DefaultRunPoolSize,
		RejectionCeiling: 0.05,
		Retry:            tunepipe.DefaultRetryPolicy(),
		Schedules:        map[string]string{"api": "0 2 * * *", "songs": "0 2 * * *"},
		Timezone:         "UTC",
	}
}

// Load reads path (if not empty) over the defaults, then the environment.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "read config %s", path, errors.WithStack(err))
		}
		if err = yaml.Unmarshal(data, c); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "parse config %s", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.applyProfile()
	return c, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var group errs.Group
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				group.Add(tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "%s=%q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	// API_TIMEOUT is in seconds unless it carries a unit
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Second
				return
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				group.Add(tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "%s=%q is not a duration", key, v))
				return
			}
			*dst = d
		}
	}

	str("ENVIRONMENT", &c.Environment)
	str("LOG_LEVEL", &c.LogLevel)
	str("LISTEN_ADDR", &c.Listen)

	str("API_BASE_URL", &c.API.BaseURL)
	dur("API_TIMEOUT", &c.API.Timeout)
	num("API_MAX_RETRIES", &c.API.MaxRetries)
	rate := int(c.API.RateLimit)
	num("API_RATE_LIMIT", &rate)
	c.API.RateLimit = float64(rate)

	str("DB_DRIVER", &c.Database.Driver)
	str("DB_HOST", &c.Database.Host)
	num("DB_PORT", &c.Database.Port)
	str("DB_NAME", &c.Database.Name)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)

	num("BATCH_SIZE", &c.BatchSize)
	num("MAX_WORKERS", &c.MaxWorkers)
	str("FULL_LOAD_DATE", &c.FullLoadDate)

	str("S3_BUCKET", &c.Landing.Minio.Bucket)
	str("AWS_REGION", &c.Landing.Minio.Region)
	str("S3_ENDPOINT", &c.Landing.Minio.Endpoint)
	str("AWS_ACCESS_KEY_ID", &c.Landing.Minio.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &c.Landing.Minio.SecretAccessKey)
	str("LANDING_STORE", &c.Landing.Kind)

	str("REDSHIFT_CLUSTER", &c.Warehouse.Database.Host)
	str("REDSHIFT_DATABASE", &c.Warehouse.Database.Name)
	str("REDSHIFT_USER", &c.Warehouse.Database.User)
	str("REDSHIFT_PASSWORD", &c.Warehouse.Database.Password)

	str("REPOSITORY_DRIVER", &c.Repository.Driver)
	str("REPOSITORY_DSN", &c.Repository.DSN)
	str("MONGO_URI", &c.Rejects.URI)

	if err := group.Err(); err != nil {
		return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "invalid environment", err)
	}
	return nil
}

// applyProfile forces the per-environment settings.
func (c *Config) applyProfile() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	switch c.Environment {
	case Production:
		c.LogLevel = "WARNING"
		c.LogJSON = true
		c.MaxWorkers = 8
	case Development:
		c.LogLevel = "DEBUG"
		c.BatchSize = 100
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var group errs.Group
	add := func(format string, args ...interface{}) {
		group.Add(tunepipe.NewBatchError(tunepipe.ErrCodeConfig, format, args...))
	}

	switch c.Environment {
	case Development, Staging, Production:
	default:
		add("unknown environment %q", c.Environment)
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("api base url %q is not an absolute url", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		add("api timeout must be positive")
	}
	if c.API.MaxRetries < 0 {
		add("api max retries must not be negative")
	}
	if c.API.RateLimit < 0 {
		add("api rate limit must not be negative")
	}

	switch c.Database.Driver {
	case extract.Postgres, extract.MySQL, extract.SQLServer:
	default:
		add("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		add("database host and name are required")
	}
	if c.IsProduction() && c.Database.Password == "" {
		add("DB_PASSWORD is required in production")
	}
	if c.Songs.Table == "" || c.Songs.PrimaryKey == "" {
		add("songs table and primary key are required")
	}

	if c.BatchSize < 1 {
		add("batch size must be positive")
	}
	if c.MaxWorkers < 1 || c.MaxRuns < 1 {
		add("max workers and max runs must be positive")
	}
	if c.RejectionCeiling < 0 || c.RejectionCeiling > 1 {
		add("rejection ceiling %v is outside [0, 1]", c.RejectionCeiling)
	}
	for k, v := range c.Quality.Thresholds {
		if v < 0 || v > 1 {
			add("threshold %s=%v is outside [0, 1]", k, v)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		group.Add(err)
	}

	switch c.Landing.Kind {
	case StoreMemory:
	case StoreLocal:
		if c.Landing.Root == "" {
			add("local landing store needs a root directory")
		}
	case StoreFTP:
		if c.Landing.FTP.Host == "" || c.Landing.FTP.User == "" || c.Landing.FTP.Password == "" {
			add("ftp landing store needs host and credentials")
		}
	case StoreMinio:
		if c.Landing.Minio.Bucket == "" {
			add("S3_BUCKET is required")
		}
		if c.Landing.Minio.AccessKeyID == "" || c.Landing.Minio.SecretAccessKey == "" {
			add("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
		}
	default:
		add("unknown landing store %q", c.Landing.Kind)
	}

	switch c.Repository.Driver {
	case RepositoryMemory:
	case extract.MySQL, extract.Postgres:
		if c.Repository.DSN == "" {
			add("repository %s needs a dsn", c.Repository.Driver)
		}
	default:
		add("unsupported repository driver %q", c.Repository.Driver)
	}

	if c.FullLoadDate != "" {
		if _, err := tunepipe.ParseLogicalDate(c.FullLoadDate); err != nil {
			add("full_load_date %q is not a date", c.FullLoadDate)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		add("unknown timezone %q", c.Timezone)
	}
	for pipeline, spec := range c.Schedules {
		if _, err := cron.ParseStandard(spec); err != nil {
			add("schedule of %s: %s", pipeline, err.Error())
		}
	}

	if err := group.Err(); err != nil {
		return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "invalid configuration", err)
	}
	return nil
}

// Location returns the time zone schedules fire in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FullLoad returns the parsed FullLoadDate, zero when unset.
func (c *Config) FullLoad() time.Time {
	d, err := tunepipe.ParseLogicalDate(c.FullLoadDate)
	if err != nil {
		return time.Time{}
	}
	return d
}

// Level returns the log level to run with.
func (c *Config) Level() tunepipe.Level {
	return tunepipe.ParseLevel(c.LogLevel)
}
