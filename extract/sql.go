package extract

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/pkg/errors"

	"github.com/chararch/tunepipe"
)

// supported database/sql drivers
const (
	Postgres  = "postgres"
	MySQL     = "mysql"
	SQLServer = "sqlserver"
)

// SQLConfig describes the table a SQLSource reads.
type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	Table      string   `yaml:"table"`
	Columns    []string `yaml:"columns"`
	PrimaryKey string   `yaml:"primary_key"`

	// WatermarkColumn selects the rows of the logical date on incremental runs. Empty means
	// every run is a full extraction.
	WatermarkColumn string `yaml:"watermark_column"`

	BatchSize int                  `yaml:"batch_size"`
	Retry     tunepipe.RetryPolicy `yaml:"retry"`
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate checks the driver and that every name is a plain SQL identifier.
func (c SQLConfig) Validate() error {
	switch c.Driver {
	case Postgres, MySQL, SQLServer:
	default:
		return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "unsupported sql driver %q", c.Driver)
	}
	names := append([]string{c.Table, c.PrimaryKey}, c.Columns...)
	if c.WatermarkColumn != "" {
		names = append(names, c.WatermarkColumn)
	}
	for _, n := range names {
		if !identifier.MatchString(n) {
			return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "invalid sql identifier %q", n)
		}
	}
	if c.BatchSize < 0 {
		return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "batch_size must not be negative")
	}
	return nil
}

// SQLSource reads a table in primary key order, batch by batch.
type SQLSource struct {
	name string
	cfg  SQLConfig
	db   *sql.DB
}

// OpenSQLSource opens the database of cfg. The connection is established lazily.
func OpenSQLSource(name string, cfg SQLConfig) (*SQLSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "open %s database", cfg.Driver, err)
	}
	return NewSQLSource(name, cfg, db), nil
}

// NewSQLSource wraps an open database.
func NewSQLSource(name string, cfg SQLConfig, db *sql.DB) *SQLSource {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = tunepipe.RetryPolicy{MaxAttempts: 3, InitialBackoff: 2 * time.Second, Multiplier: 2, MaxBackoff: 30 * time.Second}
	}
	return &SQLSource{name: name, cfg: cfg, db: db}
}

func (s *SQLSource) Name() string {
	return s.name
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

func (s *SQLSource) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return dbError("ping %s database", s.cfg.Driver, err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return dbError("ping %s database", s.cfg.Driver, err)
	}
	return nil
}

// Fetch reads the whole table when req.Full is set or no watermark column is configured,
// otherwise only the rows whose watermark lies in [req.Start, req.End).
func (s *SQLSource) Fetch(ctx context.Context, req Request) ([]map[string]interface{}, error) {
	incremental := !req.Full && s.cfg.WatermarkColumn != ""
	var records []map[string]interface{}
	for offset := 0; ; offset += s.cfg.BatchSize {
		query, args := s.query(incremental, req, offset)
		var batch []map[string]interface{}
		err := tunepipe.RetryBounded(ctx, s.cfg.Retry, func(ctx context.Context, attempt int) error {
			var err error
			batch, err = s.readBatch(ctx, query, args)
			return err
		})
		if err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.CodeOf(err), "extract %s at offset %d", s.cfg.Table, offset, err)
		}
		records = append(records, batch...)
		tunepipe.DefaultLogger.Info(ctx, "batch extracted, table:%v, incremental:%v, records:%d, total:%d", s.cfg.Table, incremental, len(batch), len(records))
		if len(batch) < s.cfg.BatchSize {
			return records, nil
		}
	}
}

func (s *SQLSource) query(incremental bool, req Request, offset int) (string, []interface{}) {
	cols := "*"
	if len(s.cfg.Columns) > 0 {
		cols = strings.Join(s.cfg.Columns, ", ")
	}
	var (
		b    strings.Builder
		args []interface{}
	)
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, s.cfg.Table)
	if incremental {
		args = append(args, req.Start, req.End)
		fmt.Fprintf(&b, " WHERE %s >= %s AND %s < %s", s.cfg.WatermarkColumn, s.placeholder(1), s.cfg.WatermarkColumn, s.placeholder(2))
	}
	fmt.Fprintf(&b, " ORDER BY %s", s.cfg.PrimaryKey)
	n := len(args)
	if s.cfg.Driver == SQLServer {
		args = append(args, offset, s.cfg.BatchSize)
		fmt.Fprintf(&b, " OFFSET %s ROWS FETCH NEXT %s ROWS ONLY", s.placeholder(n+1), s.placeholder(n+2))
	} else {
		args = append(args, s.cfg.BatchSize, offset)
		fmt.Fprintf(&b, " LIMIT %s OFFSET %s", s.placeholder(n+1), s.placeholder(n+2))
	}
	return b.String(), args
}

func (s *SQLSource) placeholder(n int) string {
	switch s.cfg.Driver {
	case Postgres:
		return fmt.Sprintf("$%d", n)
	case SQLServer:
		return fmt.Sprintf("@p%d", n)
	default:
		return "?"
	}
}

func (s *SQLSource) readBatch(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("query %s", s.cfg.Table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, dbError("columns of %s", s.cfg.Table, err)
	}
	var batch []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, dbError("scan %s", s.cfg.Table, err)
		}
		rec := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			rec[col] = plain(values[i])
		}
		batch = append(batch, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, dbError("read %s", s.cfg.Table, err)
	}
	return batch, nil
}

// dbError wraps a driver error. Rejected credentials, unknown objects and invalid SQL are
// configuration errors; anything else is treated as a connection problem and retried.
func dbError(msg string, args ...interface{}) error {
	code := tunepipe.ErrCodeDbFail
	if n := len(args); n > 0 {
		if err, ok := args[n-1].(error); ok && permanentDBError(err) {
			code = tunepipe.ErrCodeConfig
		}
	}
	return tunepipe.NewBatchError(code, msg, args...)
}

func permanentDBError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		// invalid authorization, syntax error or access rule violation, invalid catalog,
		// invalid schema
		case "28", "42", "3D", "3F":
			return true
		}
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		// access denied, unknown database, unknown column, syntax, table access denied,
		// unknown table
		case 1044, 1045, 1049, 1054, 1064, 1142, 1146, 1698:
			return true
		}
		return false
	}
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		// invalid column, syntax, invalid object, permission denied, cannot open database,
		// login failed
		case 207, 102, 208, 229, 4060, 18456:
			return true
		}
	}
	return false
}

// plain converts driver values to JSON friendly ones.
func plain(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}
