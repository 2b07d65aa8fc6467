// Package catalog is a transactional, date-partitioned table format. Writers stage data
// files and commit by publishing a new snapshot; readers only ever see committed snapshots.
package catalog

import (
	"context"
	"time"

	"github.com/chararch/tunepipe"
)

// PartitionRef points at the data file holding one logical date of a table.
type PartitionRef struct {
	Date       string    `json:"date"`
	File       string    `json:"file"`
	Rows       int64     `json:"rows"`
	SnapshotID int64     `json:"snapshot_id"`
	WrittenAt  time.Time `json:"written_at"`
}

// Snapshot is an immutable version of a table.
type Snapshot struct {
	ID          int64                   `json:"id"`
	ParentID    int64                   `json:"parent_id"`
	Table       string                  `json:"table"`
	Schema      Schema                  `json:"schema"`
	Partitions  map[string]PartitionRef `json:"partitions"`
	CommittedAt time.Time               `json:"committed_at"`
	Operation   string                  `json:"operation"`
}

// Catalog manages table schemas and snapshots.
type Catalog interface {
	// CreateTable creates the table, or evolves an existing one with the new columns.
	CreateTable(ctx context.Context, schema Schema) error
	// Table returns the current schema; unknown tables are a configuration error.
	Table(ctx context.Context, name string) (Schema, error)
	// EvolveSchema adds columns. Dropping or retyping columns is rejected.
	EvolveSchema(ctx context.Context, name string, columns []Column) error
	Begin(ctx context.Context, table string) (Txn, error)
	ReadPartition(ctx context.Context, table string, date time.Time) ([]Row, error)
	Partitions(ctx context.Context, table string) ([]string, error)
	Snapshot(ctx context.Context, table string) (*Snapshot, error)
}

// Txn stages partition overwrites of one table. Nothing is visible before Commit.
type Txn interface {
	OverwritePartition(ctx context.Context, date time.Time, rows []Row) error
	Commit(ctx context.Context) (*Snapshot, error)
	Rollback(ctx context.Context) error
}

func unknownTable(name string) error {
	return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "unknown catalog table %q", name)
}
