package catalog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/assert"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/extensions/landing"
)

var usersSchema = Schema{
	Table: "users",
	Columns: []Column{
		{Name: "user_id", Type: String},
		{Name: "age", Type: Int, Nullable: true},
		{Name: "created_at", Type: Timestamp},
	},
	PrimaryKey: []string{"user_id"},
}

func day(d int) time.Time {
	return time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC)
}

func write(t *testing.T, c Catalog, date time.Time, rows ...Row) {
	ctx := context.Background()
	txn, err := c.Begin(ctx, "users")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, txn.OverwritePartition(ctx, date, rows))
	_, err = txn.Commit(ctx)
	assert.Equal(t, nil, err)
}

func TestCreateAndEvolve(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	assert.Equal(t, nil, c.CreateTable(ctx, usersSchema))

	s, err := c.Table(ctx, "users")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, s.Version)
	assert.Equal(t, 3, len(s.Columns))

	assert.Equal(t, nil, c.EvolveSchema(ctx, "users", []Column{{Name: "country", Type: String}}))
	s, _ = c.Table(ctx, "users")
	assert.Equal(t, 2, s.Version)
	col, ok := s.Column("country")
	assert.T(t, ok)
	assert.T(t, col.Nullable)

	// re-creating with the same columns is a no-op
	assert.Equal(t, nil, c.CreateTable(ctx, usersSchema))
	s, _ = c.Table(ctx, "users")
	assert.Equal(t, 2, s.Version)

	err = c.EvolveSchema(ctx, "users", []Column{{Name: "age", Type: String}})
	assert.Equal(t, tunepipe.ErrCodeSchema, tunepipe.CodeOf(err))
}

func TestUnknownTable(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	_, err := c.Table(ctx, "nope")
	assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err))
	assert.Equal(t, tunepipe.Fatal, tunepipe.KindOf(err))
	_, err = c.Begin(ctx, "nope")
	assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err))
}

func TestOverwriteReplacesOnlyItsPartition(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	assert.Equal(t, nil, c.CreateTable(ctx, usersSchema))

	created := time.Date(2025, 5, 30, 8, 0, 0, 0, time.UTC)
	write(t, c, day(1), Row{"user_id": "u-1", "age": int64(31), "created_at": created})
	write(t, c, day(2), Row{"user_id": "u-2", "age": nil, "created_at": created})
	write(t, c, day(1), Row{"user_id": "u-3", "age": int64(20), "created_at": created})

	rows, err := c.ReadPartition(ctx, "users", day(1))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, "u-3", rows[0]["user_id"])
	assert.Equal(t, int64(20), rows[0]["age"])
	assert.Equal(t, created, rows[0]["created_at"])

	rows, _ = c.ReadPartition(ctx, "users", day(2))
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, nil, rows[0]["age"])

	rows, err = c.ReadPartition(ctx, "users", day(3))
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(rows))

	dates, _ := c.Partitions(ctx, "users")
	assert.Equal(t, []string{"2025-06-01", "2025-06-02"}, dates)

	snap, _ := c.Snapshot(ctx, "users")
	assert.Equal(t, int64(4), snap.ID)
	assert.Equal(t, int64(3), snap.Partitions["2025-06-02"].SnapshotID)
}

func TestRollbackPublishesNothing(t *testing.T) {
	ctx := context.Background()
	store := landing.NewMemoryStore()
	c := NewStoreCatalog(store)
	assert.Equal(t, nil, c.CreateTable(ctx, usersSchema))

	txn, _ := c.Begin(ctx, "users")
	assert.Equal(t, nil, txn.OverwritePartition(ctx, day(1), []Row{{"user_id": "u-1", "created_at": day(1)}}))
	assert.Equal(t, nil, txn.Rollback(ctx))

	dates, _ := c.Partitions(ctx, "users")
	assert.Equal(t, 0, len(dates))
	files, _ := store.List(ctx, "curated/users/")
	assert.Equal(t, 0, len(files))

	_, err := txn.Commit(ctx)
	assert.NotEqual(t, nil, err)
}

func TestOverwriteRejectsUnknownColumn(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	assert.Equal(t, nil, c.CreateTable(ctx, usersSchema))
	txn, _ := c.Begin(ctx, "users")
	err := txn.OverwritePartition(ctx, day(1), []Row{{"user_id": "u-1", "shoe_size": 44}})
	assert.Equal(t, tunepipe.ErrCodeSchema, tunepipe.CodeOf(err))
}

func TestConcurrentCommitsForDistinctDates(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	assert.Equal(t, nil, c.CreateTable(ctx, usersSchema))

	// every transaction begins before any commits
	const n = 10
	txns := make([]Txn, n)
	for i := range txns {
		txn, err := c.Begin(ctx, "users")
		assert.Equal(t, nil, err)
		txns[i] = txn
	}
	var wg sync.WaitGroup
	for i := range txns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rows := []Row{{"user_id": fmt.Sprintf("u-%d", i), "created_at": day(i + 1)}}
			if err := txns[i].OverwritePartition(ctx, day(i+1), rows); err != nil {
				t.Error(err)
				return
			}
			if _, err := txns[i].Commit(ctx); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	dates, _ := c.Partitions(ctx, "users")
	assert.Equal(t, n, len(dates))
	for i := 0; i < n; i++ {
		rows, err := c.ReadPartition(ctx, "users", day(i+1))
		assert.Equal(t, nil, err)
		assert.Equal(t, 1, len(rows))
		assert.Equal(t, fmt.Sprintf("u-%d", i), rows[0]["user_id"])
	}
}

func TestVacuum(t *testing.T) {
	ctx := context.Background()
	store := landing.NewMemoryStore()
	c := NewStoreCatalog(store)
	assert.Equal(t, nil, c.CreateTable(ctx, usersSchema))
	for i := 0; i < 3; i++ {
		write(t, c, day(1), Row{"user_id": fmt.Sprintf("u-%d", i), "created_at": day(1)})
	}
	files, _ := store.List(ctx, "curated/users/")
	assert.Equal(t, 3, len(files))

	removed, err := c.Vacuum(ctx, "users", 1)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, removed)
	rows, _ := c.ReadPartition(ctx, "users", day(1))
	assert.Equal(t, "u-2", rows[0]["user_id"])

	_, err = c.Vacuum(ctx, "users", 0)
	assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err))
	rows, err = c.ReadPartition(ctx, "users", day(1))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(rows))
}

func TestCommitOfCancelledTxnIsRefused(t *testing.T) {
	store := landing.NewMemoryStore()
	c := NewStoreCatalog(store)
	assert.Equal(t, nil, c.CreateTable(context.Background(), usersSchema))

	ctx, cancel := context.WithCancel(context.Background())
	stale, err := c.Begin(ctx, "users")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, stale.OverwritePartition(ctx, day(1), []Row{{"user_id": "stale", "created_at": day(1)}}))
	cancel()

	write(t, c, day(1), Row{"user_id": "fresh", "created_at": day(1)})
	_, err = stale.Commit(ctx)
	assert.Equal(t, tunepipe.ErrCodeCancelled, tunepipe.CodeOf(err))
	assert.Equal(t, nil, stale.Rollback(context.Background()))

	rows, err := c.ReadPartition(context.Background(), "users", day(1))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(rows))
	assert.Equal(t, "fresh", rows[0]["user_id"])
	files, _ := store.List(context.Background(), "curated/users/")
	assert.Equal(t, 1, len(files))
}
