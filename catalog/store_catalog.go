package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/extensions/landing"
)

const (
	metadataPrefix = "catalog"
	currentPointer = "_current"
)

// StoreCatalog keeps data files and snapshot metadata in a landing store. The current
// snapshot of a table is named by a pointer object that is swapped on commit. Commits are
// serialized within the process only: a table has one writer process at a time.
type StoreCatalog struct {
	store landing.Store
	// commits are serialized per table; a commit rebases onto whatever is current
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStoreCatalog(store landing.Store) *StoreCatalog {
	return &StoreCatalog{store: store, locks: map[string]*sync.Mutex{}}
}

// NewMemoryCatalog creates a catalog backed by process memory.
func NewMemoryCatalog() *StoreCatalog {
	return NewStoreCatalog(landing.NewMemoryStore())
}

func (c *StoreCatalog) lock(table string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[table]
	if !ok {
		l = &sync.Mutex{}
		c.locks[table] = l
	}
	return l
}

func pointerKey(table string) string {
	return fmt.Sprintf("%s/%s/%s", metadataPrefix, table, currentPointer)
}

func snapshotKey(table string, id int64) string {
	return fmt.Sprintf("%s/%s/snapshots/%010d.json", metadataPrefix, table, id)
}

func (c *StoreCatalog) current(ctx context.Context, table string) (*Snapshot, error) {
	ptr, err := c.store.Get(ctx, pointerKey(table))
	if landing.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(ptr)), 10, 64)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "corrupt snapshot pointer of table %s", table, err)
	}
	data, err := c.store.Get(ctx, snapshotKey(table, id))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "corrupt snapshot %d of table %s", id, table, err)
	}
	if snap.Partitions == nil {
		snap.Partitions = map[string]PartitionRef{}
	}
	return &snap, nil
}

// publish writes the snapshot and then swaps the pointer; a crash in between leaves the
// previous snapshot current.
func (c *StoreCatalog) publish(ctx context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "encode snapshot of table %s", snap.Table, err)
	}
	if err = c.store.Put(ctx, snapshotKey(snap.Table, snap.ID), data); err != nil {
		return err
	}
	return c.store.Put(ctx, pointerKey(snap.Table), []byte(strconv.FormatInt(snap.ID, 10)))
}

func (c *StoreCatalog) CreateTable(ctx context.Context, schema Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	l := c.lock(schema.Table)
	l.Lock()
	defer l.Unlock()
	cur, err := c.current(ctx, schema.Table)
	if err != nil {
		return err
	}
	if cur != nil {
		return c.evolve(ctx, cur, schema.Columns)
	}
	schema.Version = 1
	snap := &Snapshot{
		ID:          1,
		Table:       schema.Table,
		Schema:      schema,
		Partitions:  map[string]PartitionRef{},
		CommittedAt: time.Now().UTC(),
		Operation:   "create",
	}
	if err = c.publish(ctx, snap); err != nil {
		return err
	}
	tunepipe.DefaultLogger.Info(ctx, "catalog table created, table:%v, columns:%d", schema.Table, len(schema.Columns))
	return nil
}

func (c *StoreCatalog) Table(ctx context.Context, name string) (Schema, error) {
	snap, err := c.Snapshot(ctx, name)
	if err != nil {
		return Schema{}, err
	}
	return snap.Schema, nil
}

func (c *StoreCatalog) EvolveSchema(ctx context.Context, name string, columns []Column) error {
	l := c.lock(name)
	l.Lock()
	defer l.Unlock()
	cur, err := c.current(ctx, name)
	if err != nil {
		return err
	}
	if cur == nil {
		return unknownTable(name)
	}
	return c.evolve(ctx, cur, columns)
}

// evolve appends columns missing from the current schema. Existing columns must keep their type.
func (c *StoreCatalog) evolve(ctx context.Context, cur *Snapshot, columns []Column) error {
	schema := cur.Schema
	var added []string
	for _, col := range columns {
		existing, ok := schema.Column(col.Name)
		if ok {
			if existing.Type != col.Type {
				return tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "table %s: column %s can not change type %s -> %s", schema.Table, col.Name, existing.Type, col.Type)
			}
			continue
		}
		col.Nullable = true
		schema.Columns = append(append([]Column(nil), schema.Columns...), col)
		added = append(added, col.Name)
	}
	if len(added) == 0 {
		return nil
	}
	schema.Version++
	next := &Snapshot{
		ID:          cur.ID + 1,
		ParentID:    cur.ID,
		Table:       cur.Table,
		Schema:      schema,
		Partitions:  cur.Partitions,
		CommittedAt: time.Now().UTC(),
		Operation:   "evolve",
	}
	if err := c.publish(ctx, next); err != nil {
		return err
	}
	tunepipe.DefaultLogger.Info(ctx, "catalog schema evolved, table:%v, added:%v", cur.Table, added)
	return nil
}

func (c *StoreCatalog) Snapshot(ctx context.Context, table string) (*Snapshot, error) {
	snap, err := c.current(ctx, table)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, unknownTable(table)
	}
	return snap, nil
}

func (c *StoreCatalog) Partitions(ctx context.Context, table string) ([]string, error) {
	snap, err := c.Snapshot(ctx, table)
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(snap.Partitions))
	for d := range snap.Partitions {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, nil
}

// ReadPartition returns the rows of date in the current snapshot, nil if it was never written.
func (c *StoreCatalog) ReadPartition(ctx context.Context, table string, date time.Time) ([]Row, error) {
	snap, err := c.Snapshot(ctx, table)
	if err != nil {
		return nil, err
	}
	ref, ok := snap.Partitions[tunepipe.FormatDate(date)]
	if !ok {
		return nil, nil
	}
	data, err := c.store.Get(ctx, ref.File)
	if err != nil {
		return nil, err
	}
	return decodeRows(snap.Schema, data)
}

func decodeRows(schema Schema, data []byte) ([]Row, error) {
	var rows []Row
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	for dec.More() {
		var raw map[string]interface{}
		if err := dec.Decode(&raw); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "decode data file of table %s", schema.Table, err)
		}
		row, err := restoreRow(schema, raw)
		if err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "table %s", schema.Table, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func encodeRows(rows []Row) ([]byte, error) {
	values := make([]interface{}, len(rows))
	for i, r := range rows {
		values[i] = map[string]interface{}(r)
	}
	return landing.EncodeLines(values)
}

func (c *StoreCatalog) Begin(ctx context.Context, table string) (Txn, error) {
	snap, err := c.Snapshot(ctx, table)
	if err != nil {
		return nil, err
	}
	return &storeTxn{
		catalog: c,
		table:   table,
		id:      uuid.NewString()[:8],
		schema:  snap.Schema,
		staged:  map[string]PartitionRef{},
	}, nil
}

type storeTxn struct {
	catalog *StoreCatalog
	table   string
	id      string
	schema  Schema
	staged  map[string]PartitionRef
	done    bool
}

// OverwritePartition stages a new data file for date; the previous file stays untouched.
func (t *storeTxn) OverwritePartition(ctx context.Context, date time.Time, rows []Row) error {
	if t.done {
		return tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "transaction %s on %s already finished", t.id, t.table)
	}
	for _, r := range rows {
		for k := range r {
			if _, ok := t.schema.Column(k); !ok {
				return tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "table %s has no column %s", t.table, k)
			}
		}
	}
	data, err := encodeRows(rows)
	if err != nil {
		return err
	}
	d := tunepipe.FormatDate(date)
	file := fmt.Sprintf("%spart-%s.jsonl", landing.PartitionPath(landing.ZoneCurated, t.table, date), t.id)
	if err = t.catalog.store.Put(ctx, file, data); err != nil {
		return err
	}
	if prev, ok := t.staged[d]; ok && prev.File != file {
		_ = t.catalog.store.Delete(ctx, prev.File)
	}
	t.staged[d] = PartitionRef{Date: d, File: file, Rows: int64(len(rows)), WrittenAt: time.Now().UTC()}
	return nil
}

// Commit rebases the staged partitions onto the current snapshot and publishes it.
// Partitions not staged by this transaction are carried over unchanged.
func (t *storeTxn) Commit(ctx context.Context) (*Snapshot, error) {
	if t.done {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "transaction %s on %s already finished", t.id, t.table)
	}
	l := t.catalog.lock(t.table)
	l.Lock()
	defer l.Unlock()
	// an attempt abandoned by its deadline must not publish over a later one
	if err := ctx.Err(); err != nil {
		code := tunepipe.ErrCodeCancelled
		if err == context.DeadlineExceeded {
			code = tunepipe.ErrCodeTimeout
		}
		return nil, tunepipe.NewBatchError(code, "commit of %s on %s refused", t.id, t.table, err)
	}
	cur, err := t.catalog.current(ctx, t.table)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, unknownTable(t.table)
	}
	next := &Snapshot{
		ID:          cur.ID + 1,
		ParentID:    cur.ID,
		Table:       t.table,
		Schema:      cur.Schema,
		Partitions:  make(map[string]PartitionRef, len(cur.Partitions)+len(t.staged)),
		CommittedAt: time.Now().UTC(),
		Operation:   "overwrite",
	}
	for d, ref := range cur.Partitions {
		next.Partitions[d] = ref
	}
	var dates []string
	for d, ref := range t.staged {
		ref.SnapshotID = next.ID
		next.Partitions[d] = ref
		dates = append(dates, d)
	}
	if err = t.catalog.publish(ctx, next); err != nil {
		return nil, err
	}
	t.done = true
	sort.Strings(dates)
	tunepipe.DefaultLogger.Info(ctx, "catalog commit, table:%v, snapshot:%d, partitions:%v", t.table, next.ID, dates)
	return next, nil
}

// Rollback deletes the staged data files.
func (t *storeTxn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	for _, ref := range t.staged {
		if err := t.catalog.store.Delete(ctx, ref.File); err != nil {
			tunepipe.DefaultLogger.Error(ctx, "delete staged file:%v error:%v", ref.File, err)
		}
	}
	return nil
}

// Vacuum deletes data files of table not referenced by the newest retain snapshots. Files
// staged by a transaction that is still open are not referenced yet, so no pipeline may
// write the table meanwhile.
func (c *StoreCatalog) Vacuum(ctx context.Context, table string, retain int) (int, error) {
	if retain < 1 {
		return 0, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "vacuum of %s must retain at least one snapshot, got %d", table, retain)
	}
	l := c.lock(table)
	l.Lock()
	defer l.Unlock()
	cur, err := c.current(ctx, table)
	if err != nil {
		return 0, err
	}
	if cur == nil {
		return 0, unknownTable(table)
	}
	live := map[string]bool{}
	for id := cur.ID; id > 0 && id > cur.ID-int64(retain); id-- {
		data, err := c.store.Get(ctx, snapshotKey(table, id))
		if err != nil {
			return 0, err
		}
		var snap Snapshot
		if err = json.Unmarshal(data, &snap); err != nil {
			return 0, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "corrupt snapshot %d of table %s", id, table, err)
		}
		for _, ref := range snap.Partitions {
			live[ref.File] = true
		}
	}
	files, err := c.store.List(ctx, fmt.Sprintf("%s/%s/", landing.ZoneCurated, table))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		if !live[f] {
			if err = c.store.Delete(ctx, f); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
