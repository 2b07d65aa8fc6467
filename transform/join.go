package transform

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/catalog"
)

// OrphanColumn flags joined rows whose key matched nothing.
const OrphanColumn = "orphan"

// JoinStage enriches the rows of the left entity with columns of the right entity matched
// on Key. Unmatched left rows are kept with a null Key and OrphanColumn set.
type JoinStage struct {
	Left    *Entity
	Right   *Entity
	Key     string
	Carry   []string
	Target  string
	Catalog catalog.Catalog
}

func (s *JoinStage) Name() string {
	return fmt.Sprintf("join.%s.%s", s.Left.Name, s.Right.Name)
}

func (s *JoinStage) table(rc tunepipe.RunContext, e *Entity) string {
	if t := rc.Target(e.Name); t != "" {
		return t
	}
	return e.TableName()
}

// carried returns the output column name of a right-hand column.
func (s *JoinStage) carried(col string) string {
	return s.Right.Name + "_" + col
}

// Schema returns the schema of the joined table.
func (s *JoinStage) Schema() (catalog.Schema, error) {
	left := s.Left.Schema()
	right := s.Right.Schema()
	out := catalog.Schema{Table: s.Target, PrimaryKey: left.PrimaryKey}
	found := false
	for _, c := range left.Columns {
		if c.Name == s.Key {
			c.Nullable = true
			found = true
		}
		out.Columns = append(out.Columns, c)
	}
	if !found {
		return out, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "join key %s is not a column of %s", s.Key, s.Left.Name)
	}
	if _, ok := right.Column(s.Key); !ok {
		return out, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "join key %s is not a column of %s", s.Key, s.Right.Name)
	}
	for _, name := range s.Carry {
		c, ok := right.Column(name)
		if !ok {
			return out, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "carried column %s is not a column of %s", name, s.Right.Name)
		}
		out.Columns = append(out.Columns, catalog.Column{Name: s.carried(name), Type: c.Type, Nullable: true})
	}
	out.Columns = append(out.Columns, catalog.Column{Name: OrphanColumn, Type: catalog.Bool})
	return out, out.Validate()
}

func (s *JoinStage) Execute(ctx context.Context, rc tunepipe.RunContext) (*tunepipe.StageResult, error) {
	schema, err := s.Schema()
	if err != nil {
		return nil, err
	}
	if t := rc.Target(s.Target); t != "" {
		schema.Table = t
	}
	left, err := s.Catalog.ReadPartition(ctx, s.table(rc, s.Left), rc.LogicalDate)
	if err != nil {
		return nil, err
	}
	right, err := s.Catalog.ReadPartition(ctx, s.table(rc, s.Right), rc.LogicalDate)
	if err != nil {
		return nil, err
	}

	index := make(map[string]catalog.Row, len(right))
	for _, r := range right {
		if k := r[s.Key]; k != nil {
			index[fmt.Sprint(k)] = r
		}
	}
	rows := make([]catalog.Row, 0, len(left))
	orphans := 0
	for _, l := range left {
		row := make(catalog.Row, len(l)+len(s.Carry)+1)
		for k, v := range l {
			row[k] = v
		}
		var match catalog.Row
		if k := l[s.Key]; k != nil {
			match = index[fmt.Sprint(k)]
		}
		for _, name := range s.Carry {
			if match != nil {
				row[s.carried(name)] = match[name]
			} else {
				row[s.carried(name)] = nil
			}
		}
		row[OrphanColumn] = match == nil
		if match == nil {
			row[s.Key] = nil
			orphans++
		}
		rows = append(rows, row)
	}

	snap, err := overwrite(ctx, s.Catalog, schema, rc, rows)
	if err != nil {
		return nil, err
	}
	if orphans > 0 {
		tunepipe.DefaultLogger.Warn(ctx, "orphan rows kept, table:%v, orphans:%d, total:%d", schema.Table, orphans, len(rows))
	}
	return &tunepipe.StageResult{
		Rows:    int64(len(rows)),
		Outputs: map[string]string{"table": schema.Table, "snapshot": strconv.FormatInt(snap.ID, 10)},
		Metrics: map[string]interface{}{"orphans": orphans, "matched": len(rows) - orphans},
	}, nil
}
