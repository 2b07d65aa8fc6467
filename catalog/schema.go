package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chararch/tunepipe"
)

// ColumnType is the logical type of a column.
type ColumnType string

const (
	String    ColumnType = "string"
	Int       ColumnType = "int"
	Float     ColumnType = "float"
	Bool      ColumnType = "bool"
	Timestamp ColumnType = "timestamp"
)

// Column of a table schema.
type Column struct {
	Name     string     `json:"name" yaml:"name"`
	Type     ColumnType `json:"type" yaml:"type"`
	Nullable bool       `json:"nullable" yaml:"nullable"`
}

// Schema of a partitioned table. Every table is partitioned by logical date.
type Schema struct {
	Table      string   `json:"table" yaml:"table"`
	Columns    []Column `json:"columns" yaml:"columns"`
	PrimaryKey []string `json:"primary_key" yaml:"primary_key"`
	Version    int      `json:"version" yaml:"-"`
}

// Row is one typed record of a table.
type Row map[string]interface{}

// Column returns the named column.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Key returns the primary key of row as a single comparable string.
func (s Schema) Key(row Row) string {
	if len(s.PrimaryKey) == 1 {
		return fmt.Sprint(row[s.PrimaryKey[0]])
	}
	key := ""
	for i, k := range s.PrimaryKey {
		if i > 0 {
			key += "\x1f"
		}
		key += fmt.Sprint(row[k])
	}
	return key
}

// Validate checks names, types and that primary key columns exist.
func (s Schema) Validate() error {
	if s.Table == "" {
		return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "table name must not be empty")
	}
	seen := map[string]bool{}
	for _, c := range s.Columns {
		if c.Name == "" || seen[c.Name] {
			return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "table %s: empty or duplicate column %q", s.Table, c.Name)
		}
		seen[c.Name] = true
		switch c.Type {
		case String, Int, Float, Bool, Timestamp:
		default:
			return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "table %s: column %s has unknown type %q", s.Table, c.Name, c.Type)
		}
	}
	for _, k := range s.PrimaryKey {
		if !seen[k] {
			return tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "table %s: primary key column %s is not defined", s.Table, k)
		}
	}
	return nil
}

// restore converts a value decoded from a data file back to the column type.
func restore(t ColumnType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Int:
		switch n := v.(type) {
		case json.Number:
			return n.Int64()
		case float64:
			return int64(n), nil
		case int64:
			return n, nil
		}
	case Float:
		switch n := v.(type) {
		case json.Number:
			return n.Float64()
		case float64:
			return n, nil
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case Timestamp:
		switch ts := v.(type) {
		case string:
			return time.Parse(time.RFC3339Nano, ts)
		case time.Time:
			return ts, nil
		}
	case String:
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		}
	}
	return nil, fmt.Errorf("value %v (%T) is not a %s", v, v, t)
}

func restoreRow(s Schema, row map[string]interface{}) (Row, error) {
	out := make(Row, len(row))
	for k, v := range row {
		col, ok := s.Column(k)
		if !ok {
			out[k] = v
			continue
		}
		rv, err := restore(col.Type, v)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}
