package modeler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/catalog"
	"github.com/chararch/tunepipe/extensions/landing"
)

// ParquetExporter writes curated partitions to the served zone as Parquet, the format the
// warehouse loads from.
type ParquetExporter struct {
	Store   landing.Store
	Catalog catalog.Catalog
}

// Export writes the partition of table for date and returns its key and row count.
func (e *ParquetExporter) Export(ctx context.Context, table string, date time.Time) (string, int64, error) {
	schema, err := e.Catalog.Table(ctx, table)
	if err != nil {
		return "", 0, err
	}
	rows, err := e.Catalog.ReadPartition(ctx, table, date)
	if err != nil {
		return "", 0, err
	}
	data, err := encodeParquet(schema, rows)
	if err != nil {
		return "", 0, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "export %s %s as parquet", table, tunepipe.FormatDate(date), err)
	}
	key := landing.PartFile(landing.ZoneServed, table, date, 0, "parquet")
	if err = e.Store.Put(ctx, key, data); err != nil {
		return "", 0, err
	}
	return key, int64(len(rows)), nil
}

func encodeParquet(schema catalog.Schema, rows []catalog.Row) ([]byte, error) {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(parquetSchema(schema), pfw, 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		line, err := json.Marshal(projectRow(schema, row))
		if err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
		if err = pw.Write(string(line)); err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
	}
	if err = pw.WriteStop(); err != nil {
		return nil, err
	}
	if err = pfw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parquetSchema(schema catalog.Schema) string {
	fields := make([]map[string]string, 0, len(schema.Columns))
	for _, c := range schema.Columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.Name, parquetType(c.Type)),
		})
	}
	b, _ := json.Marshal(map[string]interface{}{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	})
	return string(b)
}

func parquetType(t catalog.ColumnType) string {
	switch t {
	case catalog.Int:
		return "type=INT64"
	case catalog.Float:
		return "type=DOUBLE"
	case catalog.Bool:
		return "type=BOOLEAN"
	case catalog.Timestamp:
		return "type=INT64, convertedtype=TIMESTAMP_MILLIS"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}

func projectRow(schema catalog.Schema, row catalog.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(schema.Columns))
	for _, c := range schema.Columns {
		v := row[c.Name]
		if ts, ok := v.(time.Time); ok {
			v = ts.UnixMilli()
		}
		out[c.Name] = v
	}
	return out
}
