package landing

import (
	"bufio"
	"bytes"
	"encoding/json"
	"time"

	"github.com/chararch/tunepipe"
)

// Record is one raw record of a landed batch.
type Record struct {
	Seq         int64                  `json:"seq"`
	IngestedAt  time.Time              `json:"ingested_at"`
	LogicalDate string                 `json:"logical_date"`
	Source      string                 `json:"source"`
	Data        map[string]interface{} `json:"data"`
}

// EncodeJSONL encodes records one per line. Map keys are written in sorted order so equal
// batches encode to equal bytes.
func EncodeJSONL(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range records {
		r := records[i]
		r.IngestedAt = r.IngestedAt.UTC()
		if err := enc.Encode(&r); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "encode record seq %d of %s", r.Seq, r.Source, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeJSONL decodes a batch written by EncodeJSONL. Numbers are kept as json.Number.
func DecodeJSONL(data []byte) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var r Record
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&r); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "decode line %d", line, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "scan batch", err)
	}
	return records, nil
}

// EncodeLines encodes arbitrary values one JSON document per line.
func EncodeLines(values []interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "encode line", err)
		}
	}
	return buf.Bytes(), nil
}
