package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/extensions/landing"
)

var ingestedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ExtractStage lands the records of one source as raw/<source>/.../part-0000.jsonl.
// Re-running it for the same source data writes the same bytes.
type ExtractStage struct {
	Source Source
	Store  landing.Store

	// IngestedAtField names a record field holding the ingestion timestamp. Records without
	// it are stamped with the start of the logical date.
	IngestedAtField string

	// FullLoadDate is the last logical date that extracts the whole source; later dates read
	// only their own window. Zero makes every run incremental.
	FullLoadDate time.Time

	Environment string
}

func NewExtractStage(src Source, store landing.Store) *ExtractStage {
	return &ExtractStage{Source: src, Store: store}
}

func (s *ExtractStage) Name() string {
	return "extract." + s.Source.Name()
}

func (s *ExtractStage) Execute(ctx context.Context, rc tunepipe.RunContext) (*tunepipe.StageResult, error) {
	name := s.Source.Name()
	id := rc.Source(name)
	if id == "" {
		id = name
	}
	if err := s.Source.Ping(ctx); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.CodeOf(err), "source %s failed its health check", name, err)
	}
	full := s.fullLoad(rc.LogicalDate)
	start, end := rc.Window()
	started := time.Now()
	data, err := s.Source.Fetch(ctx, Request{LogicalDate: rc.LogicalDate, Start: start, End: end, Full: full})
	if err != nil {
		return nil, err
	}

	records := make([]landing.Record, len(data))
	for i, d := range data {
		records[i] = landing.Record{
			Seq:         int64(i),
			IngestedAt:  s.ingestedAt(d, start),
			LogicalDate: rc.Date(),
			Source:      id,
			Data:        d,
		}
	}
	body, err := landing.EncodeJSONL(records)
	if err != nil {
		return nil, err
	}
	key := landing.RawBatchKey(id, rc.LogicalDate)
	if err = s.Store.Put(ctx, key, body); err != nil {
		return nil, err
	}
	elapsed := time.Since(started)
	tunepipe.DefaultLogger.Info(ctx, "extraction finished, source:%v, logical_date:%v, records:%d, full:%v, key:%v, elapsed:%v",
		id, rc.Date(), len(records), full, key, elapsed)
	return &tunepipe.StageResult{
		Rows:    int64(len(records)),
		Outputs: map[string]string{"raw": key},
		Metrics: map[string]interface{}{
			"source":       id,
			"records":      len(records),
			"full":         full,
			"bytes":        len(body),
			"environment":  s.Environment,
			"extracted_at": started.UTC().Format(time.RFC3339),
			"duration_ms":  elapsed.Milliseconds(),
		},
	}, nil
}

// fullLoad depends on the logical date alone so reruns of a date always read the same rows.
func (s *ExtractStage) fullLoad(date time.Time) bool {
	if s.FullLoadDate.IsZero() {
		return false
	}
	return !tunepipe.Day(date).After(tunepipe.Day(s.FullLoadDate))
}

func (s *ExtractStage) ingestedAt(rec map[string]interface{}, fallback time.Time) time.Time {
	if s.IngestedAtField == "" {
		return fallback
	}
	v, ok := rec[s.IngestedAtField]
	if !ok || v == nil {
		return fallback
	}
	text := strings.TrimSpace(fmt.Sprint(v))
	for _, layout := range ingestedLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
