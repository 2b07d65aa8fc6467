package transform

import (
	"sort"
	"time"

	"github.com/chararch/tunepipe/catalog"
)

// Curated is a normalized row with the provenance deduplication orders by.
type Curated struct {
	Row        catalog.Row
	Seq        int64
	IngestedAt time.Time
}

func (c Curated) newer(o Curated) bool {
	if !c.IngestedAt.Equal(o.IngestedAt) {
		return c.IngestedAt.After(o.IngestedAt)
	}
	return c.Seq > o.Seq
}

// Deduplicate collapses rows sharing a primary key, keeping the latest ingestion and,
// between equal ingestion timestamps, the higher sequence number. Rows are returned in
// key order with the number of collapsed duplicates.
func Deduplicate(schema catalog.Schema, rows []Curated) ([]catalog.Row, int) {
	latest := make(map[string]Curated, len(rows))
	for _, r := range rows {
		k := schema.Key(r.Row)
		if cur, ok := latest[k]; !ok || r.newer(cur) {
			latest[k] = r
		}
	}
	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]catalog.Row, len(keys))
	for i, k := range keys {
		out[i] = latest[k].Row
	}
	return out, len(rows) - len(out)
}
