package landing

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chararch/tunepipe"
)

// zones of the landing area
const (
	ZoneRaw      = "raw"
	ZoneCurated  = "curated"
	ZoneRejected = "rejected"
	ZoneServed   = "served"
)

// DefaultPartitionPattern lays out one directory per logical date.
const DefaultPartitionPattern = "{zone}/{table}/year={date,yyyy}/month={date,MM}/day={date,dd}/"

// PartitionPath returns the directory of the partition of table for date, e.g.
// raw/users/year=2025/month=06/day=01/.
func PartitionPath(zone, table string, date time.Time) string {
	fp := FilePath{Pattern: DefaultPartitionPattern}
	p, _ := fp.Format(date, map[string]string{"zone": zone, "table": table})
	return p
}

// PartFile returns the key of the n-th part file of a partition.
func PartFile(zone, table string, date time.Time, n int, ext string) string {
	return fmt.Sprintf("%spart-%04d.%s", PartitionPath(zone, table, date), n, ext)
}

// FilePath is a key template. {date,<layout>} is replaced by the logical date in a
// yyyy/MM/dd/HH/mm/ss layout, {name} by the named parameter.
type FilePath struct {
	Pattern string
}

var placeholder = regexp.MustCompile(`\{([^{}]+)\}`)

var layoutTokens = strings.NewReplacer(
	"yyyy", "2006",
	"yy", "06",
	"MM", "01",
	"dd", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

// Format expands the pattern. Unknown parameters are an error.
func (f FilePath) Format(date time.Time, params map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(f.Pattern, func(m string) string {
		expr := m[1 : len(m)-1]
		name, layout, hasLayout := strings.Cut(expr, ",")
		name = strings.TrimSpace(name)
		if name == "date" {
			if !hasLayout {
				return tunepipe.FormatDate(date)
			}
			return date.UTC().Format(layoutTokens.Replace(strings.TrimSpace(layout)))
		}
		if v, ok := params[name]; ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return "", tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "path pattern %q has unknown parameters %v", f.Pattern, missing)
	}
	return out, nil
}

// RawBatchKey is the key of the single raw batch of source for a logical date.
func RawBatchKey(source string, date time.Time) string {
	return PartFile(ZoneRaw, source, date, 0, "jsonl")
}

var partitionDir = regexp.MustCompile(`year=(\d{4})/month=(\d{2})/day=(\d{2})/`)

// PartitionDate returns the logical date encoded in a partition key.
func PartitionDate(key string) (time.Time, bool) {
	m := partitionDir.FindStringSubmatch(key)
	if m == nil {
		return time.Time{}, false
	}
	d, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}
