package landing

import (
	"context"
	"testing"
	"time"

	"github.com/bmizerany/assert"

	"github.com/chararch/tunepipe"
)

var day = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestPartitionPath(t *testing.T) {
	assert.Equal(t, "raw/users/year=2025/month=06/day=01/", PartitionPath(ZoneRaw, "users", day))
	assert.Equal(t, "raw/users/year=2025/month=06/day=01/part-0000.jsonl", PartFile(ZoneRaw, "users", day, 0, "jsonl"))

	d, ok := PartitionDate(RawBatchKey("users", day))
	assert.T(t, ok)
	assert.Equal(t, day, d)
	_, ok = PartitionDate("raw/users/_tmp")
	assert.T(t, !ok)
}

func TestFilePath_Format(t *testing.T) {
	fp := FilePath{Pattern: "trade/{date,yyyyMMdd}/{name}.csv"}
	p, err := fp.Format(day, map[string]string{"name": "trade"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "trade/20250601/trade.csv", p)

	p, err = FilePath{Pattern: "export/{date}/x"}.Format(day, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, "export/2025-06-01/x", p)

	_, err = FilePath{Pattern: "{zone}/{missing}"}.Format(day, map[string]string{"zone": "raw"})
	assert.Equal(t, tunepipe.ErrCodeConfig, tunepipe.CodeOf(err))
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "raw/users/a.jsonl")
	assert.T(t, IsNotFound(err))
	ok, err := s.Exists(ctx, "raw/users/a.jsonl")
	assert.Equal(t, nil, err)
	assert.T(t, !ok)

	assert.Equal(t, nil, s.Put(ctx, "raw/users/b.jsonl", []byte("b")))
	assert.Equal(t, nil, s.Put(ctx, "raw/users/a.jsonl", []byte("a1")))
	assert.Equal(t, nil, s.Put(ctx, "raw/users/a.jsonl", []byte("a2")))
	assert.Equal(t, nil, s.Put(ctx, "raw/sessions/a.jsonl", []byte("s")))

	data, err := s.Get(ctx, "raw/users/a.jsonl")
	assert.Equal(t, nil, err)
	assert.Equal(t, "a2", string(data))

	keys, err := s.List(ctx, "raw/users/")
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"raw/users/a.jsonl", "raw/users/b.jsonl"}, keys)

	keys, err = s.List(ctx, "raw/")
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(keys))

	assert.Equal(t, nil, s.Delete(ctx, "raw/users/a.jsonl"))
	assert.Equal(t, nil, s.Delete(ctx, "raw/users/a.jsonl"))
	ok, _ = s.Exists(ctx, "raw/users/a.jsonl")
	assert.T(t, !ok)

	keys, err = s.List(ctx, "nothing/here/")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(keys))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalFileSystem(t *testing.T) {
	testStore(t, &LocalFileSystem{Root: t.TempDir()})
}

func TestJSONLCodec_Deterministic(t *testing.T) {
	records := []Record{
		{Seq: 0, IngestedAt: day, LogicalDate: "2025-06-01", Source: "users", Data: map[string]interface{}{"z": 1, "a": "x", "m": nil}},
		{Seq: 1, IngestedAt: day, LogicalDate: "2025-06-01", Source: "users", Data: map[string]interface{}{"user_id": "u-1", "a": 2.5}},
	}
	first, err := EncodeJSONL(records)
	assert.Equal(t, nil, err)
	second, err := EncodeJSONL(records)
	assert.Equal(t, nil, err)
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, `{"seq":0,"ingested_at":"2025-06-01T00:00:00Z","logical_date":"2025-06-01","source":"users","data":{"a":"x","m":null,"z":1}}`+"\n", firstLine(first))

	decoded, err := DecodeJSONL(first)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(decoded))
	assert.Equal(t, "u-1", decoded[1].Data["user_id"])
	again, err := EncodeJSONL(decoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, string(first), string(again))

	_, err = DecodeJSONL([]byte("{not json}\n"))
	assert.Equal(t, tunepipe.ErrCodeSchema, tunepipe.CodeOf(err))
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i+1])
		}
	}
	return string(b)
}
