package transform

import (
	"context"
	"strconv"

	"github.com/zeebo/errs"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/catalog"
	"github.com/chararch/tunepipe/extensions/landing"
)

// DefaultRejectionCeiling is the share of rejected records a partition tolerates.
const DefaultRejectionCeiling = 0.05

// TransformStage curates the raw batch of one source into the entity's catalog table.
type TransformStage struct {
	Entity     *Entity
	Source     string
	Store      landing.Store
	Catalog    catalog.Catalog
	Sink       RejectSink
	Normalizer *Normalizer
	Ceiling    float64
}

// NewTransformStage creates a stage reading raw batches of source. Rejections go to the
// rejected zone of store unless another sink is set.
func NewTransformStage(e *Entity, source string, store landing.Store, cat catalog.Catalog) *TransformStage {
	return &TransformStage{
		Entity:     e,
		Source:     source,
		Store:      store,
		Catalog:    cat,
		Sink:       &StoreRejectSink{Store: store},
		Normalizer: NewNormalizer(),
		Ceiling:    DefaultRejectionCeiling,
	}
}

func (s *TransformStage) Name() string {
	return "transform." + s.Entity.Name
}

func (s *TransformStage) table(rc tunepipe.RunContext) string {
	if t := rc.Target(s.Entity.Name); t != "" {
		return t
	}
	return s.Entity.TableName()
}

func (s *TransformStage) Execute(ctx context.Context, rc tunepipe.RunContext) (*tunepipe.StageResult, error) {
	source := s.Source
	if id := rc.Source(s.Source); id != "" {
		source = id
	}
	key := landing.RawBatchKey(source, rc.LogicalDate)
	data, err := s.Store.Get(ctx, key)
	if landing.IsNotFound(err) {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeGeneral, "logical_date=%s: raw batch %s does not exist", rc.Date(), key)
	}
	if err != nil {
		return nil, err
	}
	records, err := landing.DecodeJSONL(data)
	if err != nil {
		return nil, err
	}

	var curated []Curated
	var rejected []Rejection
	for _, rec := range records {
		row, err := s.Normalizer.Normalize(s.Entity, rec)
		if err != nil {
			rejected = append(rejected, Rejection{
				LogicalDate: rc.Date(),
				Entity:      s.Entity.Name,
				Seq:         rec.Seq,
				Reason:      err.Error(),
				Record:      rec.Data,
			})
			continue
		}
		curated = append(curated, Curated{Row: row, Seq: rec.Seq, IngestedAt: rec.IngestedAt})
	}
	if err = s.Sink.Write(ctx, s.Entity.Name, rc.LogicalDate, rejected); err != nil {
		return nil, err
	}
	if len(records) > 0 {
		rate := float64(len(rejected)) / float64(len(records))
		if rate > s.Ceiling {
			tunepipe.DefaultLogger.Error(ctx, "rejection ceiling exceeded, entity:%v, rejected:%d, total:%d", s.Entity.Name, len(rejected), len(records))
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeSchema, "logical_date=%s entity=%s: rejection rate %.4f exceeds ceiling %.4f, first rejected seq %d: %s",
				rc.Date(), s.Entity.Name, rate, s.Ceiling, rejected[0].Seq, rejected[0].Reason)
		}
	}

	schema := s.Entity.Schema()
	schema.Table = s.table(rc)
	rows, duplicates := Deduplicate(schema, curated)
	snap, err := overwrite(ctx, s.Catalog, schema, rc, rows)
	if err != nil {
		return nil, err
	}
	if len(rejected) > 0 {
		tunepipe.DefaultLogger.Warn(ctx, "records rejected, entity:%v, rejected:%d, total:%d", s.Entity.Name, len(rejected), len(records))
	}
	return &tunepipe.StageResult{
		Rows:    int64(len(rows)),
		Outputs: map[string]string{"table": schema.Table, "snapshot": strconv.FormatInt(snap.ID, 10)},
		Metrics: map[string]interface{}{
			"input":      len(records),
			"rejected":   len(rejected),
			"duplicates": duplicates,
		},
	}, nil
}

// overwrite replaces the logical date's partition of the table in one transaction,
// creating or additively evolving the table first.
func overwrite(ctx context.Context, cat catalog.Catalog, schema catalog.Schema, rc tunepipe.RunContext, rows []catalog.Row) (*catalog.Snapshot, error) {
	if err := cat.CreateTable(ctx, schema); err != nil {
		return nil, err
	}
	txn, err := cat.Begin(ctx, schema.Table)
	if err != nil {
		return nil, err
	}
	if err = txn.OverwritePartition(ctx, rc.LogicalDate, rows); err != nil {
		return nil, errs.Combine(err, txn.Rollback(context.WithoutCancel(ctx)))
	}
	snap, err := txn.Commit(ctx)
	if err != nil {
		_ = txn.Rollback(context.WithoutCancel(ctx))
		return nil, err
	}
	return snap, nil
}
