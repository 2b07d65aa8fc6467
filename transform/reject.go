package transform

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/extensions/landing"
)

// Rejection is a raw record that failed normalization.
type Rejection struct {
	LogicalDate string                 `json:"logical_date" bson:"logical_date"`
	Entity      string                 `json:"entity" bson:"entity"`
	Seq         int64                  `json:"seq" bson:"seq"`
	Reason      string                 `json:"reason" bson:"reason"`
	Record      map[string]interface{} `json:"record" bson:"record"`
}

// RejectSink stores the rejections of one entity partition. Write replaces whatever an
// earlier attempt wrote for the same entity and date.
type RejectSink interface {
	Write(ctx context.Context, entity string, date time.Time, rejections []Rejection) error
}

// StoreRejectSink writes rejections as JSON lines under the rejected zone of a landing store.
type StoreRejectSink struct {
	Store landing.Store
}

func (s *StoreRejectSink) Write(ctx context.Context, entity string, date time.Time, rejections []Rejection) error {
	key := landing.PartFile(landing.ZoneRejected, entity, date, 0, "jsonl")
	if len(rejections) == 0 {
		return s.Store.Delete(ctx, key)
	}
	values := make([]interface{}, len(rejections))
	for i := range rejections {
		values[i] = rejections[i]
	}
	data, err := landing.EncodeLines(values)
	if err != nil {
		return err
	}
	return s.Store.Put(ctx, key, data)
}

// MongoRejectSink keeps rejections in a MongoDB collection, one document per record.
type MongoRejectSink struct {
	Collection *mongo.Collection
}

func NewMongoRejectSink(client *mongo.Client, database, collection string) *MongoRejectSink {
	return &MongoRejectSink{Collection: client.Database(database).Collection(collection)}
}

func (s *MongoRejectSink) Write(ctx context.Context, entity string, date time.Time, rejections []Rejection) error {
	filter := bson.M{"entity": entity, "logical_date": tunepipe.FormatDate(date)}
	if _, err := s.Collection.DeleteMany(ctx, filter); err != nil {
		return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "clear rejections of %s %s", entity, tunepipe.FormatDate(date), err)
	}
	if len(rejections) == 0 {
		return nil
	}
	docs := make([]interface{}, len(rejections))
	for i := range rejections {
		docs[i] = rejections[i]
	}
	res, err := s.Collection.InsertMany(ctx, docs)
	if err != nil {
		return tunepipe.NewBatchError(tunepipe.ErrCodeDbFail, "insert rejections of %s %s", entity, tunepipe.FormatDate(date), err)
	}
	tunepipe.DefaultLogger.Info(ctx, "rejections stored, entity:%v, count:%d", entity, len(res.InsertedIDs))
	return nil
}
