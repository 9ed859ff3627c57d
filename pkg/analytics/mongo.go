package analytics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoSink inserts rows as documents into one collection per file type.
// Document ids are derived from the schema key so rewrites are skipped.
type MongoSink struct {
	client   *mongo.Client
	database *mongo.Database
}

func NewMongoSink(ctx context.Context, cfg SinkConfig) (*MongoSink, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return &MongoSink{client: client, database: client.Database(cfg.Database)}, nil
}

func (s *MongoSink) Name() string { return "mongodb" }

// document renders a row with an _id built from the key columns.
func document(schema *Schema, row Row) bson.D {
	values := plainValues(row)
	doc := make(bson.D, 0, len(values)+1)
	key := make([]string, 0, len(schema.Key))
	for _, k := range schema.Key {
		for i, c := range schema.Columns {
			if c.Name == k {
				key = append(key, formatValue(values[i]))
			}
		}
	}
	doc = append(doc, bson.E{Key: "_id", Value: strings.Join(key, ":")})
	for i, c := range schema.Columns {
		doc = append(doc, bson.E{Key: c.Name, Value: values[i]})
	}
	return doc
}

func (s *MongoSink) Write(ctx context.Context, batch *Batch) error {
	if len(batch.Rows) == 0 {
		return nil
	}
	docs := make([]interface{}, len(batch.Rows))
	for i, row := range batch.Rows {
		docs[i] = document(batch.Schema, row)
	}
	_, err := s.database.Collection(batch.Schema.Name).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicateKeys(err) {
		return fmt.Errorf("failed to insert %s documents: %w", batch.Schema.Name, err)
	}
	return nil
}

func onlyDuplicateKeys(err error) bool {
	var bulk mongo.BulkWriteException
	if !errors.As(err, &bulk) || bulk.WriteConcernError != nil {
		return false
	}
	for _, we := range bulk.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

func (s *MongoSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
