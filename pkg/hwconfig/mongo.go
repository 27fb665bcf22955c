package hwconfig

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Defaults for [MongoConfig].
const (
	DefaultMongoDatabase   = "hlsflow"
	DefaultMongoCollection = "hw_configs"
)

// MongoConfig locates the collection a [MongoSink] writes to.
type MongoConfig struct {
	URI        string `toml:"mongo_uri" json:"mongo_uri,omitempty"`
	Database   string `toml:"database" json:"database,omitempty"`
	Collection string `toml:"collection" json:"collection,omitempty"`
}

// MongoSink stores every record as one document, so the configurations of
// past builds can be queried by model or part.
type MongoSink struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoSink connects to MongoDB.
func NewMongoSink(ctx context.Context, cfg MongoConfig) (*MongoSink, error) {
	if cfg.Database == "" {
		cfg.Database = DefaultMongoDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultMongoCollection
	}
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	return &MongoSink{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

// Save implements [Sink].
func (s *MongoSink) Save(ctx context.Context, rec *Record) error {
	if _, err := s.coll.InsertOne(ctx, recordDocument(rec)); err != nil {
		return fmt.Errorf("store hw config %s: %w", rec.BuildID, err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoSink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func recordDocument(rec *Record) bson.D {
	nodes := bson.D{}
	for _, name := range rec.Config.Nodes() {
		attrs := bson.D{}
		entry := rec.Config[name]
		for _, k := range sortedKeys(entry) {
			attrs = append(attrs, bson.E{Key: k, Value: entry[k]})
		}
		nodes = append(nodes, bson.E{Key: name, Value: attrs})
	}
	return bson.D{
		{Key: "_id", Value: rec.BuildID},
		{Key: "model", Value: rec.Model},
		{Key: "fingerprint", Value: rec.Fingerprint},
		{Key: "fpga_part", Value: rec.FPGAPart},
		{Key: "created_at", Value: rec.CreatedAt},
		{Key: "nodes", Value: nodes},
	}
}

var _ Sink = (*MongoSink)(nil)
