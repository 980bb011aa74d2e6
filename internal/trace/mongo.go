package trace

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoDatabase   = "tally"
	defaultMongoCollection = "spans"
)

// MongoConfig configures the MongoDB exporter.
type MongoConfig struct {
	URI            string
	Database       string // default: tally
	Collection     string // default: spans
	ConnectTimeout time.Duration
}

// MongoExporter inserts spans into a MongoDB collection, one document per span.
type MongoExporter struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoExporter connects to MongoDB and verifies the connection.
func NewMongoExporter(ctx context.Context, cfg MongoConfig) (*MongoExporter, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo exporter requires a uri")
	}
	if cfg.Database == "" {
		cfg.Database = defaultMongoDatabase
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultMongoCollection
	}

	connectCtx, cancel := context.WithTimeout(ctx, durationOr(cfg.ConnectTimeout, 10*time.Second))
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return NewMongoExporterFromCollection(client, client.Database(cfg.Database).Collection(cfg.Collection)), nil
}

// NewMongoExporterFromCollection wraps an existing collection. client may be
// nil when the caller owns the connection.
func NewMongoExporterFromCollection(client *mongo.Client, collection *mongo.Collection) *MongoExporter {
	return &MongoExporter{client: client, collection: collection}
}

func (e *MongoExporter) Export(ctx context.Context, spans []ClosedSpan) error {
	if len(spans) == 0 {
		return nil
	}
	docs, err := mongoDocuments(spans)
	if err != nil {
		return err
	}
	if _, err := e.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to insert spans: %w", err)
	}
	return nil
}

// Close disconnects the client if the exporter created it.
func (e *MongoExporter) Close(ctx context.Context) error {
	if e.client == nil {
		return nil
	}
	return e.client.Disconnect(ctx)
}

// mongoDocuments keys each document by span ID.
func mongoDocuments(spans []ClosedSpan) ([]interface{}, error) {
	docs := make([]interface{}, 0, len(spans))
	for _, s := range spans {
		doc, err := spanDocument(s)
		if err != nil {
			return nil, fmt.Errorf("failed to encode span %s: %w", s.ID, err)
		}
		doc["_id"] = s.ID
		delete(doc, "id")
		docs = append(docs, doc)
	}
	return docs, nil
}

var _ Exporter = (*MongoExporter)(nil)
