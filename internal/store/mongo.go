// ABOUTME: MongoDB implementation of the Store interface
// ABOUTME: One document per key ({_id: key, value, updatedAt}) in a single collection

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultMongoCollection is used when no collection name is configured.
const DefaultMongoCollection = "parley_kv"

type mongoEntry struct {
	Key       string    `bson:"_id"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoStore implements the Store interface on a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
}

// NewMongoStore connects to uri and uses database/collection for storage.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	logger := slog.Default().With("component", "store", "driver", "mongo")
	if collection == "" {
		collection = DefaultMongoCollection
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	logger.Info("mongo store initialized", "database", database, "collection", collection)
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
		logger: logger,
	}, nil
}

// Get returns the value stored at key.
func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var entry mongoEntry
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	return entry.Value, nil
}

// Set upserts the value at key.
func (s *MongoStore) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	entry := mongoEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": key}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// Remove deletes key.
func (s *MongoStore) Remove(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// List returns the keys starting with prefix in lexical order.
func (s *MongoStore) List(ctx context.Context, prefix string) ([]string, error) {
	filter := bson.M{"_id": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", prefix, err)
	}
	defer cursor.Close(ctx)

	keys := make([]string, 0)
	for cursor.Next(ctx) {
		var entry struct {
			Key string `bson:"_id"`
		}
		if err := cursor.Decode(&entry); err != nil {
			return nil, fmt.Errorf("decoding key: %w", err)
		}
		keys = append(keys, entry.Key)
	}
	return keys, cursor.Err()
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	s.logger.Info("closing mongo store")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
