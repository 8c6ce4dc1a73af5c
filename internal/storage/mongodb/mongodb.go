// Package mongodb upserts records as {_id: key, value: value} documents.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"pkt.systems/storebench/internal/storage"
)

const (
	name = "mongodb"
	// Database is used when the URI names none.
	Database = "benchmark"
	// Collection holds every record.
	Collection = "key_value"
)

// DefaultMaxPoolSize matches the connection cap a write-heavy run needs.
const DefaultMaxPoolSize = 1000

// Store implements storage.Backend with the official MongoDB driver.
type Store struct {
	opts     *options.ClientOptions
	database string

	mu     sync.RWMutex
	client *mongo.Client
}

// New validates uri and returns an unopened store.
func New(uri string, maxPool uint64, appName string) (*Store, error) {
	uri = strings.TrimSpace(uri)
	opts := options.Client().ApplyURI(uri)
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("mongodb: %w", err)
	}
	if maxPool == 0 {
		maxPool = DefaultMaxPoolSize
	}
	opts.SetMaxPoolSize(maxPool).SetMinPoolSize(10)
	if appName != "" {
		opts.SetAppName(appName)
	}
	db := Database
	if cs, err := parseDatabase(uri); err == nil && cs != "" {
		db = cs
	}
	return &Store{opts: opts, database: db}, nil
}

// DatabaseName returns the database records are written into.
func (s *Store) DatabaseName() string { return s.database }

func (s *Store) Connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, s.opts)
	if err != nil {
		return storage.Connection(name, "connect", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return storage.Connection(name, "connect", err)
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *Store) collection() *mongo.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil
	}
	return s.client.Database(s.database).Collection(Collection)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	if c == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	err := c.Database(s.database).RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err()
	return storage.Connection(name, "health", err)
}

// PrepareSchema drops the collection; the first upsert recreates it.
func (s *Store) PrepareSchema(ctx context.Context) error {
	coll := s.collection()
	if coll == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	return storage.Write(name, "prepare", "", coll.Drop(ctx))
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	coll := s.collection()
	if coll == nil {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	_, err := coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: key}},
		bson.D{{Key: "_id", Value: key}, {Key: "value", Value: value}},
		options.Replace().SetUpsert(true))
	return storage.Write(name, "write", key, err)
}

// ReadRecord fetches the document whose _id is key.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	coll := s.collection()
	if coll == nil {
		return "", storage.Read(name, key, storage.ErrNotConnected)
	}
	var doc struct {
		Value string `bson:"value"`
	}
	err := coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		err = storage.ErrNotFound
	}
	return doc.Value, storage.Read(name, key, err)
}

func (s *Store) Close() error {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Disconnect(context.Background())
}

// parseDatabase extracts the database path segment of a mongodb:// URI.
func parseDatabase(uri string) (string, error) {
	_, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return "", fmt.Errorf("missing scheme in %q", uri)
	}
	_, path, ok := strings.Cut(rest, "/")
	if !ok {
		return "", nil
	}
	path, _, _ = strings.Cut(path, "?")
	return strings.Trim(path, "/"), nil
}
