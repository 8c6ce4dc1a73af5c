// Package qdrant upserts one point per record into a Qdrant collection over
// gRPC. The point id is a name-based UUID of the key, the vector is a small
// digest of the value, and both strings ride along in the payload.
package qdrant

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	qpb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"pkt.systems/storebench/internal/storage"
)

const name = "qdrant"

// Collection is deleted and recreated by PrepareSchema.
const Collection = "benchmark"

// Dimensions is the vector size of every point.
const Dimensions = 8

// Config configures the Qdrant backend.
type Config struct {
	// Target is the gRPC address, e.g. 127.0.0.1:6334.
	Target string
	// DialOptions are appended to the insecure transport default.
	DialOptions []grpc.DialOption
}

// Store implements storage.Backend with the Qdrant gRPC API.
type Store struct {
	cfg Config

	mu          sync.RWMutex
	conn        *grpc.ClientConn
	collections qpb.CollectionsClient
	points      qpb.PointsClient
	service     qpb.QdrantClient
}

// New validates cfg and returns an unopened store.
func New(cfg Config) (*Store, error) {
	cfg.Target = strings.TrimPrefix(strings.TrimSpace(cfg.Target), "qdrant://")
	if cfg.Target == "" {
		return nil, errors.New("qdrant: target required")
	}
	return &Store{cfg: cfg}, nil
}

// PointID returns the deterministic point id for key.
func PointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("storebench:"+key)).String()
}

// Vector derives a non-zero unit-free vector of Dimensions floats from value.
func Vector(value string) []float32 {
	sum := sha256.Sum256([]byte(value))
	vec := make([]float32, Dimensions)
	for i := range vec {
		v := binary.BigEndian.Uint32(sum[i*4:])
		vec[i] = float32(v%2000)/1000 - 1
	}
	vec[0] += 2
	return vec
}

func (s *Store) Connect(ctx context.Context) error {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, s.cfg.DialOptions...)
	conn, err := grpc.NewClient(s.cfg.Target, opts...)
	if err != nil {
		return storage.Connection(name, "connect", err)
	}
	service := qpb.NewQdrantClient(conn)
	if _, err := service.HealthCheck(ctx, &qpb.HealthCheckRequest{}); err != nil {
		conn.Close()
		return storage.Connection(name, "connect", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.service = service
	s.collections = qpb.NewCollectionsClient(conn)
	s.points = qpb.NewPointsClient(conn)
	s.mu.Unlock()
	return nil
}

func (s *Store) clients() (qpb.QdrantClient, qpb.CollectionsClient, qpb.PointsClient) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service, s.collections, s.points
}

func (s *Store) HealthCheck(ctx context.Context) error {
	service, _, _ := s.clients()
	if service == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	_, err := service.HealthCheck(ctx, &qpb.HealthCheckRequest{})
	return storage.Connection(name, "health", err)
}

// PrepareSchema drops Collection if present and creates it again.
func (s *Store) PrepareSchema(ctx context.Context) error {
	_, collections, _ := s.clients()
	if collections == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	if _, err := collections.Delete(ctx, &qpb.DeleteCollection{CollectionName: Collection}); err != nil &&
		status.Code(err) != codes.NotFound {
		return storage.Write(name, "prepare", "", fmt.Errorf("delete collection: %w", err))
	}
	_, err := collections.Create(ctx, &qpb.CreateCollection{
		CollectionName: Collection,
		VectorsConfig: &qpb.VectorsConfig{
			Config: &qpb.VectorsConfig_Params{
				Params: &qpb.VectorParams{Size: Dimensions, Distance: qpb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return storage.Write(name, "prepare", "", fmt.Errorf("create collection: %w", err))
	}
	return nil
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	_, _, points := s.clients()
	if points == nil {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	wait := true
	_, err := points.Upsert(ctx, &qpb.UpsertPoints{
		CollectionName: Collection,
		Wait:           &wait,
		Points: []*qpb.PointStruct{{
			Id: &qpb.PointId{PointIdOptions: &qpb.PointId_Uuid{Uuid: PointID(key)}},
			Vectors: &qpb.Vectors{
				VectorsOptions: &qpb.Vectors_Vector{Vector: &qpb.Vector{Data: Vector(value)}},
			},
			Payload: map[string]*qpb.Value{
				"key":   {Kind: &qpb.Value_StringValue{StringValue: key}},
				"value": {Kind: &qpb.Value_StringValue{StringValue: value}},
			},
		}},
	})
	return storage.Write(name, "write", key, err)
}

// ReadRecord retrieves key's point and returns the value payload.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	_, _, points := s.clients()
	if points == nil {
		return "", storage.Read(name, key, storage.ErrNotConnected)
	}
	resp, err := points.Get(ctx, &qpb.GetPoints{
		CollectionName: Collection,
		Ids:            []*qpb.PointId{{PointIdOptions: &qpb.PointId_Uuid{Uuid: PointID(key)}}},
		WithPayload:    &qpb.WithPayloadSelector{SelectorOptions: &qpb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return "", storage.Read(name, key, err)
	}
	if len(resp.GetResult()) == 0 {
		return "", storage.Read(name, key, storage.ErrNotFound)
	}
	return resp.GetResult()[0].GetPayload()["value"].GetStringValue(), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn, s.service, s.collections, s.points = nil, nil, nil, nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
