package qdrant

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	qpb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"pkt.systems/storebench/internal/storage"
)

type fakeQdrant struct {
	mu      sync.Mutex
	exists  bool
	creates int
	points  map[string]map[string]string
}

type healthServer struct {
	qpb.UnimplementedQdrantServer
}

type collectionsServer struct {
	qpb.UnimplementedCollectionsServer
	*fakeQdrant
}

type pointsServer struct {
	qpb.UnimplementedPointsServer
	*fakeQdrant
}

func (healthServer) HealthCheck(context.Context, *qpb.HealthCheckRequest) (*qpb.HealthCheckReply, error) {
	return &qpb.HealthCheckReply{Title: "fake", Version: "test"}, nil
}

func (f collectionsServer) Delete(_ context.Context, req *qpb.DeleteCollection) (*qpb.CollectionOperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists {
		return nil, status.Error(codes.NotFound, "collection not found")
	}
	f.exists = false
	f.points = nil
	return &qpb.CollectionOperationResponse{Result: true}, nil
}

func (f collectionsServer) Create(_ context.Context, req *qpb.CreateCollection) (*qpb.CollectionOperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exists {
		return nil, status.Error(codes.AlreadyExists, "collection exists")
	}
	if req.GetVectorsConfig().GetParams().GetSize() != Dimensions {
		return nil, status.Error(codes.InvalidArgument, "bad size")
	}
	f.exists = true
	f.creates++
	f.points = make(map[string]map[string]string)
	return &qpb.CollectionOperationResponse{Result: true}, nil
}

func (f pointsServer) Upsert(_ context.Context, req *qpb.UpsertPoints) (*qpb.PointsOperationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists || req.GetCollectionName() != Collection {
		return nil, status.Error(codes.NotFound, "collection not found")
	}
	for _, p := range req.GetPoints() {
		payload := make(map[string]string)
		for k, v := range p.GetPayload() {
			payload[k] = v.GetStringValue()
		}
		f.points[p.GetId().GetUuid()] = payload
	}
	return &qpb.PointsOperationResponse{}, nil
}

func (f pointsServer) Get(_ context.Context, req *qpb.GetPoints) (*qpb.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists || req.GetCollectionName() != Collection {
		return nil, status.Error(codes.NotFound, "collection not found")
	}
	resp := &qpb.GetResponse{}
	for _, id := range req.GetIds() {
		payload, ok := f.points[id.GetUuid()]
		if !ok {
			continue
		}
		point := &qpb.RetrievedPoint{Id: id, Payload: map[string]*qpb.Value{}}
		for k, v := range payload {
			point.Payload[k] = &qpb.Value{Kind: &qpb.Value_StringValue{StringValue: v}}
		}
		resp.Result = append(resp.Result, point)
	}
	return resp, nil
}

func startFake(t *testing.T) (*Store, *fakeQdrant) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	fake := &fakeQdrant{}
	qpb.RegisterQdrantServer(srv, healthServer{})
	qpb.RegisterCollectionsServer(srv, collectionsServer{fakeQdrant: fake})
	qpb.RegisterPointsServer(srv, pointsServer{fakeQdrant: fake})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	s, err := New(Config{
		Target: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, fake
}

func TestPrepareAndUpsert(t *testing.T) {
	s, fake := startFake(t)
	ctx := context.Background()
	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := s.WriteRecord(ctx, "k", "v"); !storage.IsWrite(err) {
		t.Fatalf("expected write error without collection, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.PrepareSchema(ctx); err != nil {
			t.Fatalf("prepare #%d: %v", i+1, err)
		}
	}
	if err := s.WriteRecord(ctx, "user1", "alice"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.WriteRecord(ctx, "user1", "bob"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.creates != 2 || len(fake.points) != 1 {
		t.Fatalf("creates=%d points=%d", fake.creates, len(fake.points))
	}
	if got := fake.points[PointID("user1")]; got["key"] != "user1" || got["value"] != "bob" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestPointIDAndVectorAreDeterministic(t *testing.T) {
	if PointID("a") != PointID("a") || PointID("a") == PointID("b") {
		t.Fatal("point ids must be stable and distinct")
	}
	v1, v2 := Vector("x"), Vector("x")
	if len(v1) != Dimensions {
		t.Fatalf("vector length %d", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatal("vector not deterministic")
		}
	}
	if v1[0] <= 0 {
		t.Fatal("first component must keep the vector non-zero")
	}
}

func TestReadRecord(t *testing.T) {
	s, _ := startFake(t)
	ctx := context.Background()
	if _, err := s.ReadRecord(ctx, "user1"); !storage.IsRead(err) {
		t.Fatalf("expected read error without collection, got %v", err)
	}
	if err := s.PrepareSchema(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := s.WriteRecord(ctx, "user1", "alice"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, err := s.ReadRecord(ctx, "user1"); err != nil || got != "alice" {
		t.Fatalf("read = %q, %v", got, err)
	}
	if _, err := s.ReadRecord(ctx, "user2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
