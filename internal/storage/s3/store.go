// Package s3 writes one object per record to an S3-compatible bucket through
// the MinIO client.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/storebench/internal/storage"
)

const name = "s3"

// DefaultPrefix is used when the target URL names no prefix.
const DefaultPrefix = "storebench"

// Config controls the S3 backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// ParseURL reads s3://host[:port]/bucket[/prefix]?insecure=1&region=r&path_style=1.
func ParseURL(target string) (Config, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return Config{}, fmt.Errorf("s3: parse target: %w", err)
	}
	if u.Scheme != "s3" {
		return Config{}, fmt.Errorf("s3: target scheme must be s3://, got %q", u.Scheme)
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	q := u.Query()
	cfg := Config{
		Endpoint:       u.Host,
		Region:         q.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       boolParam(q.Get("insecure")),
		ForcePathStyle: q.Get("path_style") == "" || boolParam(q.Get("path_style")),
	}
	if cfg.Bucket == "" {
		return Config{}, errors.New("s3: target must name a bucket")
	}
	return cfg, nil
}

func boolParam(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Store implements storage.Backend on an S3-compatible object store.
type Store struct {
	cfg Config

	mu     sync.RWMutex
	client *minio.Client
}

// New validates cfg and returns an unopened store.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.Endpoint == "" {
		if cfg.Region != "" {
			cfg.Endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			cfg.Endpoint = "s3.amazonaws.com"
		}
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	return &Store{cfg: cfg}, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConns = 1024
	clone.MaxIdleConnsPerHost = 512
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	clone.ExpectContinueTimeout = time.Second
	return clone
}

func (s *Store) Connect(ctx context.Context) error {
	creds := s.cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	opts := &minio.Options{
		Creds:     creds,
		Secure:    !s.cfg.Insecure,
		Region:    s.cfg.Region,
		Transport: s.cfg.Transport,
	}
	if s.cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(s.cfg.Endpoint, opts)
	if err != nil {
		return storage.Connection(name, "connect", fmt.Errorf("create client: %w", err))
	}
	if _, err := client.BucketExists(ctx, s.cfg.Bucket); err != nil {
		return storage.Connection(name, "connect", fmt.Errorf("bucket %s: %w", s.cfg.Bucket, err))
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func (s *Store) handle() *minio.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Store) HealthCheck(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	_, err := c.BucketExists(ctx, s.cfg.Bucket)
	return storage.Connection(name, "health", err)
}

// PrepareSchema creates the bucket when missing and removes every object
// below the prefix.
func (s *Store) PrepareSchema(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	exists, err := c.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return storage.Write(name, "prepare", "", err)
	}
	if !exists {
		if err := c.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			return storage.Write(name, "prepare", "", fmt.Errorf("make bucket: %w", err))
		}
		return nil
	}
	objects := c.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: s.cfg.Prefix + "/", Recursive: true})
	for obj := range objects {
		if obj.Err != nil {
			return storage.Write(name, "prepare", "", fmt.Errorf("list: %w", obj.Err))
		}
		if err := c.RemoveObject(ctx, s.cfg.Bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return storage.Write(name, "prepare", "", fmt.Errorf("remove %s: %w", obj.Key, err))
		}
	}
	return nil
}

// ObjectKey maps a record key to its object name.
func (s *Store) ObjectKey(key string) string {
	return path.Join(s.cfg.Prefix, url.PathEscape(key))
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	c := s.handle()
	if c == nil {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	body := strings.NewReader(value)
	_, err := c.PutObject(ctx, s.cfg.Bucket, s.ObjectKey(key), body, int64(len(value)), minio.PutObjectOptions{
		ContentType: "text/plain; charset=utf-8",
	})
	return storage.Write(name, "write", key, err)
}

// ReadRecord downloads key's object. NoSuchKey maps to storage.ErrNotFound.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	c := s.handle()
	if c == nil {
		return "", storage.Read(name, key, storage.ErrNotConnected)
	}
	obj, err := c.GetObject(ctx, s.cfg.Bucket, s.ObjectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return "", storage.Read(name, key, notFound(err))
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return "", storage.Read(name, key, notFound(err))
	}
	return string(data), nil
}

func notFound(err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return storage.ErrNotFound
	}
	return err
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	if t, ok := s.cfg.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
