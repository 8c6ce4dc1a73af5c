// Package aws writes one object per record to Amazon S3 with the AWS SDK v2.
package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/storebench/internal/storage"
)

const name = "aws"

// DefaultPrefix is used when the target names no prefix.
const DefaultPrefix = "storebench"

// Config controls the AWS S3 backend.
type Config struct {
	// Endpoint overrides the regional endpoint, e.g. for S3-compatible stores.
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
}

// ParseURL reads aws://bucket[/prefix]?region=r&endpoint=host:port&insecure=1&path_style=1.
// The region falls back to AWS_REGION, then us-east-1.
func ParseURL(target string) (Config, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return Config{}, fmt.Errorf("aws: parse target: %w", err)
	}
	if u.Scheme != "aws" {
		return Config{}, fmt.Errorf("aws: target scheme must be aws://, got %q", u.Scheme)
	}
	q := u.Query()
	cfg := Config{
		Endpoint:       q.Get("endpoint"),
		Region:         q.Get("region"),
		Bucket:         u.Host,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       boolParam(q.Get("insecure")),
		ForcePathStyle: boolParam(q.Get("path_style")),
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Bucket == "" {
		return Config{}, errors.New("aws: target must name a bucket")
	}
	return cfg, nil
}

func boolParam(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Store implements storage.Backend on Amazon S3.
type Store struct {
	cfg       Config
	transport *http.Transport

	mu     sync.RWMutex
	client *s3.Client
}

// New validates cfg and returns an unopened store.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	return &Store{cfg: cfg, transport: defaultTransport(cfg.Insecure)}, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

func defaultTransport(insecure bool) *http.Transport {
	clone := http.DefaultTransport.(*http.Transport).Clone()
	clone.MaxIdleConns = 1024
	clone.MaxIdleConnsPerHost = 512
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	clone.ExpectContinueTimeout = time.Second
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

func (s *Store) Connect(ctx context.Context) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(s.cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: s.transport}),
	)
	if err != nil {
		return storage.Connection(name, "connect", fmt.Errorf("load config: %w", err))
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = s.cfg.ForcePathStyle
		if s.cfg.Endpoint == "" {
			return
		}
		endpoint := s.cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "https"
			if s.cfg.Insecure {
				scheme = "http"
			}
			endpoint = scheme + "://" + endpoint
		}
		o.BaseEndpoint = aws.String(endpoint)
	})
	if err := headBucket(ctx, client, s.cfg.Bucket); err != nil && !isNotFound(err) {
		return storage.Connection(name, "connect", err)
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

func headBucket(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	return err
}

func isNotFound(err error) bool {
	var nsb *types.NoSuchBucket
	var nf *types.NotFound
	if errors.As(err, &nsb) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

func (s *Store) handle() *s3.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Store) HealthCheck(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	if err := headBucket(ctx, c, s.cfg.Bucket); err != nil && !isNotFound(err) {
		return storage.Connection(name, "health", err)
	}
	return nil
}

// PrepareSchema creates the bucket when missing and deletes every object
// below the prefix.
func (s *Store) PrepareSchema(ctx context.Context) error {
	c := s.handle()
	if c == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	if err := headBucket(ctx, c, s.cfg.Bucket); err != nil {
		if !isNotFound(err) {
			return storage.Write(name, "prepare", "", err)
		}
		input := &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)}
		if s.cfg.Region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
			}
		}
		if _, err := c.CreateBucket(ctx, input); err != nil {
			return storage.Write(name, "prepare", "", fmt.Errorf("create bucket: %w", err))
		}
		return nil
	}
	pager := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix + "/"),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return storage.Write(name, "prepare", "", fmt.Errorf("list: %w", err))
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: obj.Key}); err != nil {
				return storage.Write(name, "prepare", "", fmt.Errorf("delete %s: %w", aws.ToString(obj.Key), err))
			}
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
	_, err := c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.ObjectKey(key)),
		Body:          strings.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
		ContentType:   aws.String("text/plain; charset=utf-8"),
	})
	return storage.Write(name, "write", key, err)
}

// ReadRecord downloads key's object. NoSuchKey maps to storage.ErrNotFound.
func (s *Store) ReadRecord(ctx context.Context, key string) (string, error) {
	c := s.handle()
	if c == nil {
		return "", storage.Read(name, key, storage.ErrNotConnected)
	}
	out, err := c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.ObjectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || isNotFound(err) {
			err = storage.ErrNotFound
		}
		return "", storage.Read(name, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	return string(data), storage.Read(name, key, err)
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	s.transport.CloseIdleConnections()
	return nil
}
