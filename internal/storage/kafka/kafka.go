// Package kafka produces each record as a keyed message to a benchmark topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"pkt.systems/storebench/internal/storage"
)

const name = "kafka"

// Topic is deleted and recreated by PrepareSchema.
const Topic = "benchmark_topic"

// Config configures the Kafka backend.
type Config struct {
	Brokers    []string
	ClientID   string
	Partitions int
	// Settle is waited after topic deletion while the controller catches up.
	Settle  time.Duration
	Timeout time.Duration
}

// Store implements storage.Backend with a synchronous kafka-go Writer.
type Store struct {
	cfg       Config
	transport *kafka.Transport

	mu     sync.RWMutex
	client *kafka.Client
	writer *kafka.Writer
}

// ParseBrokers splits a comma separated broker list, dropping any
// kafka:// scheme.
func ParseBrokers(target string) []string {
	var out []string
	for _, b := range strings.Split(target, ",") {
		if b = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(b), "kafka://")); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// New validates cfg and returns an unopened store.
func New(cfg Config) (*Store, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 8
	}
	if cfg.Settle <= 0 {
		cfg.Settle = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Store{
		cfg: cfg,
		transport: &kafka.Transport{
			ClientID:    cfg.ClientID,
			DialTimeout: cfg.Timeout,
		},
	}, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) Connect(ctx context.Context) error {
	client := &kafka.Client{
		Addr:      kafka.TCP(s.cfg.Brokers...),
		Timeout:   s.cfg.Timeout,
		Transport: s.transport,
	}
	if err := s.metadata(ctx, client); err != nil {
		return storage.Connection(name, "connect", err)
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(s.cfg.Brokers...),
		Topic:        Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Lz4,
		WriteTimeout: s.cfg.Timeout,
		Transport:    s.transport,
	}
	s.mu.Lock()
	s.client, s.writer = client, writer
	s.mu.Unlock()
	return nil
}

func (s *Store) metadata(ctx context.Context, client *kafka.Client) error {
	resp, err := client.Metadata(ctx, &kafka.MetadataRequest{})
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if len(resp.Brokers) == 0 {
		return errors.New("metadata: no brokers available")
	}
	return nil
}

func (s *Store) handles() (*kafka.Client, *kafka.Writer) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.writer
}

func (s *Store) HealthCheck(ctx context.Context) error {
	client, _ := s.handles()
	if client == nil {
		return storage.Connection(name, "health", storage.ErrNotConnected)
	}
	return storage.Connection(name, "health", s.metadata(ctx, client))
}

// PrepareSchema deletes Topic and recreates it with cfg.Partitions
// partitions. Creation is retried while the broker still reports the
// deleted topic.
func (s *Store) PrepareSchema(ctx context.Context) error {
	client, _ := s.handles()
	if client == nil {
		return storage.Write(name, "prepare", "", storage.ErrNotConnected)
	}
	del, err := client.DeleteTopics(ctx, &kafka.DeleteTopicsRequest{Topics: []string{Topic}})
	if err != nil {
		return storage.Write(name, "prepare", "", fmt.Errorf("delete topic: %w", err))
	}
	if err := del.Errors[Topic]; err != nil && !errors.Is(err, kafka.UnknownTopicOrPartition) {
		return storage.Write(name, "prepare", "", fmt.Errorf("delete topic: %w", err))
	}
	for attempt := 0; attempt < 10; attempt++ {
		if err := sleep(ctx, s.cfg.Settle); err != nil {
			return storage.Write(name, "prepare", "", err)
		}
		resp, err := client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
			Topics: []kafka.TopicConfig{{
				Topic:             Topic,
				NumPartitions:     s.cfg.Partitions,
				ReplicationFactor: 1,
			}},
		})
		if err != nil {
			return storage.Write(name, "prepare", "", fmt.Errorf("create topic: %w", err))
		}
		err = resp.Errors[Topic]
		if err == nil {
			return nil
		}
		if !errors.Is(err, kafka.TopicAlreadyExists) {
			return storage.Write(name, "prepare", "", fmt.Errorf("create topic: %w", err))
		}
	}
	return storage.Write(name, "prepare", "", fmt.Errorf("create topic: %w", kafka.TopicAlreadyExists))
}

func (s *Store) WriteRecord(ctx context.Context, key, value string) error {
	_, w := s.handles()
	if w == nil {
		return storage.Write(name, "write", key, storage.ErrNotConnected)
	}
	err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: []byte(value)})
	return storage.Write(name, "write", key, err)
}

func (s *Store) Close() error {
	s.mu.Lock()
	w := s.writer
	s.client, s.writer = nil, nil
	s.mu.Unlock()
	var err error
	if w != nil {
		err = w.Close()
	}
	s.transport.CloseIdleConnections()
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
