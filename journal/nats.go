package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store using a NATS JetStream KV bucket. Expiry is
// bucket-wide: every entry lives for the bucket TTL.
type NATSStore struct {
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// TTL is the bucket-wide entry lifetime (0 = keep forever).
	TTL time.Duration

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// OpTimeout bounds each KV call that has no deadline of its own.
	// Default: 5s
	OpTimeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "ttbridge-tasks",
		TTL:          24 * time.Hour,
		History:      1,
		MaxValueSize: 1024 * 1024,
		OpTimeout:    5 * time.Second,
	}
}

// NewNATSStore creates or updates the bucket and returns a store on it.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, errors.New("nats connection required")
	}
	d := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = d.Bucket
	}
	if cfg.History <= 0 {
		cfg.History = d.History
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = d.MaxValueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = d.OpTimeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		Description:  "ttbridge finished tasks",
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return &NATSStore{kv: kv, config: cfg}, nil
}

func (s *NATSStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

// Get retrieves a value by key.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return entry.Value(), nil
}

// Put stores a value.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys returns every key with prefix.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Close marks the store closed. The connection is left to its owner.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}
