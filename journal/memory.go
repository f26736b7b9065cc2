package journal

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store in process memory with a per-store TTL.
type MemoryStore struct {
	ttl     time.Duration
	nowFunc func() time.Time

	mu     sync.RWMutex
	data   map[string]*memoryEntry
	closed atomic.Bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type memoryEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.nowFunc = now
	}
}

// NewMemoryStore creates a store whose entries expire after ttl (0 = never).
// Expired entries are invisible immediately and purged every second.
func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		ttl:           ttl,
		nowFunc:       time.Now,
		data:          make(map[string]*memoryEntry),
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// Get retrieves a copy of the value stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || e.expired(s.nowFunc()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Put stores a copy of value.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	e := &memoryEntry{value: append([]byte(nil), value...)}
	if s.ttl > 0 {
		e.expires = s.nowFunc().Add(s.ttl)
	}

	s.mu.Lock()
	s.data[key] = e
	s.mu.Unlock()
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys returns live keys with prefix in sorted order.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowFunc()
	keys := make([]string, 0, len(s.data))
	for key, e := range s.data {
		if strings.HasPrefix(key, prefix) && !e.expired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close stops the cleanup loop. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cleanupTicker.Stop()
	close(s.done)
	return nil
}
