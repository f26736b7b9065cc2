package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBus implements Bus with in-memory channels for hook tests.
type MemoryBus struct {
	bufferSize int

	mu     sync.RWMutex
	subs   []*memorySub
	closed atomic.Bool
}

type memorySub struct {
	pattern string
	ch      chan *Message
	once    sync.Once
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory bus. Subscribers whose buffer is
// full miss messages rather than block publishers.
func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MemoryBus{bufferSize: bufferSize}
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(ctx context.Context, msg *Message) error {
	if err := validatePublish(msg.Subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !MatchSubject(sub.pattern, msg.Subject) {
			continue
		}
		select {
		case sub.ch <- copyMessage(msg):
		default:
		}
	}
	return nil
}

// Subscribe creates a subscription for pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	if err := ValidateSubject(pattern); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: pattern,
		ch:      make(chan *Message, b.bufferSize),
		bus:     b,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	for i, other := range s.bus.subs {
		if other == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
	return nil
}

func copyMessage(msg *Message) *Message {
	out := &Message{
		Subject: msg.Subject,
		Data:    append([]byte(nil), msg.Data...),
	}
	if msg.Header != nil {
		out.Header = make(map[string]string, len(msg.Header))
		for k, v := range msg.Header {
			out.Header[k] = v
		}
	}
	return out
}
