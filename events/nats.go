package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/muryk/ttbridge/logging"
)

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// Logger receives connection state changes.
	Logger *logging.Logger
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "ttbridge",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Connect opens a NATS connection. The connection is shared by the event
// bus and the JetStream journal.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// buildNATSOptions constructs NATS connection options from config.
func buildNATSOptions(cfg NATSConfig) []nats.Option {
	d := DefaultNATSConfig()
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = d.ReconnectWait
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	if logger := cfg.Logger; logger != nil {
		logger = logger.WithComponent("nats")
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				fields := map[string]interface{}{}
				if err != nil {
					fields["error"] = err.Error()
				}
				logger.Warn("disconnected", fields)
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("reconnected", map[string]interface{}{"url": c.ConnectedUrl()})
			}),
		)
	}

	return opts
}

// NATSBus implements Bus on a NATS connection.
type NATSBus struct {
	conn       *nats.Conn
	bufferSize int
	owned      bool
}

// NewNATSBus wraps an existing connection. Close leaves conn open.
func NewNATSBus(conn *nats.Conn, bufferSize int) (*NATSBus, error) {
	if conn == nil {
		return nil, errors.New("nats connection required")
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &NATSBus{conn: conn, bufferSize: bufferSize}, nil
}

// DialNATSBus connects and returns a bus that owns the connection.
func DialNATSBus(cfg NATSConfig) (*NATSBus, error) {
	conn, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	b, _ := NewNATSBus(conn, 0)
	b.owned = true
	return b, nil
}

// Publish sends a message with its headers. It does not wait for the
// server: NATS core publishing is fire-and-forget.
func (b *NATSBus) Publish(ctx context.Context, msg *Message) error {
	if err := validatePublish(msg.Subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := nats.NewMsg(msg.Subject)
	m.Data = msg.Data
	for k, v := range msg.Header {
		m.Header.Set(k, v)
	}
	if err := b.conn.PublishMsg(m); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe creates a subscription for pattern.
func (b *NATSBus) Subscribe(pattern string) (Subscription, error) {
	if err := ValidateSubject(pattern); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	sub := &natsSubscription{ch: make(chan *Message, b.bufferSize)}
	natsSub, err := b.conn.Subscribe(pattern, sub.deliver)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	sub.sub = natsSub
	return sub, nil
}

// Close drains the connection when the bus owns it.
func (b *NATSBus) Close() error {
	if b.owned {
		return b.conn.Drain()
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

// deliver runs on the NATS dispatch goroutine and may race Unsubscribe.
func (s *natsSubscription) deliver(m *nats.Msg) {
	msg := &Message{Subject: m.Subject, Data: m.Data}
	if len(m.Header) > 0 {
		msg.Header = make(map[string]string, len(m.Header))
		for k := range m.Header {
			msg.Header[k] = m.Header.Get(k)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

func (s *natsSubscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	return s.sub.Unsubscribe()
}
