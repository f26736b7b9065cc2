package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/muryk/ttbridge/logging"
)

// Common errors.
var (
	ErrClosed       = errors.New("transport closed")
	ErrEmptyMessage = errors.New("empty outbound message")
)

// Transport provides bidirectional JSON-RPC message passing.
type Transport interface {
	// Recv returns channel for incoming messages.
	// Channel is closed when the input ends or the transport shuts down.
	Recv() <-chan *InboundMessage

	// Send queues a message for delivery.
	// Returns ErrClosed if transport is closed.
	Send(msg *OutboundMessage) error

	// Run starts the transport, blocks until ctx is cancelled or Close
	// is called. Queued messages are flushed before it returns.
	Run(ctx context.Context) error

	// Close initiates graceful shutdown.
	Close() error
}

// InboundMessage wraps an incoming JSON-RPC message.
type InboundMessage struct {
	// Request is set if this is a JSON-RPC request (has ID).
	Request *Request

	// Notification is set if this is a notification (no ID).
	Notification *Notification

	// Raw contains the original bytes.
	Raw json.RawMessage
}

// OutboundMessage wraps an outgoing JSON-RPC message.
type OutboundMessage struct {
	// Response is set when replying to a request.
	Response *Response

	// Notification is set when sending an unsolicited notification.
	Notification *Notification
}

// ParseInbound parses raw JSON into an InboundMessage.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if raw.JSONRPC != Version {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}
	if raw.Method == "" {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "method is required"}
	}

	msg := &InboundMessage{Raw: data}

	// A present, non-null id makes it a request
	if len(raw.ID) > 0 && string(raw.ID) != "null" {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: err.Error()}
		}
		msg.Request = &req
	} else {
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: err.Error()}
		}
		msg.Notification = &notif
	}

	return msg, nil
}

// MarshalOutbound serializes an OutboundMessage to JSON.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	if msg == nil {
		return nil, ErrEmptyMessage
	}
	if msg.Response != nil {
		return json.Marshal(msg.Response)
	}
	if msg.Notification != nil {
		return json.Marshal(msg.Notification)
	}
	return nil, ErrEmptyMessage
}

// parseFailure builds the error response for input ParseInbound rejected,
// echoing the request id when it can still be read.
func parseFailure(raw []byte, parseErr error) *OutboundMessage {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(raw, &partial)

	var rpcErr *Error
	if !errors.As(parseErr, &rpcErr) {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}
	return ReplyError(partial.ID, rpcErr)
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal send buffer.
	// Default: 100
	SendBufferSize int

	// MaxMessageSize limits a single inbound message in bytes.
	// Default: 1MB
	MaxMessageSize int

	// Logger receives write failures and dropped input. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
		MaxMessageSize: 1024 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = d.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	return c
}

// queues holds the channel plumbing shared by every transport: a receive
// channel fed by one reader goroutine and a send queue drained by one
// writer goroutine.
type queues struct {
	recv   chan *InboundMessage
	send   chan *OutboundMessage
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newQueues(cfg Config) *queues {
	return &queues{
		recv: make(chan *InboundMessage, cfg.RecvBufferSize),
		send: make(chan *OutboundMessage, cfg.SendBufferSize),
		done: make(chan struct{}),
	}
}

// Recv returns the channel for incoming messages.
func (q *queues) Recv() <-chan *InboundMessage {
	return q.recv
}

// Send queues a message for delivery.
func (q *queues) Send(msg *OutboundMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.send <- msg:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// shut marks the queues closed. It reports whether this call closed them.
func (q *queues) shut() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.closed = true
	close(q.done)
	return true
}

// deliver hands msg to Recv. It returns false once the transport stops.
func (q *queues) deliver(ctx context.Context, msg *InboundMessage) bool {
	select {
	case q.recv <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	}
}

// writeLoop drains the send queue through write until shutdown, then
// flushes what is left. tick may be nil.
func (q *queues) writeLoop(ctx context.Context, tick <-chan time.Time, onTick func(), write func(*OutboundMessage)) {
	for {
		select {
		case <-ctx.Done():
			q.drain(write)
			return
		case <-q.done:
			q.drain(write)
			return
		case <-tick:
			onTick()
		case msg := <-q.send:
			write(msg)
		}
	}
}

func (q *queues) drain(write func(*OutboundMessage)) {
	for {
		select {
		case msg := <-q.send:
			write(msg)
		default:
			return
		}
	}
}
