package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/muryk/ttbridge/logging"
)

// WebSocketTransport implements Transport over one WebSocket connection,
// one JSON-RPC message per text frame.
type WebSocketTransport struct {
	*queues

	conn   *websocket.Conn
	config WebSocketConfig
	logger *logging.Logger
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// ReadTimeout closes an idle connection (0 = no timeout). Pongs
	// extend the deadline, so it should exceed PingInterval.
	ReadTimeout time.Duration

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:       DefaultConfig(),
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// NewWebSocketTransport creates a transport from an established connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	cfg.Config = cfg.Config.withDefaults()
	conn.SetReadLimit(int64(cfg.MaxMessageSize))

	return &WebSocketTransport{
		queues: newQueues(cfg.Config),
		conn:   conn,
		config: cfg,
		logger: cfg.Logger.WithComponent("transport.websocket").WithTraceID(conn.RemoteAddr().String()),
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting bridge connections.
// A nil checkOrigin accepts same-origin requests only.
func NewWebSocketUpgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
}

// Run starts the transport, blocking until ctx is cancelled, Close is
// called or the peer goes away. The connection is closed on return.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		var tick <-chan time.Time
		if t.config.PingInterval > 0 {
			ticker := time.NewTicker(t.config.PingInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		t.writeLoop(ctx, tick, t.writePing, t.writeMessage)
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		t.readLoop(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-t.done:
	case <-readerDone:
	}

	t.shut()
	<-writerDone

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := t.conn.Close()
	<-readerDone
	if err != nil {
		t.logger.Debug("close_failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// Close initiates graceful shutdown. The connection itself is closed by
// Run once queued frames are flushed.
func (t *WebSocketTransport) Close() error {
	t.shut()
	return nil
}

// readLoop reads frames and hands parsed messages to Recv.
func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	if t.config.ReadTimeout > 0 {
		t.conn.SetPongHandler(func(string) error {
			return t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		})
	}

	for {
		if t.config.ReadTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("read_failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.logger.Warn("malformed_input", map[string]interface{}{"error": parseErr.Error()})
			_ = t.Send(parseFailure(data, parseErr))
			continue
		}

		if !t.deliver(ctx, msg) {
			return
		}
	}
}

// writePing sends a keepalive ping frame.
func (t *WebSocketTransport) writePing() {
	if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
		t.logger.Debug("ping_failed", map[string]interface{}{"error": err.Error()})
	}
}

// writeMessage serializes and writes a single frame.
func (t *WebSocketTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		t.logger.Error("marshal_failed", map[string]interface{}{"error": err.Error()})
		return
	}

	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Warn("write_failed", map[string]interface{}{"error": err.Error()})
	}
}
