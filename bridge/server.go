package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/muryk/ttbridge/logging"
	"github.com/muryk/ttbridge/transport"
)

// WebSocketServer accepts bridge sessions over WebSocket, one session per
// connection, all sharing one Bridge.
type WebSocketServer struct {
	bridge   *Bridge
	path     string
	config   transport.WebSocketConfig
	upgrader *websocket.Upgrader
	logger   *logging.Logger
	http     *http.Server

	// sessions outlive the upgrade request; Shutdown cancels them.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWebSocketServer creates a server for addr that upgrades requests on
// path. checkOrigin may be nil to accept same-origin clients only.
func NewWebSocketServer(b *Bridge, addr, path string, cfg transport.WebSocketConfig, checkOrigin func(*http.Request) bool) *WebSocketServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketServer{
		bridge:   b,
		path:     path,
		config:   cfg,
		upgrader: transport.NewWebSocketUpgrader(checkOrigin),
		logger:   b.logger.WithComponent("bridge.websocket"),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving the bridge path.
func (s *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.serveSession)
	return otelhttp.NewHandler(mux, "bridge.upgrade")
}

// ListenAndServe blocks until Shutdown. It returns nil after a clean
// shutdown.
func (s *WebSocketServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *WebSocketServer) Serve(ln net.Listener) error {
	s.logger.Info("listening", map[string]interface{}{
		"addr": ln.Addr().String(),
		"path": s.path,
	})
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, ends every open session and waits
// for them to flush their queued replies.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WebSocketServer) serveSession(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	if s.baseCtx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("upgrade_failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	if err := s.bridge.Serve(s.baseCtx, transport.NewWebSocketTransport(conn, s.config)); err != nil {
		s.logger.Warn("session_failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
	}
}
