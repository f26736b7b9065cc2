package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muryk/ttbridge/dispatcher"
	"github.com/muryk/ttbridge/transport"
)

func startServer(t *testing.T, h Handler) (*WebSocketServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := transport.DefaultWebSocketConfig()
	cfg.PingInterval = 0
	s := NewWebSocketServer(New(h), ln.Addr().String(), "/bridge", cfg, nil)

	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
		<-served
	})
	return s, "ws://" + ln.Addr().String() + "/bridge"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id int, method string) reply {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":`+jsonInt(id)+`,"method":"`+method+`"}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var r reply
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestWebSocketServer_SessionsAreIndependent(t *testing.T) {
	_, url := startServer(t, syncHandler{})

	a := dial(t, url)
	b := dial(t, url)

	ra := call(t, a, 1, "startTask")
	rb := call(t, b, 7, "listTasks")

	assert.Equal(t, float64(1), ra.ID)
	assert.Equal(t, dispatcher.StringResult("startTask"), *ra.Result)
	assert.Equal(t, float64(7), rb.ID)
	assert.Equal(t, dispatcher.StringResult("listTasks"), *rb.Result)
}

func TestWebSocketServer_ShutdownClosesSessions(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewWebSocketServer(New(syncHandler{}), ln.Addr().String(), "/bridge", transport.DefaultWebSocketConfig(), nil)

	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	conn := dial(t, "ws://"+ln.Addr().String()+"/bridge")
	call(t, conn, 1, "startTask")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-served)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocketServer_RejectsForeignOrigin(t *testing.T) {
	_, url := startServer(t, syncHandler{})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketServer_UnknownPath(t *testing.T) {
	_, url := startServer(t, syncHandler{})

	_, resp, err := websocket.DefaultDialer.Dial(strings.TrimSuffix(url, "/bridge")+"/other", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
