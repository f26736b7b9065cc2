package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muryk/ttbridge/dispatcher"
	"github.com/muryk/ttbridge/executor"
	"github.com/muryk/ttbridge/tasks"
	"github.com/muryk/ttbridge/transport"
)

// reply is a decoded JSON-RPC response as the host sees it.
type reply struct {
	ID     interface{}        `json:"id"`
	Result *dispatcher.Result `json:"result"`
	Error  *transport.Error   `json:"error"`
}

// host drives a bridge session over in-memory stdio pipes.
type host struct {
	t      *testing.T
	in     *io.PipeWriter
	out    *bufio.Reader
	outEnd *io.PipeReader
	done   chan error
}

func startHost(t *testing.T, b *Bridge) *host {
	t.Helper()
	hostRead, bridgeWrite := io.Pipe()
	bridgeRead, hostWrite := io.Pipe()

	h := &host{
		t:      t,
		in:     hostWrite,
		out:    bufio.NewReader(hostRead),
		outEnd: hostRead,
		done:   make(chan error, 1),
	}

	tr := transport.NewStdioTransport(bridgeRead, bridgeWrite, transport.DefaultConfig())
	go func() {
		h.done <- b.Serve(context.Background(), tr)
	}()
	t.Cleanup(func() {
		hostWrite.Close()
		hostRead.Close()
	})
	return h
}

func (h *host) send(id int, method string, params string) {
	h.t.Helper()
	line := `{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"method":"` + method + `"`
	if params != "" {
		line += `,"params":` + params
	}
	line += "}\n"
	_, err := h.in.Write([]byte(line))
	require.NoError(h.t, err)
}

func (h *host) sendRaw(line string) {
	h.t.Helper()
	_, err := h.in.Write([]byte(line + "\n"))
	require.NoError(h.t, err)
}

func (h *host) read() reply {
	h.t.Helper()
	lines := make(chan []byte, 1)
	errs := make(chan error, 1)
	go func() {
		line, err := h.out.ReadBytes('\n')
		if err != nil {
			errs <- err
			return
		}
		lines <- line
	}()

	select {
	case line := <-lines:
		var r reply
		require.NoError(h.t, json.Unmarshal(line, &r), string(line))
		return r
	case err := <-errs:
		h.t.Fatalf("read reply: %v", err)
	case <-time.After(3 * time.Second):
		h.t.Fatal("timeout waiting for reply")
	}
	return reply{}
}

// readN collects n replies keyed by numeric id.
func (h *host) readN(n int) map[int]reply {
	h.t.Helper()
	got := make(map[int]reply, n)
	for i := 0; i < n; i++ {
		r := h.read()
		id, ok := r.ID.(float64)
		require.True(h.t, ok, "reply without numeric id: %v", r.ID)
		got[int(id)] = r
	}
	return got
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func newDispatcher(t *testing.T, baseURL string) *dispatcher.Dispatcher {
	t.Helper()
	exec, err := executor.New(executor.Config{BaseURL: baseURL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	return dispatcher.New(tasks.NewRegistry(), exec)
}

func TestBridge_TimelineRoundTrip(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.1/statuses/user_timeline.json", r.URL.Path)
		assert.Equal(t, "alice", r.URL.Query().Get("screen_name"))
		w.Write([]byte(`[{"id":1,"text":"hello"}]`))
	}))
	defer api.Close()

	h := startHost(t, New(newDispatcher(t, api.URL+"/1.1")))

	h.send(1, dispatcher.MethodStartTask, "")
	started := h.read()
	require.NotNil(t, started.Result)
	assert.Equal(t, dispatcher.StringResult("Task1"), *started.Result)

	h.send(2, dispatcher.MethodGetTimeline, `{"taskIdentifier":"Task1","userName":"alice"}`)
	r := h.read()
	assert.Equal(t, float64(2), r.ID)
	require.NotNil(t, r.Result)
	assert.Equal(t, dispatcher.KindJSON, r.Result.Kind)
	assert.JSONEq(t, `[{"id":1,"text":"hello"}]`, r.Result.Value)
}

func TestBridge_CancelInFlight(t *testing.T) {
	arrived := make(chan struct{})
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	defer api.Close()

	h := startHost(t, New(newDispatcher(t, api.URL)))

	h.send(1, dispatcher.MethodGetTimeline, `{"taskIdentifier":"T1","userName":"alice"}`)
	select {
	case <-arrived:
	case <-time.After(3 * time.Second):
		t.Fatal("request never reached the API")
	}
	h.send(2, dispatcher.MethodCancelTask, `{"taskIdentifier":"T1"}`)

	got := h.readN(2)
	assert.Equal(t, dispatcher.ErrorResult("task cancelled"), *got[1].Result)
	assert.Equal(t, dispatcher.StringResult("The task 'T1' has been cancelled"), *got[2].Result)

	h.send(3, dispatcher.MethodCancelTask, `{"taskIdentifier":"T1"}`)
	assert.Equal(t,
		dispatcher.StringResult("The task 'T1' has NOT been cancelled: not found in the task pool"),
		*h.read().Result)
}

func TestBridge_ErrorsAreResults(t *testing.T) {
	h := startHost(t, New(newDispatcher(t, "http://127.0.0.1:1")))

	h.send(1, "frobnicate", "")
	assert.Equal(t, dispatcher.ErrorResult("Unsupported method frobnicate"), *h.read().Result)

	h.send(2, dispatcher.MethodGetTimeline, `{"taskIdentifier":"T1","userName":"al ice"}`)
	assert.Equal(t, dispatcher.ErrorResult("No spaces are allowed for the user name"), *h.read().Result)

	h.send(3, dispatcher.MethodGetTimeline, `[1,2]`)
	assert.Equal(t, dispatcher.ErrorResult("Bad arguments: not an object"), *h.read().Result)
}

func TestBridge_ProtocolErrorsAndNotifications(t *testing.T) {
	h := startHost(t, New(newDispatcher(t, "http://127.0.0.1:1")))

	h.sendRaw(`{"jsonrpc":"2.0","method":"startTask"}`)
	h.sendRaw(`{not json`)

	r := h.read()
	assert.Nil(t, r.ID)
	assert.Nil(t, r.Result)
	require.NotNil(t, r.Error)
	assert.Equal(t, transport.ParseError, r.Error.Code)

	// The notification produced no reply and no task id was consumed.
	h.send(4, dispatcher.MethodStartTask, "")
	assert.Equal(t, dispatcher.StringResult("Task1"), *h.read().Result)
}

func TestBridge_ServeEndsAtEOF(t *testing.T) {
	var out lockedBuffer
	input := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"startTask"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"getPlatformVersion"}` + "\n",
	)
	b := New(newDispatcher(t, "http://127.0.0.1:1"))

	done := make(chan error, 1)
	go func() {
		done <- b.Serve(context.Background(), transport.NewStdioTransport(input, &out, transport.DefaultConfig()))
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return at end of input")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestBridge_ServeStopsOnContextCancel(t *testing.T) {
	bridgeRead, hostWrite := io.Pipe()
	defer hostWrite.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(newDispatcher(t, "http://127.0.0.1:1")).Serve(ctx,
			transport.NewStdioTransport(bridgeRead, io.Discard, transport.DefaultConfig()))
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

// syncHandler answers every command synchronously with its method name.
type syncHandler struct{}

func (syncHandler) Dispatch(_ context.Context, method string, _ json.RawMessage, respond dispatcher.Responder) {
	respond(dispatcher.StringResult(method))
}

func TestBridge_RepliesAfterInputEnds(t *testing.T) {
	delayed := handlerFunc(func(_ context.Context, method string, _ json.RawMessage, respond dispatcher.Responder) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			respond(dispatcher.StringResult(method))
		}()
	})

	input := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"getTimeline"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"getTimeline"}` + "\n",
	)
	var out lockedBuffer
	err := New(delayed).Serve(context.Background(), transport.NewStdioTransport(input, &out, transport.DefaultConfig()))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	ids := map[float64]bool{}
	for _, line := range lines {
		var r reply
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		require.NotNil(t, r.Result)
		ids[r.ID.(float64)] = true
	}
	assert.Equal(t, map[float64]bool{1: true, 2: true}, ids)
}

func TestBridge_TimelineResultAfterInputEnds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	input := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"getTimeline","params":{"taskIdentifier":"Task1","userName":"alice"}}` + "\n",
	)
	var out lockedBuffer
	err := New(newDispatcher(t, srv.URL)).Serve(context.Background(),
		transport.NewStdioTransport(input, &out, transport.DefaultConfig()))
	require.NoError(t, err)

	var r reply
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &r))
	assert.Equal(t, float64(1), r.ID)
	require.NotNil(t, r.Result)
	assert.Equal(t, dispatcher.KindJSON, r.Result.Kind)
	assert.JSONEq(t, `[{"id":1}]`, r.Result.Value)
}

func TestBridge_ReplyAfterCancelIsDropped(t *testing.T) {
	var (
		mu      sync.Mutex
		pending dispatcher.Responder
	)
	deferred := handlerFunc(func(_ context.Context, _ string, _ json.RawMessage, respond dispatcher.Responder) {
		mu.Lock()
		pending = respond
		mu.Unlock()
	})

	input := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"getTimeline"}` + "\n")
	var out lockedBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- New(deferred).Serve(ctx, transport.NewStdioTransport(input, &out, transport.DefaultConfig()))
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pending != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	mu.Lock()
	respond := pending
	mu.Unlock()

	// Must not panic or block once the transport is closed.
	respond(dispatcher.StringResult("late"))
	assert.Empty(t, out.String())
}

type handlerFunc func(ctx context.Context, method string, params json.RawMessage, respond dispatcher.Responder)

func (f handlerFunc) Dispatch(ctx context.Context, method string, params json.RawMessage, respond dispatcher.Responder) {
	f(ctx, method, params, respond)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
