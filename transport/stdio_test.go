package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedBuffer is a bytes.Buffer safe to read while the writer loop runs.
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

func recvOne(t *testing.T, tr Transport) *InboundMessage {
	t.Helper()
	select {
	case msg, ok := <-tr.Recv():
		require.True(t, ok, "receive channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

// --- Unit Tests ---

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantCode int
		wantReq  bool
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"getTimeline","params":{"userName":"alice"}}`, 0, true},
		{"string id", `{"jsonrpc":"2.0","id":"a","method":"startTask"}`, 0, true},
		{"notification", `{"jsonrpc":"2.0","method":"ping"}`, 0, false},
		{"null id is notification", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, 0, false},
		{"invalid json", `{invalid json}`, ParseError, false},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"startTask"}`, InvalidRequest, false},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, InvalidRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseInbound([]byte(tt.data))
			if tt.wantCode != 0 {
				var rpcErr *Error
				require.ErrorAs(t, err, &rpcErr)
				assert.Equal(t, tt.wantCode, rpcErr.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantReq, msg.Request != nil)
			assert.Equal(t, !tt.wantReq, msg.Notification != nil)
			assert.JSONEq(t, tt.data, string(msg.Raw))
		})
	}
}

func TestParseInbound_RequestFields(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"jsonrpc":"2.0","id":1,"method":"cancelTask","params":{"taskIdentifier":"Task1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "cancelTask", msg.Request.Method)
	assert.Equal(t, float64(1), msg.Request.ID)
	assert.JSONEq(t, `{"taskIdentifier":"Task1"}`, string(msg.Request.Params))
}

func TestMarshalOutbound(t *testing.T) {
	data, err := MarshalOutbound(Reply(3, map[string]string{"string": "Task1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":3,"result":{"string":"Task1"}}`, string(data))

	data, err = MarshalOutbound(ReplyError(nil, &Error{Code: ParseError, Message: "Parse error"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, string(data))

	data, err = MarshalOutbound(Notify("taskFinished", map[string]string{"task": "Task1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"taskFinished","params":{"task":"Task1"}}`, string(data))

	_, err = MarshalOutbound(&OutboundMessage{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = MarshalOutbound(nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestError_Error(t *testing.T) {
	assert.Equal(t, "jsonrpc -32600: Invalid Request", (&Error{Code: InvalidRequest, Message: "Invalid Request"}).Error())
	assert.Equal(t, "jsonrpc -32700: Parse error (eof)", (&Error{Code: ParseError, Message: "Parse error", Data: "eof"}).Error())
}

// --- Integration Tests ---

func TestStdioTransport_RoundTrip(t *testing.T) {
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	tr := NewStdioTransport(serverRead, serverWrite, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, tr.Run(ctx))
	}()

	req := Request{JSONRPC: Version, ID: 1, Method: "startTask"}
	reqData, err := json.Marshal(req)
	require.NoError(t, err)
	go clientWrite.Write(append(reqData, '\n'))

	msg := recvOne(t, tr)
	require.NotNil(t, msg.Request)
	assert.Equal(t, "startTask", msg.Request.Method)

	require.NoError(t, tr.Send(Reply(msg.Request.ID, map[string]string{"string": "Task1"})))

	line, err := bufio.NewReader(clientRead).ReadBytes('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"string":"Task1"}}`, string(line))

	cancel()
	clientWrite.Close()
	clientRead.Close()
	wg.Wait()
}

func TestStdioTransport_RecvClosesAtEOF(t *testing.T) {
	input := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"m1"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"m2"}` + "\n" +
			`{"jsonrpc":"2.0","id":3,"method":"m3"}` + "\n",
	)
	tr := NewStdioTransport(input, io.Discard, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go tr.Run(ctx)

	var methods []string
	for msg := range tr.Recv() {
		methods = append(methods, msg.Request.Method)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, methods)
}

func TestStdioTransport_CloseFlushesQueuedSends(t *testing.T) {
	out := &lockedBuffer{}
	tr := NewStdioTransport(strings.NewReader(""), out, DefaultConfig())

	for i := 1; i <= 3; i++ {
		require.NoError(t, tr.Send(Reply(i, map[string]string{"string": "ok"})))
	}
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Run(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 3)
}

// --- Failure Tests ---

func TestStdioTransport_SendAfterClose(t *testing.T) {
	tr := NewStdioTransport(strings.NewReader(""), io.Discard, DefaultConfig())
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	err := tr.Send(Notify("test", nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStdioTransport_MalformedInput(t *testing.T) {
	input := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"good"}` + "\n" +
			`{bad json}` + "\n" +
			`{"jsonrpc":"1.0","id":7,"method":"old"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"also_good"}` + "\n",
	)
	out := &lockedBuffer{}
	tr := NewStdioTransport(input, out, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		tr.Run(ctx)
	}()

	assert.Equal(t, "good", recvOne(t, tr).Request.Method)
	assert.Equal(t, "also_good", recvOne(t, tr).Request.Method)

	tr.Close()
	<-runDone

	var responses []Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var resp Response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, resp)
	}
	require.Len(t, responses, 2)
	assert.Nil(t, responses[0].ID)
	assert.Equal(t, ParseError, responses[0].Error.Code)
	assert.Equal(t, float64(7), responses[1].ID)
	assert.Equal(t, InvalidRequest, responses[1].Error.Code)
}

func TestStdioTransport_OversizedLineIsRejected(t *testing.T) {
	input := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"` + strings.Repeat("x", 200) + `"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"startTask"}` + "\n",
	)
	out := &lockedBuffer{}
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 128
	tr := NewStdioTransport(input, out, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		tr.Run(ctx)
	}()

	msg := recvOne(t, tr)
	assert.Equal(t, "startTask", msg.Request.Method)
	assert.Equal(t, float64(2), msg.Request.ID)

	tr.Close()
	<-runDone

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out.String())), &resp))
	assert.Nil(t, resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ParseError, resp.Error.Code)
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader(
		"short\r\n"+strings.Repeat("y", 40)+"\nexact-ten!\nlast"), 16)

	line, tooLong, err := readLine(r, 10)
	require.NoError(t, err)
	assert.False(t, tooLong)
	assert.Equal(t, "short", string(line))

	line, tooLong, err = readLine(r, 10)
	require.NoError(t, err)
	assert.True(t, tooLong)
	assert.Empty(t, line)

	line, tooLong, err = readLine(r, 10)
	require.NoError(t, err)
	assert.False(t, tooLong)
	assert.Equal(t, "exact-ten!", string(line))

	line, tooLong, err = readLine(r, 10)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, tooLong)
	assert.Equal(t, "last", string(line))
}

func TestStdioTransport_EmptyLines(t *testing.T) {
	input := strings.NewReader(
		"\n" +
			`{"jsonrpc":"2.0","id":1,"method":"test"}` + "\n" +
			"\n\n" +
			`{"jsonrpc":"2.0","id":2,"method":"test2"}` + "\n",
	)
	tr := NewStdioTransport(input, io.Discard, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go tr.Run(ctx)

	count := 0
	for range tr.Recv() {
		count++
	}
	assert.Equal(t, 2, count)
}

// --- Performance Tests ---

func BenchmarkParseInbound(b *testing.B) {
	data := []byte(`{"jsonrpc":"2.0","id":1,"method":"getTimeline","params":{"taskIdentifier":"Task1","userName":"alice"}}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseInbound(data)
	}
}

func BenchmarkStdioTransport_Throughput(b *testing.B) {
	var msgs bytes.Buffer
	for i := 0; i < b.N; i++ {
		data, _ := json.Marshal(Request{JSONRPC: Version, ID: i, Method: "startTask"})
		msgs.Write(append(data, '\n'))
	}

	tr := NewStdioTransport(bytes.NewReader(msgs.Bytes()), io.Discard,
		Config{RecvBufferSize: 1000, SendBufferSize: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	b.ResetTimer()
	for range tr.Recv() {
	}
}
