package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/muryk/ttbridge/logging"
)

// StdioTransport implements Transport over a line-delimited reader/writer
// pair, normally the process's stdin and stdout.
type StdioTransport struct {
	*queues

	reader io.Reader
	writer io.Writer
	config Config
	logger *logging.Logger
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(r io.Reader, w io.Writer, cfg Config) *StdioTransport {
	cfg = cfg.withDefaults()
	return &StdioTransport{
		queues: newQueues(cfg),
		reader: r,
		writer: w,
		config: cfg,
		logger: cfg.Logger.WithComponent("transport.stdio"),
	}
}

// Run starts the transport, blocking until ctx is cancelled or Close is
// called. The reader goroutine is not waited for: a blocked stdin read
// cannot be interrupted, and it exits on the next line or EOF.
func (t *StdioTransport) Run(ctx context.Context) error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writeLoop(ctx, nil, nil, t.writeMessage)
	}()
	go t.readLoop(ctx)

	select {
	case <-ctx.Done():
	case <-t.done:
	}

	t.Close()
	<-writerDone
	return nil
}

// Close initiates graceful shutdown.
func (t *StdioTransport) Close() error {
	t.shut()
	return nil
}

// readLoop reads lines from input and hands parsed messages to Recv. A line
// longer than MaxMessageSize is skipped and answered with a parse error.
func (t *StdioTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	size := 64 * 1024
	if t.config.MaxMessageSize < size {
		size = t.config.MaxMessageSize
	}
	r := bufio.NewReaderSize(t.reader, size)

	for {
		line, tooLong, err := readLine(r, t.config.MaxMessageSize)
		switch {
		case tooLong:
			t.logger.Warn("oversized_input", map[string]interface{}{
				"limit": t.config.MaxMessageSize,
			})
			_ = t.Send(ReplyError(nil, &Error{
				Code:    ParseError,
				Message: "Parse error",
				Data:    fmt.Sprintf("message exceeds %d bytes", t.config.MaxMessageSize),
			}))
		case len(line) > 0:
			msg, perr := ParseInbound(line)
			if perr != nil {
				t.logger.Warn("malformed_input", map[string]interface{}{
					"error": perr.Error(),
				})
				_ = t.Send(parseFailure(line, perr))
			} else if !t.deliver(ctx, msg) {
				return
			}
		}

		if err == io.EOF {
			t.logger.Debug("input_closed")
			return
		}
		if err != nil {
			t.logger.Error("read_failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
	}
}

// readLine returns the next line without its terminator. Once a line grows
// past limit its bytes are discarded up to the next newline and tooLong is
// set. The returned slice is owned by the caller.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, rerr := r.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			// Allow for a trailing CRLF before judging the length.
			if len(line) > limit+2 {
				tooLong, line = true, nil
			}
		}
		if rerr == bufio.ErrBufferFull {
			continue
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > limit {
			tooLong, line = true, nil
		}
		return line, tooLong, rerr
	}
}

// writeMessage serializes and writes a single message.
func (t *StdioTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		t.logger.Error("marshal_failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if _, err := t.writer.Write(append(data, '\n')); err != nil {
		t.logger.Error("write_failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
