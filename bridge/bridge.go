// Package bridge pumps JSON-RPC requests from a transport into the
// dispatcher and writes each command's single result back as the response.
package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/muryk/ttbridge/dispatcher"
	"github.com/muryk/ttbridge/logging"
	"github.com/muryk/ttbridge/transport"
)

// Handler runs one bridge command and reports its result exactly once.
// *dispatcher.Dispatcher satisfies it.
type Handler interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage, respond dispatcher.Responder)
}

// Bridge serves bridge sessions. One Bridge may serve many sessions at once.
type Bridge struct {
	handler Handler
	logger  *logging.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Each session logs with its own trace id.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a Bridge in front of h.
func New(h Handler, opts ...Option) *Bridge {
	b := &Bridge{
		handler: h,
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("bridge")
	return b
}

// Serve runs t and dispatches its requests until the input side ends, ctx
// is cancelled or t is closed. When the input ends first the session stays
// open for writing until every dispatched request has been answered, so a
// client that half-closes its input still receives every result. Replies
// arriving after ctx is cancelled are dropped.
func (b *Bridge) Serve(ctx context.Context, t transport.Transport) error {
	logger := b.logger.WithTraceID(uuid.NewString())
	logger.Info("session_started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- t.Run(ctx)
	}()

	var inflight sync.WaitGroup
	requests := 0
	inputEnded := false
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-t.Recv():
			if !ok {
				inputEnded = true
				break loop
			}
			if msg.Request == nil {
				logger.Debug("notification_ignored", map[string]interface{}{
					"method": msg.Notification.Method,
				})
				continue
			}
			requests++
			inflight.Add(1)
			b.handle(ctx, t, msg.Request, logger, inflight.Done)
		}
	}

	var (
		err     error
		stopped bool
	)
	if inputEnded {
		logger.Debug("input_closed")
		idle := make(chan struct{})
		go func() {
			inflight.Wait()
			close(idle)
		}()
		select {
		case <-idle:
		case <-ctx.Done():
		case err = <-runErr:
			stopped = true
		}
	}

	cancel()
	if !stopped {
		err = <-runErr
	}
	logger.Info("session_ended", map[string]interface{}{
		"requests": requests,
	})
	return err
}

// handle dispatches one request. The reply may arrive on another goroutine
// long after handle returns; done is called once it has been handed to t.
func (b *Bridge) handle(ctx context.Context, t transport.Transport, req *transport.Request, logger *logging.Logger, done func()) {
	logger.CommandReceived(req.Method)

	id := req.ID
	method := req.Method
	var answered sync.Once
	b.handler.Dispatch(ctx, method, req.Params, func(r dispatcher.Result) {
		answered.Do(func() {
			defer done()
			if err := t.Send(transport.Reply(id, r)); err != nil {
				logger.Warn("reply_dropped", map[string]interface{}{
					"method": method,
					"id":     id,
					"error":  err.Error(),
				})
			}
		})
	})
}
