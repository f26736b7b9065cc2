package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	bridgeerrors "github.com/muryk/ttbridge/errors"
	"github.com/muryk/ttbridge/logging"
)

// Coordinator runs registered handlers phase by phase, exactly once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration

	once   sync.Once
	done   chan struct{}
	result *Result
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		config: cfg,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a function handler to phase.
func (c *Coordinator) Register(name string, phase int, fn func(ctx context.Context) error) {
	c.RegisterHandler(name, phase, HandlerFunc(fn))
}

// RegisterHandler adds h to phase. Handlers registered after shutdown has
// started are ignored.
func (c *Coordinator) RegisterHandler(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{
		name:    name,
		phase:   phase,
		handler: h,
		order:   len(c.handlers),
	})
}

// Shutdown runs every phase in order. Only the first call does any work;
// later calls wait for it and return the same error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.result = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the
// configured timeout when timeout is zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on SIGINT or SIGTERM. The returned function
// stops listening.
func (c *Coordinator) HandleSignals() (stop func()) {
	return c.handleSignals(syscall.SIGINT, syscall.SIGTERM)
}

func (c *Coordinator) handleSignals(sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			c.logger.Info("signal_received", map[string]interface{}{
				"signal": sig.String(),
			})
			_ = c.ShutdownWithTimeout(0)
		case <-quit:
		case <-c.done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown summary, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		if handlers[i].phase != handlers[j].phase {
			return handlers[i].phase < handlers[j].phase
		}
		return handlers[i].order < handlers[j].order
	})

	res := &Result{}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			for _, r := range group {
				res.Skipped = append(res.Skipped, r.name)
			}
			res.Err = ErrTimeout
			continue
		}
		for _, hr := range c.runPhase(ctx, group) {
			res.Handlers = append(res.Handlers, hr)
			if hr.Err != nil && res.Err == nil {
				res.Err = ErrHandlerFailed
			}
		}
	}
	res.Duration = time.Since(start)

	fields := map[string]interface{}{
		"duration": res.Duration.String(),
		"handlers": len(res.Handlers),
	}
	if len(res.Skipped) > 0 {
		fields["skipped"] = len(res.Skipped)
	}
	if res.Err != nil {
		fields["error"] = res.Err.Error()
		c.logger.Warn("shutdown_finished", fields)
	} else {
		c.logger.Info("shutdown_finished", fields)
	}
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			results[i] = c.runHandler(ctx, r)
		}(i, r)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) runHandler(ctx context.Context, r registration) (hr HandlerResult) {
	start := time.Now()
	hr = HandlerResult{Name: r.name, Phase: r.phase}

	defer func() {
		if p := recover(); p != nil {
			hr.Err = bridgeerrors.RecoverPanic(p)
		}
		hr.Duration = time.Since(start)

		fields := map[string]interface{}{
			"handler":  hr.Name,
			"phase":    hr.Phase,
			"duration": hr.Duration.String(),
		}
		if hr.Err != nil {
			fields["error"] = hr.Err.Error()
			c.logger.Warn("handler_failed", fields)
			return
		}
		c.logger.Debug("handler_done", fields)
	}()

	hr.Err = r.handler.OnShutdown(ctx)
	return hr
}

// groupByPhase splits handlers, already sorted by phase, into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i + 1
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
