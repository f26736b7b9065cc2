package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/muryk/ttbridge/logging"
)

// Common errors.
var (
	// ErrTimeout indicates a phase was still running when the deadline passed.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Standard phases, lowest first.
const (
	PhaseIntake    = 10
	PhaseTasks     = 20
	PhaseSinks     = 30
	PhaseTelemetry = 40
)

// Handler is implemented by components that release resources on exit.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context) error

// OnShutdown calls f.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult records how a single handler finished.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result summarises a completed shutdown.
type Result struct {
	Duration time.Duration
	Handlers []HandlerResult

	// Skipped lists handlers never started because the deadline had passed.
	Skipped []string

	// Err is nil when every handler ran and succeeded.
	Err error
}

// Failed returns the names of handlers that returned an error.
func (r *Result) Failed() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds a shutdown started by a signal or ShutdownWithTimeout(0).
	// Default: 10 seconds
	Timeout time.Duration

	// Logger receives one line per handler. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

type registration struct {
	name    string
	phase   int
	handler Handler
	order   int
}
