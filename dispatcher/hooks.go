package dispatcher

import (
	"context"

	bridgeerrors "github.com/muryk/ttbridge/errors"
	"github.com/muryk/ttbridge/logging"
	"github.com/muryk/ttbridge/tasks"
)

// Outcome describes a task that reached a terminal state and left the registry.
type Outcome struct {
	Task   tasks.Snapshot
	Result Result

	// Code classifies a failed result; empty on success.
	Code bridgeerrors.ErrorCode

	// Err is the failure behind an error result.
	Err error
}

// Hook is notified after a finished task has been removed from the registry
// and before the caller receives its result.
type Hook interface {
	OnTaskFinished(ctx context.Context, o Outcome)
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx context.Context, o Outcome)

// OnTaskFinished calls f.
func (f HookFunc) OnTaskFinished(ctx context.Context, o Outcome) {
	f(ctx, o)
}

// loggingHook is always installed first.
type loggingHook struct {
	logger *logging.Logger
}

func (h loggingHook) OnTaskFinished(_ context.Context, o Outcome) {
	h.logger.TaskFinished(o.Task.ID, o.Task.State.String(), o.Task.Duration(), o.Err)
}

// runHooks invokes every hook, containing panics so one bad hook cannot
// prevent the caller from receiving its result.
func (d *Dispatcher) runHooks(ctx context.Context, o Outcome) {
	for _, h := range d.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("hook panicked", map[string]interface{}{
						"task":  o.Task.ID,
						"error": bridgeerrors.RecoverPanic(r).Error(),
					})
				}
			}()
			h.OnTaskFinished(ctx, o)
		}()
	}
}
