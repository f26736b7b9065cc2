// Package dispatcher validates bridge commands and wires each timeline
// request to a Task whose single result is delivered back to the caller.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	bridgeerrors "github.com/muryk/ttbridge/errors"
	"github.com/muryk/ttbridge/executor"
	"github.com/muryk/ttbridge/logging"
	"github.com/muryk/ttbridge/tasks"
	"github.com/muryk/ttbridge/telemetry"
)

// Command names on the wire.
const (
	MethodStartTask          = "startTask"
	MethodGetTimeline        = "getTimeline"
	MethodCancelTask         = "cancelTask"
	MethodGetPlatformVersion = "getPlatformVersion"
	MethodListTasks          = "listTasks"
	MethodGetTaskOutcome     = "getTaskOutcome"
	MethodListFinishedTasks  = "listFinishedTasks"
	MethodForgetTask         = "forgetTask"
)

// RequestExecutor performs a remote call asynchronously and invokes the
// callback exactly once. It must be safe for concurrent use.
type RequestExecutor interface {
	Execute(ctx context.Context, path string, params map[string]string, cb executor.Callback)
}

// Responder receives the single result of a command. For getTimeline it is
// called from the goroutine that completed or cancelled the task.
type Responder func(Result)

// Dispatcher routes commands to their handlers.
type Dispatcher struct {
	registry      *tasks.Registry
	exec          RequestExecutor
	hooks         []Hook
	history       History
	logger        *logging.Logger
	tracer        *telemetry.Tracer
	abortOnCancel bool
	platform      func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHooks appends lifecycle hooks, run in order after the logging hook.
func WithHooks(hooks ...Hook) Option {
	return func(d *Dispatcher) {
		d.hooks = append(d.hooks, hooks...)
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l.WithComponent("dispatcher")
	}
}

// WithTracer sets the tracer for command and task spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithAbortOnCancel controls whether cancelTask also aborts the in-flight
// remote request. When false a cancelled request runs to completion and its
// result is discarded. Default true.
func WithAbortOnCancel(abort bool) Option {
	return func(d *Dispatcher) {
		d.abortOnCancel = abort
	}
}

// WithPlatform overrides the getPlatformVersion answer.
func WithPlatform(fn func() string) Option {
	return func(d *Dispatcher) {
		d.platform = fn
	}
}

// New creates a Dispatcher. A nil registry gets a fresh one.
func New(registry *tasks.Registry, exec RequestExecutor, opts ...Option) *Dispatcher {
	if registry == nil {
		registry = tasks.NewRegistry()
	}
	d := &Dispatcher{
		registry:      registry,
		exec:          exec,
		logger:        logging.Discard(),
		tracer:        telemetry.GetTracer(),
		abortOnCancel: true,
		platform:      platformVersion,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.hooks = append([]Hook{loggingHook{logger: d.logger}}, d.hooks...)
	return d
}

// Registry returns the task registry.
func (d *Dispatcher) Registry() *tasks.Registry {
	return d.registry
}

// Dispatch runs one command. respond is invoked exactly once: before Dispatch
// returns for synchronous commands and for any failure, later for a
// successfully started getTimeline.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage, respond Responder) {
	ctx, span := d.tracer.StartCommandSpan(ctx, method)
	reply := once(respond)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = bridgeerrors.RecoverPanic(r)
		}
		if err != nil {
			d.logger.CommandFailed(method, err)
			reply(ErrorResult(bridgeerrors.Message(err)))
		}
		d.tracer.EndCommandSpan(span, err)
	}()

	d.logger.CommandReceived(method)

	switch method {
	case MethodStartTask:
		reply(StringResult(d.registry.NewIdentifier()))
	case MethodGetTimeline:
		err = d.getTimeline(ctx, params, reply)
	case MethodCancelTask:
		err = d.cancelTask(params, reply)
	case MethodGetPlatformVersion:
		reply(StringResult(d.platform()))
	case MethodListTasks:
		err = d.listTasks(reply)
	case MethodGetTaskOutcome:
		err = d.getTaskOutcome(ctx, params, reply)
	case MethodListFinishedTasks:
		err = d.listFinishedTasks(ctx, reply)
	case MethodForgetTask:
		err = d.forgetTask(ctx, params, reply)
	default:
		err = bridgeerrors.Unsupported(method)
	}
}

// getTimeline validates, registers the task and hands it to the executor.
func (d *Dispatcher) getTimeline(ctx context.Context, params json.RawMessage, reply Responder) error {
	var args FetchTimelineArgs
	if err := decodeArgs(params, &args); err != nil {
		return err
	}
	id := args.TaskIdentifier

	// The task outlives the command; keep trace values but not its deadline.
	taskCtx, span := d.tracer.StartTaskSpan(context.WithoutCancel(ctx), id)
	taskCtx, abort := context.WithCancel(taskCtx)

	task, err := d.registry.Register(id, d.sink(taskCtx, span, reply))
	if err != nil {
		abort()
		if errors.Is(err, tasks.ErrDuplicateTask) {
			err = bridgeerrors.DuplicateTask(id, bridgeerrors.WithCause(err))
		} else {
			err = bridgeerrors.Wrap(err, fmt.Sprintf("Unable to register task '%s'", id), bridgeerrors.WithTaskID(id))
		}
		d.tracer.EndTaskSpan(span, telemetry.TaskSpanOptions{}, err)
		return err
	}
	d.logger.TaskRegistered(id)

	if d.abortOnCancel {
		task.SetAbort(abort)
	}

	remote := args.Params()
	task.SetCheckpoint(checkpoint(MethodGetTimeline, remote))
	d.logger.TaskFetching(task)

	d.execute(taskCtx, task, TimelinePath, remote, abort)
	return nil
}

// execute invokes the executor. A panic while starting the request fails
// the task instead of leaving it active.
func (d *Dispatcher) execute(ctx context.Context, task *tasks.Task, path string, params map[string]string, release context.CancelFunc) {
	defer func() {
		if r := recover(); r != nil {
			task.Complete(tasks.Failure(bridgeerrors.RecoverPanic(r)))
			release()
		}
	}()

	d.exec.Execute(ctx, path, params, func(resp executor.Response) {
		defer release()

		var won bool
		if resp.Err != nil {
			won = task.Complete(tasks.Failure(resp.Err))
		} else {
			won = task.Complete(tasks.Success(resp.Body))
		}
		if !won {
			d.logger.Debug("late completion discarded", map[string]interface{}{
				"task":  task.ID(),
				"state": task.State().String(),
			})
		}
	})
}

// sink builds the single completion path of a task: convert the result,
// remove the task, run hooks, then answer the caller.
func (d *Dispatcher) sink(ctx context.Context, span trace.Span, reply Responder) tasks.CompletionFunc {
	return func(t *tasks.Task, r tasks.Result) {
		out := Outcome{}
		if r.Failed() {
			err := r.Err
			if errors.Is(err, tasks.ErrCancelled) {
				err = bridgeerrors.Cancelled(t.ID(), bridgeerrors.WithCause(err))
			}
			out.Err = err
			out.Code = bridgeerrors.Code(err)
			if out.Code == "" {
				out.Code = bridgeerrors.ErrCodeInternal
			}
			out.Result = ErrorResult(bridgeerrors.Message(err))
		} else {
			out.Result = JSONResult(r.Payload)
		}

		if err := d.registry.Remove(t.ID()); err != nil {
			d.logger.TaskRemoveFailed(t.ID(), err)
		}
		out.Task = t.Describe()

		d.runHooks(ctx, out)
		d.tracer.EndTaskSpan(span, telemetry.TaskSpanOptions{
			State:      out.Task.State.String(),
			Checkpoint: out.Task.Checkpoint,
			Bytes:      len(r.Payload),
		}, out.Err)

		reply(out.Result)
	}
}

// cancelTask cancels an active task. An unknown id is a normal outcome.
func (d *Dispatcher) cancelTask(params json.RawMessage, reply Responder) error {
	var args CancelTaskArgs
	if err := decodeArgs(params, &args); err != nil {
		return err
	}
	id := args.TaskIdentifier

	task, err := d.registry.Lookup(id)
	if err != nil {
		reply(StringResult(fmt.Sprintf("The task '%s' has NOT been cancelled: not found in the task pool", id)))
		return nil
	}
	if !task.Cancel() {
		d.logger.Debug("cancel after completion", map[string]interface{}{"task": id})
		reply(StringResult(fmt.Sprintf("The task '%s' has NOT been cancelled: already %s", id, task.State())))
		return nil
	}
	reply(StringResult(fmt.Sprintf("The task '%s' has been cancelled", id)))
	return nil
}

func (d *Dispatcher) listTasks(reply Responder) error {
	data, err := json.Marshal(d.registry.Snapshot())
	if err != nil {
		return bridgeerrors.Wrap(err, "Unable to list tasks")
	}
	reply(JSONResult(data))
	return nil
}

// checkpoint renders e.g. getTimeline(count: 20, screen_name: alice).
func checkpoint(method string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+params[k])
	}
	return method + "(" + strings.Join(parts, ", ") + ")"
}

func platformVersion() string {
	return fmt.Sprintf("%s/%s %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// once guards a Responder so that only the first result is delivered.
func once(respond Responder) Responder {
	var fired atomic.Bool
	return func(r Result) {
		if fired.Swap(true) {
			return
		}
		if respond != nil {
			respond(r)
		}
	}
}
