package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	bridgeerrors "github.com/muryk/ttbridge/errors"
)

// ErrNoRecord is wrapped by History implementations when no finished task
// with the requested id is kept.
var ErrNoRecord = errors.New("no record of task")

// MsgHistoryDisabled answers history commands when no History is installed.
const MsgHistoryDisabled = "Task history is not enabled"

// History answers queries about tasks that have already finished and left
// the registry. Results are JSON documents passed through to the caller.
type History interface {
	FinishedTask(ctx context.Context, taskID string) (json.RawMessage, error)

	// FinishedTasks returns a JSON array, oldest first.
	FinishedTasks(ctx context.Context) (json.RawMessage, error)

	// ForgetTask drops the record of taskID. Forgetting an unknown id is
	// not an error.
	ForgetTask(ctx context.Context, taskID string) error
}

// WithHistory enables the getTaskOutcome, listFinishedTasks and forgetTask
// commands.
func WithHistory(h History) Option {
	return func(d *Dispatcher) {
		d.history = h
	}
}

// TaskOutcomeArgs are the arguments of getTaskOutcome and forgetTask.
type TaskOutcomeArgs struct {
	TaskIdentifier string `json:"taskIdentifier" validate:"required"`
}

func (a *TaskOutcomeArgs) normalize() {}

func (a *TaskOutcomeArgs) messages() map[string]string {
	return map[string]string{
		"taskIdentifier.required": MsgTaskIDRequired,
	}
}

func historyDisabled() error {
	return bridgeerrors.New(bridgeerrors.ErrCodeUnsupported, MsgHistoryDisabled)
}

func (d *Dispatcher) getTaskOutcome(ctx context.Context, params json.RawMessage, reply Responder) error {
	if d.history == nil {
		return historyDisabled()
	}
	var args TaskOutcomeArgs
	if err := decodeArgs(params, &args); err != nil {
		return err
	}
	id := args.TaskIdentifier

	data, err := d.history.FinishedTask(ctx, id)
	if errors.Is(err, ErrNoRecord) {
		reply(StringResult(fmt.Sprintf("No outcome recorded for task '%s'", id)))
		return nil
	}
	if err != nil {
		return bridgeerrors.Wrap(err, fmt.Sprintf("Unable to read the outcome of task '%s'", id),
			bridgeerrors.WithTaskID(id))
	}
	reply(JSONResult(data))
	return nil
}

func (d *Dispatcher) listFinishedTasks(ctx context.Context, reply Responder) error {
	if d.history == nil {
		return historyDisabled()
	}
	data, err := d.history.FinishedTasks(ctx)
	if err != nil {
		return bridgeerrors.Wrap(err, "Unable to list finished tasks")
	}
	reply(JSONResult(data))
	return nil
}

func (d *Dispatcher) forgetTask(ctx context.Context, params json.RawMessage, reply Responder) error {
	if d.history == nil {
		return historyDisabled()
	}
	var args TaskOutcomeArgs
	if err := decodeArgs(params, &args); err != nil {
		return err
	}
	id := args.TaskIdentifier

	if err := d.history.ForgetTask(ctx, id); err != nil {
		return bridgeerrors.Wrap(err, fmt.Sprintf("Unable to forget task '%s'", id),
			bridgeerrors.WithTaskID(id))
	}
	reply(StringResult(fmt.Sprintf("The outcome of task '%s' has been forgotten", id)))
	return nil
}
