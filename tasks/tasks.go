package tasks

import (
	"errors"
	"time"
)

// Common errors.
var (
	// ErrTaskNotFound indicates no active task has the requested identifier.
	ErrTaskNotFound = errors.New("task not found")

	// ErrDuplicateTask indicates the identifier is already held by an active task.
	ErrDuplicateTask = errors.New("task already started")

	// ErrInvalidTaskID indicates an empty task identifier.
	ErrInvalidTaskID = errors.New("invalid task identifier")

	// ErrRegistryClosed indicates the registry no longer accepts tasks.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrCancelled is the synthetic failure delivered when a task is cancelled.
	ErrCancelled = errors.New("task cancelled")
)

// State represents the lifecycle position of a task.
type State string

const (
	// StateActive indicates the task is waiting for its outcome.
	StateActive State = "active"

	// StateCompleted indicates the task delivered a result from its executor.
	StateCompleted State = "completed"

	// StateCancelled indicates the task was cancelled before completing.
	StateCancelled State = "cancelled"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Result is the outcome delivered through a task's completion sink.
// Exactly one of Payload or Err is meaningful: a non-nil Err marks a failure.
type Result struct {
	Payload []byte
	Err     error
}

// Success builds a successful result carrying the raw payload.
func Success(payload []byte) Result {
	return Result{Payload: payload}
}

// Failure builds a failed result.
func Failure(err error) Result {
	return Result{Err: err}
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// CompletionFunc receives a task's single result.
type CompletionFunc func(t *Task, r Result)

// Snapshot is a point-in-time, side-effect free description of a task.
type Snapshot struct {
	ID         string     `json:"id"`
	State      State      `json:"state"`
	Checkpoint string     `json:"checkpoint,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the task ran, or zero while it is still active.
func (s Snapshot) Duration() time.Duration {
	if s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(s.CreatedAt)
}
