package tasks

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Task is one tracked asynchronous operation.
type Task struct {
	id         string
	onComplete CompletionFunc
	createdAt  time.Time
	nowFunc    func() time.Time

	mu         sync.Mutex
	state      State
	checkpoint string
	finishedAt time.Time
	abort      func()
	done       chan struct{}
}

func newTask(id string, onComplete CompletionFunc, now func() time.Time) *Task {
	return &Task{
		id:         id,
		onComplete: onComplete,
		createdAt:  now(),
		nowFunc:    now,
		state:      StateActive,
		done:       make(chan struct{}),
	}
}

// ID returns the task identifier.
func (t *Task) ID() string {
	return t.id
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done returns a channel that is closed once the task leaves StateActive.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// SetCheckpoint records a diagnostic label for the current phase of work.
func (t *Task) SetCheckpoint(checkpoint string) {
	t.mu.Lock()
	t.checkpoint = checkpoint
	t.mu.Unlock()
}

// SetAbort installs a function that Cancel invokes after the task has been
// cancelled. It is never called when the task completes normally.
func (t *Task) SetAbort(abort func()) {
	t.mu.Lock()
	t.abort = abort
	t.mu.Unlock()
}

// Complete delivers r through the completion sink if the task is still
// active. It returns false when the task had already reached a terminal state.
func (t *Task) Complete(r Result) bool {
	if !t.transition(StateCompleted) {
		return false
	}
	t.deliver(r)
	return true
}

// Cancel delivers ErrCancelled through the completion sink if the task is
// still active, then runs the abort function. It returns false when the task
// had already reached a terminal state.
func (t *Task) Cancel() bool {
	if !t.transition(StateCancelled) {
		return false
	}
	t.deliver(Failure(ErrCancelled))

	t.mu.Lock()
	abort := t.abort
	t.mu.Unlock()
	if abort != nil {
		abort()
	}
	return true
}

// transition moves an active task to the terminal state to.
func (t *Task) transition(to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return false
	}
	t.state = to
	t.finishedAt = t.nowFunc()
	close(t.done)
	return true
}

func (t *Task) deliver(r Result) {
	if t.onComplete != nil {
		t.onComplete(t, r)
	}
}

// Describe returns a snapshot of the task.
func (t *Task) Describe() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		ID:         t.id,
		State:      t.state,
		Checkpoint: t.checkpoint,
		CreatedAt:  t.createdAt,
	}
	if t.state.IsTerminal() {
		finished := t.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

// String renders the task for log lines, e.g. Task('Task1', CANCELLED, fetching).
func (t *Task) String() string {
	s := t.Describe()

	parts := []string{fmt.Sprintf("'%s'", s.ID)}
	if s.State == StateCancelled {
		parts = append(parts, "CANCELLED")
	}
	if s.Checkpoint != "" {
		parts = append(parts, s.Checkpoint)
	}
	return "Task(" + strings.Join(parts, ", ") + ")"
}
