// Package tasks tracks in-flight asynchronous operations and guarantees that
// each one delivers its result exactly once.
//
// Key pieces:
//
//   - Task is a small state machine with a single completion sink
//   - Registry maps caller-supplied identifiers to active tasks
//   - IDSource mints fresh identifiers for the two-phase start handshake
//
// # Basic Usage
//
//	reg := tasks.NewRegistry()
//
//	id := reg.NewIdentifier() // "Task1"
//	task, err := reg.Register(id, func(t *tasks.Task, r tasks.Result) {
//	    // exactly one call per task
//	    _ = reg.Remove(t.ID())
//	})
//
//	// later, from any goroutine
//	task.Complete(tasks.Success(payload))
//	task.Cancel() // no-op: the task is already terminal
//
// # Task Lifecycle
//
// Tasks move through the following states:
//
//	Active → Completed
//	   ↓
//	Cancelled
//
// Both terminal states are final. Whichever of Complete or Cancel runs first
// wins the transition; the other call returns false and has no effect.
//
// # Thread Safety
//
// Registry and Task are safe for concurrent use. The completion sink runs on
// the goroutine that won the transition, outside any lock, so it may call
// back into the registry.
package tasks
