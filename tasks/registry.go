package tasks

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// IDSource mints task identifiers. Implementations must be safe for
// concurrent use and must never repeat an identifier.
type IDSource interface {
	Next() string
}

// CounterSource is a monotonic IDSource producing "Task1", "Task2", ...
type CounterSource struct {
	prefix string
	n      atomic.Uint64
}

// NewCounterSource creates a counter whose identifiers carry the given prefix.
func NewCounterSource(prefix string) *CounterSource {
	return &CounterSource{prefix: prefix}
}

// Next advances the counter and returns a fresh identifier.
func (c *CounterSource) Next() string {
	return fmt.Sprintf("%s%d", c.prefix, c.n.Add(1))
}

// defaultIDs is shared by every registry that does not inject its own
// source, so identifiers stay unique for the lifetime of the process.
var defaultIDs = NewCounterSource("Task")

// Registry is the table of currently active tasks.
type Registry struct {
	ids     IDSource
	nowFunc func() time.Time

	mu      sync.Mutex
	entries map[string]*Task
	closed  bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIDSource sets a custom identifier source.
func WithIDSource(src IDSource) RegistryOption {
	return func(r *Registry) {
		r.ids = src
	}
}

// WithClock sets the time source used for task timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowFunc = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		ids:     defaultIDs,
		nowFunc: time.Now,
		entries: make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewIdentifier returns a fresh, never-before-used task identifier.
// It does not create a registry entry.
func (r *Registry) NewIdentifier() string {
	return r.ids.Next()
}

// Register creates an active task under id and inserts it.
// Returns ErrDuplicateTask if id is already held by an entry.
func (r *Registry) Register(id string, onComplete CompletionFunc) (*Task, error) {
	if id == "" {
		return nil, ErrInvalidTaskID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.entries[id]; exists {
		return nil, ErrDuplicateTask
	}

	task := newTask(id, onComplete, r.nowFunc)
	r.entries[id] = task
	return task, nil
}

// Lookup returns the task registered under id.
func (r *Registry) Lookup(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.entries[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// Remove deletes the entry for id. Returns ErrTaskNotFound if it was already
// removed or never existed; callers may treat that as non-fatal.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return ErrTaskNotFound
	}
	delete(r.entries, id)
	return nil
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot describes every registered task, ordered by identifier.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	list := make([]*Task, 0, len(r.entries))
	for _, task := range r.entries {
		list = append(list, task)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, task := range list {
		out = append(out, task.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelAll cancels every registered task and returns how many transitions
// it won. Sinks run on the calling goroutine after the lock is released.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	list := make([]*Task, 0, len(r.entries))
	for _, task := range r.entries {
		list = append(list, task)
	}
	r.mu.Unlock()

	n := 0
	for _, task := range list {
		if task.Cancel() {
			n++
		}
	}
	return n
}

// Close stops the registry from accepting new tasks. Existing entries are
// left in place; use CancelAll to flush them.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
