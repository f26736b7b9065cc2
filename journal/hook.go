package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/muryk/ttbridge/dispatcher"
	"github.com/muryk/ttbridge/logging"
)

// Journal records finished tasks in a Store.
type Journal struct {
	store   Store
	logger  *logging.Logger
	nowFunc func() time.Time
}

var (
	_ dispatcher.Hook    = (*Journal)(nil)
	_ dispatcher.History = (*Journal)(nil)
)

// New creates a journal on store.
func New(store Store, logger *logging.Logger) *Journal {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Journal{
		store:   store,
		logger:  logger.WithComponent("journal"),
		nowFunc: time.Now,
	}
}

// OnTaskFinished implements dispatcher.Hook. Write failures are logged.
func (j *Journal) OnTaskFinished(ctx context.Context, o dispatcher.Outcome) {
	if err := j.Record(context.WithoutCancel(ctx), o); err != nil {
		j.logger.Warn("record_failed", map[string]interface{}{
			"task":  o.Task.ID,
			"error": err.Error(),
		})
	}
}

// Record writes the entry for o, replacing an earlier task with the same id.
func (j *Journal) Record(ctx context.Context, o dispatcher.Outcome) error {
	data, err := json.Marshal(newEntry(o, j.nowFunc()))
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return j.store.Put(ctx, Key(o.Task.ID), data)
}

// Lookup returns the last recorded entry for taskID.
func (j *Journal) Lookup(ctx context.Context, taskID string) (*Entry, error) {
	data, err := j.store.Get(ctx, Key(taskID))
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode entry %q: %w", taskID, err)
	}
	return &e, nil
}

// List returns every live entry, oldest first. Entries that expire while
// listing are skipped.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	keys, err := j.store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		id, ok := taskIDFromKey(key)
		if !ok {
			continue
		}
		e, err := j.Lookup(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].RecordedAt.Before(entries[b].RecordedAt)
	})
	return entries, nil
}

// Forget removes the entry for taskID.
func (j *Journal) Forget(ctx context.Context, taskID string) error {
	return j.store.Delete(ctx, Key(taskID))
}

// FinishedTask implements dispatcher.History.
func (j *Journal) FinishedTask(ctx context.Context, taskID string) (json.RawMessage, error) {
	e, err := j.Lookup(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w %q", dispatcher.ErrNoRecord, taskID)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// FinishedTasks implements dispatcher.History.
func (j *Journal) FinishedTasks(ctx context.Context) (json.RawMessage, error) {
	entries, err := j.List(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

// ForgetTask implements dispatcher.History.
func (j *Journal) ForgetTask(ctx context.Context, taskID string) error {
	return j.Forget(ctx, taskID)
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	return j.store.Close()
}
