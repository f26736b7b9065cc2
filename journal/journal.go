// Package journal records the final state of every finished task in a
// key-value store, so outcomes can be inspected after the caller has
// received them. Entries expire after the store's TTL.
package journal

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/muryk/ttbridge/dispatcher"
	bridgeerrors "github.com/muryk/ttbridge/errors"
	"github.com/muryk/ttbridge/tasks"
)

// Common errors.
var (
	ErrNotFound   = errors.New("key not found")
	ErrClosed     = errors.New("store closed")
	ErrInvalidKey = errors.New("invalid key")
)

// Store is the key-value backend of a Journal.
type Store interface {
	// Get returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	Put(ctx context.Context, key string, value []byte) error

	// Delete returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Keys returns every live key with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Entry is the journal record of one finished task.
type Entry struct {
	Task       tasks.Snapshot    `json:"task"`
	Result     dispatcher.Result `json:"result"`
	Code       string            `json:"code,omitempty"`
	Error      string            `json:"error,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// keyPrefix namespaces task entries inside the bucket.
const keyPrefix = "task."

// Key returns the store key for a task id. Ids are caller supplied and may
// hold characters a KV key cannot, so they are base64url encoded.
func Key(taskID string) string {
	return keyPrefix + base64.RawURLEncoding.EncodeToString([]byte(taskID))
}

// taskIDFromKey reverses Key.
func taskIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, keyPrefix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, keyPrefix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// ValidateKey checks a key against the character set NATS KV accepts.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '/' || r == '=' || r == '.':
		default:
			return ErrInvalidKey
		}
	}
	return nil
}

func newEntry(o dispatcher.Outcome, now time.Time) Entry {
	e := Entry{
		Task:       o.Task,
		Result:     o.Result,
		Code:       string(o.Code),
		RecordedAt: now.UTC(),
	}
	if o.Err != nil {
		e.Error = bridgeerrors.Message(o.Err)
	}
	return e
}
