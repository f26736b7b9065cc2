package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// retryPolicy overrides the category default when set.
type retryPolicy int8

const (
	retryDefault retryPolicy = iota
	retryYes
	retryNo
)

// Error is a classified failure. The zero value is not useful; build one
// with New or a named constructor.
type Error struct {
	code     ErrorCode
	category ErrorCategory
	message  string
	cause    error

	taskID string
	field  string
	meta   map[string]string
	retry  retryPolicy
	at     time.Time
}

var (
	_ error            = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the message followed by the cause, if any.
func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

// Message returns the message without the cause chain.
func (e *Error) Message() string { return e.message }

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Unwrap() error           { return e.cause }
func (e *Error) Timestamp() time.Time    { return e.at }

// TaskID returns the task the failure belongs to, if known.
func (e *Error) TaskID() string { return e.taskID }

// Field returns the offending argument name for validation errors.
func (e *Error) Field() string { return e.field }

// Retryable reports whether repeating the operation may succeed.
func (e *Error) Retryable() bool {
	switch e.retry {
	case retryYes:
		return true
	case retryNo:
		return false
	default:
		return e.category.IsRetryable()
	}
}

// Metadata returns a copy of the attached key-value context. It is never nil.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.meta))
	for k, v := range e.meta {
		out[k] = v
	}
	return out
}

// wireError is the JSON form used by the journal and event payloads.
type wireError struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	Field     string            `json:"field,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		TaskID:    e.taskID,
		Field:     e.field,
		Metadata:  e.meta,
		Retryable: e.Retryable(),
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	if !e.at.IsZero() {
		at := e.at
		w.Timestamp = &at
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. The cause is restored as an
// opaque error carrying its text.
func (e *Error) UnmarshalJSON(data []byte) error {
	var w wireError
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Error{
		code:     w.Code,
		category: w.Category,
		message:  w.Message,
		taskID:   w.TaskID,
		field:    w.Field,
		meta:     w.Metadata,
		retry:    retryNo,
	}
	if w.Retryable {
		e.retry = retryYes
	}
	if w.Cause != "" {
		e.cause = opaque(w.Cause)
	}
	if w.Timestamp != nil {
		e.at = *w.Timestamp
	}
	return nil
}

type opaque string

func (o opaque) Error() string { return string(o) }

// Option configures an Error at construction.
type Option func(*Error)

// WithCategory overrides the code's default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) { e.category = cat }
}

// WithRetryable overrides the category's retry default.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retry = retryNo
		if retryable {
			e.retry = retryYes
		}
	}
}

// WithMetadata attaches one key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.meta == nil {
			e.meta = make(map[string]string)
		}
		e.meta[key] = value
	}
}

func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithField records the argument that failed validation.
func WithField(field string) Option {
	return func(e *Error) { e.field = field }
}

func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error with the code's default category.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
		at:       time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error whose message is the code's description.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Validation reports a missing or malformed command argument.
func Validation(field, message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, append([]Option{WithField(field)}, opts...)...)
}

// DuplicateTask reports an identifier that is already active.
func DuplicateTask(taskID string, opts ...Option) *Error {
	msg := fmt.Sprintf("The task '%s' has already been started", taskID)
	return New(ErrCodeAlreadyExists, msg, append([]Option{WithTaskID(taskID)}, opts...)...)
}

// Unsupported reports an unrecognised command.
func Unsupported(method string, opts ...Option) *Error {
	msg := fmt.Sprintf("Unsupported method %s", method)
	return New(ErrCodeUnsupported, msg, append([]Option{WithMetadata("method", method)}, opts...)...)
}

// Network reports a failed remote request with a human-readable reason.
func Network(reason string, opts ...Option) *Error {
	return New(ErrCodeNetworkErr, reason, opts...)
}

// Cancelled is the synthetic outcome of a cancelled task.
func Cancelled(taskID string, opts ...Option) *Error {
	return New(ErrCodeCanceled, "task cancelled", append([]Option{WithTaskID(taskID)}, opts...)...)
}

// RateLimited reports a local or remote rate limit.
func RateLimited(message string, opts ...Option) *Error {
	return New(ErrCodeRateLimit, message, opts...)
}
