package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds message as context around err and returns nil for a nil err.
// An *Error in the chain keeps its code, category and details; otherwise
// context deadline and cancellation map to TIMEOUT and CANCELED and
// everything else to INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if inner := As(err); inner != nil {
		wrapped := *inner
		wrapped.message = message
		wrapped.cause = err
		wrapped.meta = inner.Metadata()
		for _, opt := range opts {
			opt(&wrapped)
		}
		return &wrapped
	}

	code := ErrCodeInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = ErrCodeCanceled
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// WrapWithCode wraps err under an explicit code. It returns nil for a nil err.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is reports whether err's chain carries an *Error with code.
func Is(err error, code ErrorCode) bool {
	e := As(err)
	return e != nil && e.code == code
}

// IsCategory reports whether err's chain carries an *Error in category.
func IsCategory(err error, category ErrorCategory) bool {
	e := As(err)
	return e != nil && e.category == category
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	e := As(err)
	return e != nil && e.Retryable()
}

// Code returns the code of err, or "" when err is not an *Error.
func Code(err error) ErrorCode {
	if e := As(err); e != nil {
		return e.code
	}
	return ""
}

// Field returns the offending argument name of a validation error.
func Field(err error) string {
	if e := As(err); e != nil {
		return e.field
	}
	return ""
}

// Message returns the caller-facing text for err: the outermost *Error
// message when there is one, err.Error() otherwise.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if e := As(err); e != nil && e.message != "" {
		return e.message
	}
	return err.Error()
}

// RecoverPanic converts a recovered panic value into a PANIC error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprint(v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
