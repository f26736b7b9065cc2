package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "request timed out", CategoryTransient},
		{"network", ErrCodeNetworkErr, "connection reset", CategoryTransient},
		{"invalid_input", ErrCodeInvalidInput, "bad arguments", CategoryPermanent},
		{"duplicate", ErrCodeAlreadyExists, "task already started", CategoryPermanent},
		{"canceled", ErrCodeCanceled, "task cancelled", CategoryPermanent},
		{"rate_limit", ErrCodeRateLimit, "slow down", CategoryResource},
		{"panic", ErrCodePanic, "boom", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			assert.Equal(t, tt.code, err.Code())
			assert.Equal(t, tt.wantCategory, err.Category())
			assert.Equal(t, tt.message, err.Error())
			assert.False(t, err.Timestamp().IsZero())
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeNetworkErr)
	assert.Equal(t, "failed to perform request", err.Error())
	assert.True(t, err.Retryable())
}

func TestUnknownCodeDescription(t *testing.T) {
	assert.Equal(t, "unknown error", ErrorCode("NOPE").Description())
	assert.Equal(t, CategoryInternal, ErrorCode("NOPE").DefaultCategory())
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeNetworkErr, "auth rejected", WithRetryable(false))
	assert.False(t, err.Retryable())
	assert.True(t, ErrCodeNetworkErr.DefaultRetryable())
}

func TestValidation(t *testing.T) {
	err := Validation("userName", "No spaces are allowed for the user name")

	assert.Equal(t, ErrCodeInvalidInput, err.Code())
	assert.Equal(t, "userName", err.Field())
	assert.Equal(t, "userName", Field(err))
	assert.False(t, err.Retryable())
}

func TestDuplicateTask(t *testing.T) {
	err := DuplicateTask("Task1")
	assert.Equal(t, "The task 'Task1' has already been started", err.Error())
	assert.Equal(t, "Task1", err.TaskID())
}

func TestUnsupported(t *testing.T) {
	err := Unsupported("frobnicate")
	assert.Equal(t, "Unsupported method frobnicate", err.Error())
	assert.Equal(t, "frobnicate", err.Metadata()["method"])
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithMetadata("k", "v"))
	md := err.Metadata()
	md["k"] = "changed"
	assert.Equal(t, "v", err.Metadata()["k"])

	empty := New(ErrCodeInternal, "y")
	assert.NotNil(t, empty.Metadata())
}

func TestWrap(t *testing.T) {
	base := fmt.Errorf("dial tcp: refused")
	err := Wrap(base, "fetching timeline")

	assert.Equal(t, ErrCodeInternal, err.Code())
	assert.Equal(t, "fetching timeline: dial tcp: refused", err.Error())
	assert.Equal(t, "fetching timeline", err.Message())
	assert.True(t, errors.Is(err, base))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))
	assert.Nil(t, WrapWithCode(nil, ErrCodeNetworkErr, "ignored"))
}

func TestWrapKeepsInnerCode(t *testing.T) {
	inner := Validation("count", "count must be numeric")
	outer := Wrap(inner, "getTimeline")

	assert.Equal(t, ErrCodeInvalidInput, outer.Code())
	assert.Equal(t, "count", outer.Field())
	assert.True(t, Is(outer, ErrCodeInvalidInput))
}

func TestWrapContextErrors(t *testing.T) {
	assert.Equal(t, ErrCodeTimeout, Wrap(context.DeadlineExceeded, "x").Code())
	assert.Equal(t, ErrCodeCanceled, Wrap(context.Canceled, "x").Code())
}

func TestWrapWithCode(t *testing.T) {
	err := WrapWithCode(fmt.Errorf("eof"), ErrCodeNetworkErr, "read body")
	assert.Equal(t, ErrCodeNetworkErr, err.Code())
	assert.Equal(t, "read body: eof", err.Error())
}

func TestIsAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Network("timeline unavailable"))

	assert.True(t, Is(err, ErrCodeNetworkErr))
	assert.False(t, Is(err, ErrCodeTimeout))
	assert.True(t, IsCategory(err, CategoryTransient))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrCodeNetworkErr, Code(err))

	plain := fmt.Errorf("plain")
	assert.False(t, Is(plain, ErrCodeNetworkErr))
	assert.Equal(t, ErrorCode(""), Code(plain))
	assert.Equal(t, "", Field(plain))
	assert.Nil(t, As(plain))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil))
	assert.Equal(t, "plain", Message(fmt.Errorf("plain")))
	assert.Equal(t, "Rate limit exceeded",
		Message(WrapWithCode(fmt.Errorf("429"), ErrCodeRateLimit, "Rate limit exceeded")))
}

func TestJSONRoundtrip(t *testing.T) {
	orig := New(ErrCodeNetworkErr, "Sorry, that page does not exist",
		WithTaskID("Task9"),
		WithMetadata("status", "404"),
		WithCause(fmt.Errorf("http 404")),
	)

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded Error
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, orig.Code(), decoded.Code())
	assert.Equal(t, orig.Category(), decoded.Category())
	assert.Equal(t, "Task9", decoded.TaskID())
	assert.Equal(t, "404", decoded.Metadata()["status"])
	assert.Equal(t, orig.Error(), decoded.Error())
	assert.Equal(t, orig.Retryable(), decoded.Retryable())
	assert.True(t, orig.Timestamp().Equal(decoded.Timestamp()))
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"error", fmt.Errorf("bad state"), "bad state"},
		{"string", "nil map", "nil map"},
		{"other", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RecoverPanic(tt.value)
			assert.Equal(t, ErrCodePanic, err.Code())
			assert.Equal(t, tt.want, err.Error())
			assert.Equal(t, fmt.Sprintf("%T", tt.value), err.Metadata()["panic_value"])
		})
	}
}
