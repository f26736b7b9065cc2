package errors

// ErrorCategory groups codes by how a caller should react to them.
type ErrorCategory string

const (
	// CategoryTransient failures may succeed when repeated.
	CategoryTransient ErrorCategory = "transient"
	// CategoryPermanent failures will fail again with the same input.
	CategoryPermanent ErrorCategory = "permanent"
	// CategoryResource failures clear once a limit or quota resets.
	CategoryResource ErrorCategory = "resource"
	// CategoryInternal covers bugs and recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

func (c ErrorCategory) String() string { return string(c) }

// IsRetryable reports whether errors in c may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// ErrorCode is the stable identifier carried in journal entries and events.
type ErrorCode string

const (
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeNetworkErr    ErrorCode = "NETWORK_ERR"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"
	ErrCodeCanceled      ErrorCode = "CANCELED"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit     ErrorCode = "RATE_LIMITED"
	ErrCodeInternal      ErrorCode = "INTERNAL"
	ErrCodePanic         ErrorCode = "PANIC"
)

type codeInfo struct {
	category    ErrorCategory
	description string
}

var codeTable = map[ErrorCode]codeInfo{
	ErrCodeTimeout:       {CategoryTransient, "request timed out"},
	ErrCodeNetworkErr:    {CategoryTransient, "failed to perform request"},
	ErrCodeInvalidInput:  {CategoryPermanent, "bad arguments"},
	ErrCodeAlreadyExists: {CategoryPermanent, "task already started"},
	ErrCodeNotFound:      {CategoryPermanent, "task not found"},
	ErrCodeUnsupported:   {CategoryPermanent, "unsupported method"},
	ErrCodeCanceled:      {CategoryPermanent, "task cancelled"},
	ErrCodeUnauthorized:  {CategoryPermanent, "not authorized"},
	ErrCodeRateLimit:     {CategoryResource, "rate limit exceeded"},
	ErrCodeInternal:      {CategoryInternal, "internal error"},
	ErrCodePanic:         {CategoryInternal, "recovered from panic"},
}

func (c ErrorCode) String() string { return string(c) }

// DefaultCategory returns the category for c. Unknown codes are internal.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	if info, ok := codeTable[c]; ok {
		return info.category
	}
	return CategoryInternal
}

// DefaultRetryable reports whether c is retryable absent an override.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// Description returns the default message for c.
func (c ErrorCode) Description() string {
	if info, ok := codeTable[c]; ok {
		return info.description
	}
	return "unknown error"
}
