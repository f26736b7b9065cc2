// Package errors provides the structured error taxonomy used across the
// bridge. Every failure that reaches a caller is one of these errors,
// rendered as a plain message at the dispatcher boundary.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: temporary failures where a retry may succeed (network issues)
//   - Permanent: retrying will not help (invalid arguments, duplicate task)
//   - Resource: rate limits and similar exhaustion
//   - Internal: bugs and recovered panics
//
// # Error Codes
//
//   - INVALID_INPUT: a command argument is missing or malformed
//   - ALREADY_EXISTS: a task identifier is already active
//   - UNSUPPORTED: the command name is not recognised
//   - NETWORK_ERR: the remote request failed
//   - CANCELED: the task was cancelled by the caller
//
// # Usage
//
//	err := errors.Validation("userName", "No spaces are allowed for the user name")
//
//	if errors.Is(err, errors.ErrCodeInvalidInput) {
//	    field := errors.Field(err) // "userName"
//	}
//
// # JSON Serialization
//
// Errors marshal to JSON so they can be journaled and published:
//
//	data, err := json.Marshal(bridgeErr)
package errors
