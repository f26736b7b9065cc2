package dispatcher

import (
	"encoding/json"
	"fmt"
)

// Kind names the single key of an external result.
type Kind string

const (
	KindJSON   Kind = "json"
	KindString Kind = "string"
	KindError  Kind = "error"
)

// Result is the external result bundle. It marshals to exactly one of
// {"json": ...}, {"string": ...} or {"error": ...}.
type Result struct {
	Kind  Kind
	Value string
}

// JSONResult carries a raw remote payload as text.
func JSONResult(payload []byte) Result {
	return Result{Kind: KindJSON, Value: string(payload)}
}

// StringResult carries an informational string.
func StringResult(s string) Result {
	return Result{Kind: KindString, Value: s}
}

// ErrorResult carries a failure message.
func ErrorResult(msg string) Result {
	return Result{Kind: KindError, Value: msg}
}

// IsError reports whether the result is a failure.
func (r Result) IsError() bool {
	return r.Kind == KindError
}

func (r Result) String() string {
	return fmt.Sprintf("{%s: %q}", r.Kind, r.Value)
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindJSON, KindString, KindError:
		return json.Marshal(map[string]string{string(r.Kind): r.Value})
	default:
		return nil, fmt.Errorf("dispatcher: unknown result kind %q", r.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("dispatcher: result must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		switch Kind(k) {
		case KindJSON, KindString, KindError:
			r.Kind, r.Value = Kind(k), v
		default:
			return fmt.Errorf("dispatcher: unknown result kind %q", k)
		}
	}
	return nil
}
