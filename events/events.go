// Package events publishes the outcome of every finished task on a message
// bus, one subject per terminal state:
//
//	<prefix>.completed
//	<prefix>.cancelled
//
// NATS carries the events; consumers subscribe with subject wildcards, as
// examples/event-tail does. Messages carry the task's trace context in their
// headers.
package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/muryk/ttbridge/dispatcher"
	bridgeerrors "github.com/muryk/ttbridge/errors"
	"github.com/muryk/ttbridge/tasks"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is one published or received message.
type Message struct {
	Subject string
	Header  map[string]string
	Data    []byte
}

// Bus publishes messages and delivers them to subscribers.
type Bus interface {
	// Publish sends msg to every subscriber of its subject. Wildcards are
	// not allowed in a published subject.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe delivers messages whose subject matches pattern. Patterns
	// use NATS wildcards: "*" matches one token, a trailing ">" the rest.
	Subscribe(pattern string) (Subscription, error)

	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when the subscription ends.
	Messages() <-chan *Message

	Unsubscribe() error
}

// Event is the JSON body of a published message.
type Event struct {
	Task       tasks.Snapshot    `json:"task"`
	Result     dispatcher.Result `json:"result"`
	Code       string            `json:"code,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

// NewEvent builds the event describing o.
func NewEvent(o dispatcher.Outcome) Event {
	e := Event{
		Task:       o.Task,
		Result:     o.Result,
		Code:       string(o.Code),
		DurationMS: o.Task.Duration().Milliseconds(),
	}
	if o.Err != nil {
		e.Error = bridgeerrors.Message(o.Err)
	}
	return e
}

// Subject returns the subject an outcome in state is published on.
func Subject(prefix string, state tasks.State) string {
	return prefix + "." + state.String()
}

// ValidateSubject checks a subject or subscription pattern.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	tokens := strings.Split(subject, ".")
	for i, tok := range tokens {
		if tok == "" {
			return ErrInvalidSubject
		}
		if tok == ">" && i != len(tokens)-1 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// validatePublish additionally rejects wildcards.
func validatePublish(subject string) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether subject matches pattern.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// publishTimeout bounds a single publish from the hook.
const publishTimeout = 5 * time.Second
