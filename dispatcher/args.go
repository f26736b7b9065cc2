package dispatcher

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	bridgeerrors "github.com/muryk/ttbridge/errors"
)

// Remote call shape for FetchTimeline.
const (
	TimelinePath = "/statuses/user_timeline"

	ParamScreenName = "screen_name"
	ParamMaxID      = "max_id"
	ParamSinceID    = "since_id"
	ParamCount      = "count"
)

// Validation messages.
const (
	MsgNotAnObject       = "Bad arguments: not an object"
	MsgTaskIDRequired    = "Task identifier is required"
	MsgTaskIDStartFirst  = "Task identifier is required. Register a new task using '" + MethodStartTask + "' method first."
	MsgUserNameRequired  = "No user name specified or user name is empty"
	MsgUserNameNoSpaces  = "No spaces are allowed for the user name"
	msgFieldMustBeString = "Bad arguments: %s must be a string"
)

// Param is an optional pass-through value. It accepts a JSON string or number
// and keeps the text exactly as sent.
type Param string

// UnmarshalJSON implements json.Unmarshaler.
func (p *Param) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Param(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return &json.UnmarshalTypeError{Value: string(data), Type: reflect.TypeOf(*p)}
	}
	*p = Param(n.String())
	return nil
}

// FetchTimelineArgs are the arguments of getTimeline.
type FetchTimelineArgs struct {
	TaskIdentifier  string `json:"taskIdentifier" validate:"required"`
	UserName        string `json:"userName" validate:"required,nowhitespace"`
	MaxIdentifier   *Param `json:"maxIdentifier,omitempty"`
	SinceIdentifier *Param `json:"sinceIdentifier,omitempty"`
	Count           *Param `json:"count,omitempty"`
}

func (a *FetchTimelineArgs) normalize() {
	a.UserName = strings.TrimSpace(a.UserName)
}

func (a *FetchTimelineArgs) messages() map[string]string {
	return map[string]string{
		"taskIdentifier.required": MsgTaskIDStartFirst,
		"userName.required":       MsgUserNameRequired,
		"userName.nowhitespace":   MsgUserNameNoSpaces,
	}
}

// Params renders the remote parameter set. Absent pagination fields are omitted.
func (a *FetchTimelineArgs) Params() map[string]string {
	params := map[string]string{ParamScreenName: a.UserName}
	if a.MaxIdentifier != nil {
		params[ParamMaxID] = string(*a.MaxIdentifier)
	}
	if a.SinceIdentifier != nil {
		params[ParamSinceID] = string(*a.SinceIdentifier)
	}
	if a.Count != nil {
		params[ParamCount] = string(*a.Count)
	}
	return params
}

// CancelTaskArgs are the arguments of cancelTask.
type CancelTaskArgs struct {
	TaskIdentifier string `json:"taskIdentifier" validate:"required"`
}

func (a *CancelTaskArgs) normalize() {}

func (a *CancelTaskArgs) messages() map[string]string {
	return map[string]string{
		"taskIdentifier.required": MsgTaskIDRequired,
	}
}

// commandArgs is implemented by every typed argument struct.
type commandArgs interface {
	normalize()
	messages() map[string]string
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("nowhitespace", noWhitespace); err != nil {
		panic(err)
	}
	return v
}

func noWhitespace(fl validator.FieldLevel) bool {
	return strings.IndexFunc(fl.Field().String(), unicode.IsSpace) < 0
}

// decodeArgs unmarshals params into args, normalizes and validates them.
// Every failure is a single validation error naming the offending field.
func decodeArgs(params json.RawMessage, args commandArgs) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return bridgeerrors.Validation("", MsgNotAnObject)
	}
	if err := json.Unmarshal(trimmed, args); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return bridgeerrors.Validation(typeErr.Field, fmt.Sprintf(msgFieldMustBeString, typeErr.Field),
				bridgeerrors.WithCause(err))
		}
		return bridgeerrors.Validation("", MsgNotAnObject, bridgeerrors.WithCause(err))
	}

	args.normalize()

	err := validate.Struct(args)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return bridgeerrors.Wrap(err, "Bad arguments")
	}
	fe := verrs[0]
	msg, ok := args.messages()[fe.Field()+"."+fe.Tag()]
	if !ok {
		msg = fmt.Sprintf("Bad arguments: %s failed %s", fe.Field(), fe.Tag())
	}
	return bridgeerrors.Validation(fe.Field(), msg)
}
