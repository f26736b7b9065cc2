package executor

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// MessageGeneric is the last-resort failure reason.
const MessageGeneric = "Failed to perform request"

// reasonPaths are the API error body locations tried in order.
var reasonPaths = []string{
	"errors.0.message",
	"errors.0.detail",
	"detail",
	"error",
}

// Reason extracts a human-readable failure reason: a structured message
// from the response body, then the HTTP status text, then a generic message.
func Reason(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, p := range reasonPaths {
			if r := gjson.GetBytes(body, p); r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
				return strings.TrimSpace(r.Str)
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return MessageGeneric
}

// transportReason describes a failed round trip, preferring the innermost
// error over the url.Error wrapper.
func transportReason(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		if s := uerr.Err.Error(); s != "" {
			return MessageGeneric + ": " + s
		}
	}
	if s := err.Error(); s != "" {
		return MessageGeneric + ": " + s
	}
	return MessageGeneric
}
