package transport

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response. ID is always written, null
// when the request id could not be recovered.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Reply builds the outbound message answering request id with result.
func Reply(id, result interface{}) *OutboundMessage {
	return &OutboundMessage{
		Response: &Response{JSONRPC: Version, ID: id, Result: result},
	}
}

// ReplyError builds the outbound message answering request id with a
// protocol-level error.
func ReplyError(id interface{}, rpcErr *Error) *OutboundMessage {
	return &OutboundMessage{
		Response: &Response{JSONRPC: Version, ID: id, Error: rpcErr},
	}
}

// Notify builds an unsolicited notification.
func Notify(method string, params interface{}) *OutboundMessage {
	return &OutboundMessage{
		Notification: &Notification{JSONRPC: Version, Method: method, Params: params},
	}
}
