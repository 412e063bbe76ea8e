// ABOUTME: JSON-RPC 2.0 request/response types and reserved error codes
// ABOUTME: Shared by the agent-side server and the panel-side client

package rpc

import "fmt"

// Version is the protocol version tag carried by every message.
const Version = "2.0"

// Reserved protocol error codes. These describe transport/protocol failures;
// business-logic failures from handlers are carried as CodeHandlerError.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeHandlerError   = -32000
)

// Request is a JSON-RPC request. ID is caller-chosen and echoed back in the
// matching Response; it may be an integer or a string.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is a JSON-RPC response carrying exactly one of Result or Error.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// errorResponse builds an error Response echoing the given request id.
func errorResponse(id any, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}
