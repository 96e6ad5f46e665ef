package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/1mcp-app/onemcp/pkg/auth"
)

// JSON-RPC error codes crossing the session boundary. The -32000 range is
// the implementation-defined server-error band.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeServiceUnavailable = -32000
	CodeUnauthorized       = -32001
	CodeCancelled          = -32800
)

// Error is the session-facing error shape: {code, message, data}.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewMethodNotFound reports an unknown namespaced capability name.
func NewMethodNotFound(name string) *Error {
	return &Error{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("unknown method or capability %q", name),
		Data:    map[string]any{"kind": "MethodNotFound"},
	}
}

// NewServiceUnavailable reports a target server that is not Ready.
func NewServiceUnavailable(server string) *Error {
	return &Error{
		Code:    CodeServiceUnavailable,
		Message: fmt.Sprintf("server %q is not ready", server),
		Data:    map[string]any{"kind": "ServiceUnavailable", "serverName": server},
	}
}

// NewInvalidParams reports a bad session or request parameter. offset < 0
// omits the offset field (used for tag-expression parse errors).
func NewInvalidParams(message string, offset int) *Error {
	data := map[string]any{"kind": "InvalidParams"}
	if offset >= 0 {
		data["offset"] = offset
	}
	return &Error{Code: CodeInvalidParams, Message: message, Data: data}
}

// guard converts a panic inside a request handler into an InternalError so
// it never escapes the session boundary. Use with a named error return:
//
//	defer guard(&err)
func guard(err *error) {
	if r := recover(); r != nil {
		*err = &Error{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("internal error: %v", r),
			Data:    map[string]any{"kind": "InternalError"},
		}
	}
}

// WrapOutbound translates an error returned by an outbound server into the
// session-facing shape, preserving the behavioral category and tagging the
// owning server in data.
func WrapOutbound(server string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	data := map[string]any{"serverName": server}

	if oe, ok := auth.AsOAuthRequired(err); ok {
		data["kind"] = "OAuthRequired"
		data["authorizationUrl"] = oe.AuthorizationURL
		return &Error{Code: CodeUnauthorized, Message: err.Error(), Data: data}
	}
	if errors.Is(err, context.Canceled) {
		data["kind"] = "Cancelled"
		return &Error{Code: CodeCancelled, Message: "request cancelled", Data: data}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		data["kind"] = "Timeout"
		return &Error{Code: CodeServiceUnavailable, Message: err.Error(), Data: data}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "method not found"):
		data["kind"] = "MethodNotFound"
		return &Error{Code: CodeMethodNotFound, Message: err.Error(), Data: data}
	case strings.Contains(msg, "invalid params"):
		data["kind"] = "InvalidParams"
		return &Error{Code: CodeInvalidParams, Message: err.Error(), Data: data}
	case strings.Contains(msg, "no session for server"):
		data["kind"] = "ServiceUnavailable"
		return &Error{Code: CodeServiceUnavailable, Message: err.Error(), Data: data}
	}

	data["kind"] = "InternalError"
	return &Error{Code: CodeInternalError, Message: err.Error(), Data: data}
}
