package gateway

import (
	"errors"

	"github.com/goccy/go-json"
)

// Error codes carried in Response.Error.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
	CodeUnavailable    = -32000
	CodeHandlerFailed  = -32001
)

var (
	// ErrDuplicateActor is returned when an actor name is registered twice.
	ErrDuplicateActor = errors.New("gateway: actor already registered")

	// ErrUnknownActor is returned when a handler is added to a missing actor.
	ErrUnknownActor = errors.New("gateway: unknown actor")
)

// Request is one inbound method call.
type Request struct {
	ID     int64           `json:"id"`
	Actor  string          `json:"actor"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request. Exactly one of Result and Error is set.
type Response struct {
	ID     int64  `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is the failure half of a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds an Error that handlers may return to choose the reply code.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func errorResponse(id int64, code int, message string) Response {
	return Response{ID: id, Error: &Error{Code: code, Message: message}}
}
