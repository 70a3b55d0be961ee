// Package rpc provides the wire framing for the gateway socket: a small
// JSON protocol with three frame shapes (request, response, event) and
// JSON-RPC-compatible error codes.
package rpc

import (
	"encoding/json"
	"fmt"
)

// ErrorCode identifies a protocol-level failure.
type ErrorCode int

// Standard codes plus the gateway-specific range.
const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603
	CodeAuthRequired   ErrorCode = -32000
	CodeRateLimited    ErrorCode = -32001
)

// Field length bounds enforced on inbound frames.
const (
	MaxIDLength     = 128
	MaxMethodLength = 256
	MaxEventLength  = 256
)

// UnknownID is the fallback frame id used when a request is too malformed
// to carry one.
const UnknownID = "unknown"

// ErrorObject is the error member of a response frame.
type ErrorObject struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Kind distinguishes the three frame shapes.
type Kind int

const (
	// KindRequest is {id, method, params?}.
	KindRequest Kind = iota
	// KindResponse is {id, result?} or {id, error}.
	KindResponse
	// KindEvent is {event, data}.
	KindEvent
)

// Frame is one wire message. It is a tagged union: exactly one of the three
// shapes is populated, and on a response frame Result and Error are mutually
// exclusive (enforced by the constructors).
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result interface{}     `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   interface{}     `json:"data,omitempty"`
}

// Kind returns the shape of the frame.
func (f *Frame) Kind() Kind {
	switch {
	case f.Event != "":
		return KindEvent
	case f.Method != "":
		return KindRequest
	default:
		return KindResponse
	}
}

// IsError reports whether the frame is an error response.
func (f *Frame) IsError() bool {
	return f.Error != nil
}

// Encode serializes the frame to its wire format.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode frame: %w", err)
	}
	return data, nil
}

// NewResponse builds a success response frame. A nil result is omitted from
// the wire form.
func NewResponse(id string, result interface{}) *Frame {
	return &Frame{ID: id, Result: result}
}

// NewErrorResponse builds an error response frame.
func NewErrorResponse(id string, code ErrorCode, message string) *Frame {
	return &Frame{ID: id, Error: &ErrorObject{Code: code, Message: message}}
}

// NewEvent builds an event frame. The event name must be non-empty and
// within the length bound.
func NewEvent(name string, data interface{}) (*Frame, error) {
	if name == "" {
		return nil, fmt.Errorf("rpc: event name is empty")
	}
	if len(name) > MaxEventLength {
		return nil, fmt.Errorf("rpc: event name exceeds %d bytes", MaxEventLength)
	}
	return &Frame{Event: name, Data: data}, nil
}
