package rpc

import (
	"encoding/json"
	"strconv"
)

// ProtocolError describes a frame that could not be parsed or validated.
// It carries the code and the frame id to answer with, so the transport can
// build the corresponding error response without further inspection.
type ProtocolError struct {
	Code    ErrorCode
	FrameID string
	Message string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return e.Message
}

// Response builds the error frame answering the failed request.
func (e *ProtocolError) Response() *Frame {
	return NewErrorResponse(e.FrameID, e.Code, e.Message)
}

// rawRequest is the loose decode target for inbound request frames. The id
// is accepted as a JSON string or number; anything else is invalid.
type rawRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// ParseRequest decodes and validates one inbound request frame.
//
// Decode failures yield CodeParseError with the UnknownID fallback.
// Validation failures (missing or oversized id/method) yield
// CodeInvalidRequest, using the frame's own id when one was decodable.
func ParseRequest(raw []byte) (*Frame, *ProtocolError) {
	var req rawRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &ProtocolError{
			Code:    CodeParseError,
			FrameID: UnknownID,
			Message: "invalid JSON",
		}
	}

	id, ok := decodeID(req.ID)
	frameID := id
	if frameID == "" {
		frameID = UnknownID
	}

	switch {
	case !ok:
		return nil, invalidRequest(UnknownID, "id must be a string")
	case id == "":
		return nil, invalidRequest(UnknownID, "id is required")
	case len(id) > MaxIDLength:
		return nil, invalidRequest(UnknownID, "id exceeds "+strconv.Itoa(MaxIDLength)+" bytes")
	case req.Method == "":
		return nil, invalidRequest(frameID, "method is required")
	case len(req.Method) > MaxMethodLength:
		return nil, invalidRequest(frameID, "method exceeds "+strconv.Itoa(MaxMethodLength)+" bytes")
	}

	return &Frame{ID: id, Method: req.Method, Params: req.Params}, nil
}

// decodeID accepts a string id directly and tolerates a numeric id by
// rendering its decimal form. Other JSON types are rejected.
func decodeID(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func invalidRequest(frameID, message string) *ProtocolError {
	return &ProtocolError{
		Code:    CodeInvalidRequest,
		FrameID: frameID,
		Message: message,
	}
}
