package jsonrpc

import (
	"encoding/json"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Envelope captures the framing fields of an inbound JSON-RPC message. The
// transport layer only needs enough structure to classify a body as a
// reply-expecting request, a notification, or a response; params and results
// pass through opaque to the collaborator.
type Envelope struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// ExpectsReply reports whether the message carries an identifier that a
// correlated reply must eventually answer. Notifications and responses never
// expect one.
func (e *Envelope) ExpectsReply() bool {
	return e.Method != "" && !e.ID.IsNil()
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// ErrorData carries transport-level detail under the error data field.
type ErrorData struct {
	Reason string `json:"reason,omitempty"`
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}
