package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID represents a JSON-RPC ID that can be either a string or a number.
// A nil *RequestID means the message carried no ID at all.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or numeric value.
func NewRequestID(value any) *RequestID {
	switch value.(type) {
	case string, int, int64, float64:
		return &RequestID{value: value}
	default:
		return &RequestID{value: nil}
	}
}

// IsNil reports whether the ID is absent.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// String returns the string representation of the ID, or "" when absent.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if s, ok := id.value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", id.value)
}

// MarshalJSON implements json.Marshaler.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}

	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		if num == float64(int64(num)) {
			id.value = int64(num)
		} else {
			id.value = num
		}
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		id.value = str
		return nil
	}

	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
