package sse

import "strings"

// Well-known event keys carried by the legacy transport.
const (
	// EventEndpoint announces the URL the client must POST messages to.
	EventEndpoint = "endpoint"
	// EventMessage carries a complete JSON document from server to client.
	EventMessage = "message"
)

// Event is one decoded SSE frame.
type Event struct {
	// Key is the event name from the "event: <name>" line.
	Key string
	// Data is the raw payload following the "data: " prefix.
	Data []byte
}

// SplitEndpoint splits an endpoint event payload into its path and query
// parts. The payload "/foo?bar=baz" yields ("/foo", "bar=baz"); a payload
// without a "?" yields an empty query.
func SplitEndpoint(data string) (path, query string) {
	if i := strings.IndexByte(data, '?'); i >= 0 {
		return data[:i], data[i+1:]
	}
	return data, ""
}
