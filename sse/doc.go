// Package sse implements the Server-Sent Events framing used by the legacy
// MCP transport: an incremental decoder that turns arbitrarily chunked bytes
// into discrete events, and the writer half used by servers to emit frames.
//
// The decoder is deliberately tolerant. Frames are delimited by a doubled
// line terminator whose flavor (CRLF or bare LF) is detected from the stream
// itself before the first split and then used consistently; partial frames
// wait for more data; malformed frames are dropped with a warning rather than
// ending the stream. Only the underlying connection closing ends decoding.
package sse
