package sse

import (
	"fmt"
	"io"
	"net/http"
)

// Line terminators a server may frame events with. The legacy MCP server
// frames its streams with CRLF; the decoder accepts either flavor but locks
// onto whichever the first frame uses, so a stream must stay consistent.
const (
	SepLF   = "\n"
	SepCRLF = "\r\n"
)

// WriteEvent writes a single SSE frame ("event: <name>", "data: <payload>")
// terminated by a doubled sep, and flushes when w supports it.
func WriteEvent(w io.Writer, sep, name string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s%s", name, sep); err != nil {
		return fmt.Errorf("failed to write SSE event name: %w", err)
	}
	if _, err := w.Write(dataPrefix); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := io.WriteString(w, sep+sep); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// WriteComment writes a comment frame (": <text>"). Clients drop comments;
// servers use them as keepalive pings.
func WriteComment(w io.Writer, sep, text string) error {
	if _, err := fmt.Fprintf(w, ": %s%s%s", text, sep, sep); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
