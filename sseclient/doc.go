// Package sseclient implements the client side of both MCP HTTP transport
// variants. Connect probes the streamable endpoint first and falls back to
// the legacy SSE transport when the server does not answer with a valid
// session header, so one client works against either generation of server.
//
// Transport selection is sticky for the lifetime of the client: once Connect
// resolves a mode, every Send uses the resolved message endpoint and, in
// streamable mode, attaches the Mcp-Session-Id header. Decoded messages
// ("message" events on the legacy stream, reply bodies on streamable POSTs)
// arrive on Messages().
//
// Connect applies no timeout of its own; pass a context with a deadline. A
// server that never emits the endpoint event keeps a legacy connection in
// limbo until that deadline fires.
package sseclient
