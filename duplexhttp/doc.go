// Package duplexhttp implements the server side of both MCP HTTP transport
// variants behind a single net/http handler.
//
// The legacy transport pairs a long-lived Server-Sent Events stream
// (GET /sse) with a side-channel message endpoint (POST /messages/) announced
// to the client as the stream's first event. Replies are pushed as "message"
// events on the open stream.
//
// The streamable transport multiplexes everything over one endpoint
// (GET|POST|DELETE|HEAD /mcp) keyed by the Mcp-Session-Id header. A POST
// whose body carries a request ID blocks until the collaborator produces the
// reply, which is written back on that same connection; notifications are
// accepted immediately with 202.
//
// # Collaborator boundary
//
// The handler knows nothing about MCP method semantics. Decoded messages and
// new-session announcements flow out over Receive(); the business-logic
// collaborator pushes replies back in through SendReply. Sessions live in a
// sessions.Registry, so a shared registry (redisreg) lets several processes
// agree on session identity, while reply correlation is always local to the
// process holding the connection.
//
// Construction
//
//	reg := memoryreg.New()
//	h, err := duplexhttp.New(reg)
//	...
//	go func() {
//		for ev := range h.Receive() {
//			// handle ev.Session / ev.Payload, reply via h.SendReply
//		}
//	}()
//	http.ListenAndServe(":8080", h)
//
// # Error handling
//
// Malformed session tokens are hard 400s; well-formed-but-unknown tokens get
// a structured JSON-RPC error telling the client to re-initialize. No failure
// on one connection or session affects any other.
package duplexhttp
