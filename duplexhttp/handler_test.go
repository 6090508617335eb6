package duplexhttp

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire/sessions"
	"github.com/mcpwire/mcpwire/sessions/memoryreg"
	"github.com/mcpwire/mcpwire/sse"
)

func newTestServer(t *testing.T) (*Handler, sessions.Registry, *httptest.Server) {
	t.Helper()

	reg := memoryreg.New()
	h, err := New(reg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithKeepAliveInterval(0),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, reg, srv
}

// drainEvents consumes the collaborator channel into a buffered channel the
// test can assert on without ever blocking a handler.
func drainEvents(t *testing.T, h *Handler) <-chan SessionEvent {
	t.Helper()
	out := make(chan SessionEvent, 64)
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case ev := <-h.Receive():
				out <- ev
			case <-done:
				return
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, ch <-chan SessionEvent) SessionEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session event")
		return SessionEvent{}
	}
}

// openStream opens the legacy event stream and returns the decoded endpoint
// event data along with a channel of subsequent events.
func openStream(t *testing.T, srv *httptest.Server) (endpoint string, events <-chan sse.Event) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sse", nil)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open stream: status %d, want 200", resp.StatusCode)
	}

	ch := make(chan sse.Event, 16)
	go func() {
		defer close(ch)
		dec := sse.NewDecoder(sse.WithDecoderLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		buf := make([]byte, 1024)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				for _, ev := range dec.Feed(buf[:n]) {
					ch <- ev
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case ev := <-ch:
		if ev.Key != sse.EventEndpoint {
			t.Fatalf("first event key = %q, want %q", ev.Key, sse.EventEndpoint)
		}
		return string(ev.Data), ch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for endpoint event")
		return "", nil
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	h, reg, srv := newTestServer(t)
	events := drainEvents(t, h)

	endpoint, streamEvents := openStream(t, srv)
	if !strings.HasPrefix(endpoint, "/messages/?session_id=") {
		t.Fatalf("endpoint = %q, want /messages/?session_id=<token>", endpoint)
	}
	token := strings.TrimPrefix(endpoint, "/messages/?session_id=")
	if _, err := sessions.ParseToken(token); err != nil {
		t.Fatalf("endpoint token: %v", err)
	}

	ev := nextEvent(t, events)
	if ev.Kind != EventNewSession || ev.Session != token {
		t.Fatalf("announcement = %+v, want new_session for %q", ev, token)
	}

	resp, err := srv.Client().Post(srv.URL+endpoint, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post message: status %d, want 202", resp.StatusCode)
	}
	if string(body) != "Accept" {
		t.Fatalf("ack body = %q, want %q", body, "Accept")
	}

	ev = nextEvent(t, events)
	if ev.Kind != EventMessage || ev.Session != token {
		t.Fatalf("message event = %+v", ev)
	}

	reply := json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`)
	if err := h.SendReply(t.Context(), token, reply); err != nil {
		t.Fatalf("SendReply: %v", err)
	}

	select {
	case got := <-streamEvents:
		if got.Key != sse.EventMessage {
			t.Fatalf("stream event key = %q, want %q", got.Key, sse.EventMessage)
		}
		if !bytes.Equal(got.Data, reply) {
			t.Fatalf("stream event data = %s, want %s", got.Data, reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply on event stream")
	}

	if n, _ := reg.Count(t.Context()); n != 1 {
		t.Fatalf("live sessions = %d, want 1", n)
	}
}

func TestLegacyStreamRequiresEventStreamAccept(t *testing.T) {
	_, _, srv := newTestServer(t)

	for _, accept := range []string{"", "application/json"} {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sse", nil)
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("GET /sse: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("Accept %q: status %d, want 415", accept, resp.StatusCode)
		}
	}
}

func TestMessagesRejectsUnknownAndMalformedSessions(t *testing.T) {
	_, reg, srv := newTestServer(t)

	// Well-formed but unknown token: rejected, never auto-created.
	resp, err := srv.Client().Post(srv.URL+"/messages/?session_id="+sessions.NewToken(),
		"application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown session: status %d, want 400", resp.StatusCode)
	}
	if n, _ := reg.Count(t.Context()); n != 0 {
		t.Fatalf("unknown session created a record, count = %d", n)
	}

	resp, err = srv.Client().Post(srv.URL+"/messages/?session_id=not-a-uuid",
		"application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed session: status %d, want 400", resp.StatusCode)
	}
}

func TestRootPostReusesImplicitSession(t *testing.T) {
	h, reg, srv := newTestServer(t)
	events := drainEvents(t, h)

	post := func() {
		t.Helper()
		resp, err := srv.Client().Post(srv.URL+"/", "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		if err != nil {
			t.Fatalf("root post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("root post: status %d, want 202", resp.StatusCode)
		}
	}

	post()
	first := nextEvent(t, events)
	if first.Kind != EventNewSession {
		t.Fatalf("first event = %+v, want new_session", first)
	}
	msg := nextEvent(t, events)
	if msg.Kind != EventMessage || msg.Session != first.Session {
		t.Fatalf("message event = %+v", msg)
	}

	// The second bare POST reuses the implicit session: no fresh announcement.
	post()
	msg = nextEvent(t, events)
	if msg.Kind != EventMessage || msg.Session != first.Session {
		t.Fatalf("second message event = %+v, want message on %q", msg, first.Session)
	}
	if n, _ := reg.Count(t.Context()); n != 1 {
		t.Fatalf("live sessions = %d, want 1", n)
	}
}

func TestStreamableProbeRoundTrip(t *testing.T) {
	h, reg, srv := newTestServer(t)

	reply := json.RawMessage(`{"jsonrpc":"2.0","id":0,"result":{}}`)
	go func() {
		var session string
		for ev := range h.Receive() {
			switch ev.Kind {
			case EventNewSession:
				session = ev.Session
			case EventMessage:
				_ = h.SendReply(t.Context(), session, reply)
				return
			}
		}
	}()

	resp, err := srv.Client().Post(srv.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":0}`))
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("probe: status %d, want 200", resp.StatusCode)
	}
	token, err := sessions.ParseToken(resp.Header.Get("Mcp-Session-Id"))
	if err != nil {
		t.Fatalf("probe session header: %v", err)
	}
	if !bytes.Equal(bytes.TrimSpace(body), reply) {
		t.Fatalf("probe body = %s, want %s", body, reply)
	}

	mode, err := reg.Mode(t.Context(), token)
	if err != nil {
		t.Fatalf("Mode: %v", err)
	}
	if mode != sessions.ModeStreamable {
		t.Fatalf("mode = %q, want streamable", mode)
	}
}

func TestStreamableNotificationIsAcceptedImmediately(t *testing.T) {
	h, reg, srv := newTestServer(t)
	events := drainEvents(t, h)

	token, err := reg.Create(t.Context(), sessions.ModeStreamable)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/progress"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", token)

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("notification: status %d, want 202", resp.StatusCode)
	}
	if got := resp.Header.Get("Mcp-Session-Id"); got != token {
		t.Fatalf("session header = %q, want %q", got, token)
	}

	ev := nextEvent(t, events)
	if ev.Kind != EventMessage || ev.Session != token {
		t.Fatalf("event = %+v", ev)
	}
	// Notifications never enqueue a pending reply slot.
	if h.pending.count(token) != 0 {
		t.Fatalf("pending count = %d, want 0", h.pending.count(token))
	}
}

func TestStreamableUnknownSessionIsRecoverable400(t *testing.T) {
	_, reg, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":7}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", sessions.NewToken())

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	var errResp struct {
		ID    int `json:"id"`
		Error struct {
			Data struct {
				Reason string `json:"reason"`
			} `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	if errResp.ID != 7 {
		t.Fatalf("error id = %d, want 7", errResp.ID)
	}
	if !strings.Contains(errResp.Error.Data.Reason, "re-initialize") {
		t.Fatalf("reason = %q, want a re-initialize hint", errResp.Error.Data.Reason)
	}
	if n, _ := reg.Count(t.Context()); n != 0 {
		t.Fatalf("unknown token created a session, count = %d", n)
	}
}

func TestStreamableMalformedSessionHeader(t *testing.T) {
	_, _, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", "definitely-not-a-uuid")

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestStreamableRejectsInvalidJSONBody(t *testing.T) {
	_, reg, srv := newTestServer(t)

	resp, err := srv.Client().Post(srv.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
	// The body is rejected before any session is established.
	if n, _ := reg.Count(t.Context()); n != 0 {
		t.Fatalf("invalid body created a session, count = %d", n)
	}
}

func TestMessagesAcknowledgesInvalidJSONWithoutForwarding(t *testing.T) {
	h, reg, srv := newTestServer(t)
	events := drainEvents(t, h)

	token, err := reg.Create(t.Context(), sessions.ModeLegacy)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The side channel has no structured error path: a body that does not
	// parse is still acknowledged, but nothing reaches the collaborator.
	resp, err := srv.Client().Post(srv.URL+"/messages/?session_id="+token,
		"application/json", strings.NewReader(`{"jsonrpc":"2.0",`))
	if err != nil {
		t.Fatalf("post invalid: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("invalid body: status %d, want 202", resp.StatusCode)
	}
	if string(body) != "Accept" {
		t.Fatalf("ack body = %q, want %q", body, "Accept")
	}

	// A well-formed follow-up is the first and only thing forwarded.
	resp, err = srv.Client().Post(srv.URL+"/messages/?session_id="+token,
		"application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}`))
	if err != nil {
		t.Fatalf("post valid: %v", err)
	}
	resp.Body.Close()

	ev := nextEvent(t, events)
	if ev.Kind != EventMessage || ev.Session != token {
		t.Fatalf("event = %+v", ev)
	}
	if !strings.Contains(string(ev.Payload), `"ping"`) {
		t.Fatalf("forwarded payload = %s, want the well-formed message", ev.Payload)
	}
	select {
	case extra := <-events:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestStreamableRejectsNonJSONContentType(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := srv.Client().Post(srv.URL+"/mcp", "text/plain", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status %d, want 415", resp.StatusCode)
	}
}

func TestStreamableDuplicatePendingRejected(t *testing.T) {
	h, reg, srv := newTestServer(t)
	events := drainEvents(t, h)

	token, err := reg.Create(t.Context(), sessions.ModeStreamable)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	send := func(id string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp",
			strings.NewReader(`{"jsonrpc":"2.0","method":"tools/list","id":`+id+`}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Mcp-Session-Id", token)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		return resp
	}

	firstDone := make(chan *http.Response, 1)
	go func() { firstDone <- send("1") }()

	// Wait until the first request is in flight before the duplicate.
	ev := nextEvent(t, events)
	if ev.Kind != EventMessage {
		t.Fatalf("event = %+v, want message", ev)
	}

	dup := send("2")
	body, _ := io.ReadAll(dup.Body)
	dup.Body.Close()
	if dup.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate: status %d, want 400", dup.StatusCode)
	}
	if !strings.Contains(string(body), "already in flight") {
		t.Fatalf("duplicate body = %s", body)
	}

	// The rejection must not have disturbed the first request's reply slot.
	if err := h.SendReply(t.Context(), token, json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{}}`)); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	first := <-firstDone
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request: status %d, want 200", first.StatusCode)
	}
}

func TestGetMCPEstablishesAndReplacesSessions(t *testing.T) {
	h, _, srv := newTestServer(t)
	drainEvents(t, h)

	resp, err := srv.Client().Get(srv.URL + "/mcp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("first contact: status %d, want 204", resp.StatusCode)
	}
	token, err := sessions.ParseToken(resp.Header.Get("Mcp-Session-Id"))
	if err != nil {
		t.Fatalf("first contact header: %v", err)
	}

	// A known token is echoed back unchanged.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Mcp-Session-Id", token)
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get known: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("known token: status %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Mcp-Session-Id"); got != token {
		t.Fatalf("known token echoed %q, want %q", got, token)
	}

	// An unknown token is answered like first contact with a fresh token.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessions.NewToken())
	resp, err = srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unknown token: status %d, want 204", resp.StatusCode)
	}
	replacement, err := sessions.ParseToken(resp.Header.Get("Mcp-Session-Id"))
	if err != nil {
		t.Fatalf("replacement header: %v", err)
	}
	if replacement == token {
		t.Fatal("replacement token collided with the live session")
	}
}

func TestGetMCPRejectsPushStreams(t *testing.T) {
	_, _, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", resp.StatusCode)
	}
}

func TestDeleteMCPIsIdempotent(t *testing.T) {
	h, reg, srv := newTestServer(t)

	token, err := reg.Create(t.Context(), sessions.ModeStreamable)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.pending.enqueue(newPendingRequest(t.Context(), token)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	del := func() *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
		req.Header.Set("Mcp-Session-Id", token)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		return resp
	}

	resp := del()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("first delete: status %d body %q", resp.StatusCode, body)
	}
	if ok, _ := reg.Exists(t.Context(), token); ok {
		t.Fatal("session survived termination")
	}
	if n := h.pending.count(token); n != 0 {
		t.Fatalf("pending entries after termination = %d, want 0", n)
	}

	resp = del()
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second delete: status %d, want 200", resp.StatusCode)
	}
	if n := h.pending.count(token); n != 0 {
		t.Fatalf("pending entries after second delete = %d, want 0", n)
	}
}

func TestHeadMCPAdvertisesSessionRequirement(t *testing.T) {
	_, reg, srv := newTestServer(t)

	resp, err := srv.Client().Head(srv.URL + "/mcp")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Mcp-Session-Id-Required"); got != "true" {
		t.Fatalf("marker header = %q, want %q", got, "true")
	}
	// Probes never touch session state.
	if n, _ := reg.Count(t.Context()); n != 0 {
		t.Fatalf("HEAD created sessions, count = %d", n)
	}
}

func TestSendReplyToUnknownSession(t *testing.T) {
	h, _, _ := newTestServer(t)

	err := h.SendReply(t.Context(), sessions.NewToken(), json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("SendReply to unknown session succeeded")
	}
}


