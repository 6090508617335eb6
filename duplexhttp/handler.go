package duplexhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/mcpwire/mcpwire/internal/jsonrpc"
	"github.com/mcpwire/mcpwire/internal/logctx"
	"github.com/mcpwire/mcpwire/sessions"
	"github.com/mcpwire/mcpwire/sse"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names for clarity; Go matches headers case-insensitively.
	mcpSessionIDHeader    = "Mcp-Session-Id"
	sessionRequiredHeader = "Mcp-Session-Id-Required"

	ssePath      = "/sse"
	messagesPath = "/messages/"
	mcpPath      = "/mcp"

	// ackBody is the fixed acknowledgement token the legacy POST paths answer
	// with; they have no structured response channel.
	ackBody = "Accept"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC message exchange is possible. This is transport-level, not
// JSON-RPC framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError emits a JSON-RPC error response body with an HTTP error
// status, used once a message exchange exists and the error is recoverable by
// the client (stale session, protocol violation).
func writeRPCError(w http.ResponseWriter, status int, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger            *slog.Logger
	receiveBuffer     int
	keepAliveInterval time.Duration
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithReceiveBuffer sets the capacity of the collaborator-facing channel.
func WithReceiveBuffer(n int) Option {
	return func(c *newConfig) { c.receiveBuffer = n }
}

// WithKeepAliveInterval sets the interval between keepalive pings on open
// legacy event streams. Zero disables pings.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepAliveInterval = d }
}

// Handler serves both MCP HTTP transport variants on one mux: the legacy
// SSE-stream-plus-side-channel transport (GET /sse, POST /messages/) and the
// streamable transport (GET|POST|DELETE|HEAD /mcp) where each reply-expecting
// request is answered on the connection that sent it.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	registry  sessions.Registry
	pending   *pendingQueue
	streams   *streamTable
	events    chan SessionEvent
	keepAlive time.Duration
}

// New constructs a Handler over the given session registry.
func New(registry sessions.Registry, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	cfg := &newConfig{logger: slog.Default(), receiveBuffer: 64, keepAliveInterval: 30 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		registry:  registry,
		pending:   newPendingQueue(),
		streams:   newStreamTable(),
		events:    make(chan SessionEvent, cfg.receiveBuffer),
		keepAlive: cfg.keepAliveInterval,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ssePath, h.handleGetSSE)
	mux.HandleFunc("POST "+messagesPath, h.handlePostMessages)
	mux.HandleFunc("GET "+mcpPath, h.handleGetMCP)
	mux.HandleFunc("POST "+mcpPath, h.handlePostMCP)
	mux.HandleFunc("DELETE "+mcpPath, h.handleDeleteMCP)
	mux.HandleFunc("HEAD "+mcpPath, h.handleHeadMCP)
	// Root-POST compatibility path: some clients (VS Code) post directly to
	// the server root instead of the announced message endpoint.
	mux.HandleFunc("POST /{$}", h.handlePostRoot)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handleGetSSE establishes a legacy session: it opens the long-lived event
// stream, announces the message endpoint carrying the new token, and holds
// the connection until the client goes away.
func (h *Handler) handleGetSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.sse.start")

	if r.Header.Get("Accept") == "" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "accept.missing")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	token, err := h.registry.Create(ctx, sessions.ModeLegacy)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: token, Mode: string(sessions.ModeLegacy)})

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := h.streams.add(token, w, ctx)
	defer h.streams.remove(token)

	if err := stream.writeEvent(sse.EventEndpoint, []byte(messagesPath+"?session_id="+token)); err != nil {
		h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}

	if err := h.deliver(ctx, SessionEvent{Kind: EventNewSession, Session: token}); err != nil {
		h.log.ErrorContext(ctx, "session.announce.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	var keepalive <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		keepalive = t.C
	}
	for {
		select {
		case <-ctx.Done():
			// Abrupt close ends this session's event delivery silently.
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case <-keepalive:
			if err := stream.writeComment("ping - keepalive"); err != nil {
				h.log.InfoContext(ctx, "sse.stream.end")
				return
			}
		}
	}
}

// handlePostMessages is the legacy side channel: messages for a session
// established over GET /sse arrive here, addressed by a query parameter.
func (h *Handler) handlePostMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.messages.start")

	token, err := sessions.ParseToken(r.URL.Query().Get("session_id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed session_id")
		h.log.WarnContext(ctx, "session.id.malformed", slog.String("err", err.Error()))
		return
	}
	ok, err := h.registry.Exists(ctx, token)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to look up session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	if !ok {
		// The side channel never creates sessions.
		writeJSONError(w, http.StatusBadRequest, "unknown session_id")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: token, Mode: string(sessions.ModeLegacy)})

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		// The legacy transport has no structured error channel on this path:
		// log the decode failure and acknowledge anyway.
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
	} else if err := h.deliver(ctx, SessionEvent{Kind: EventMessage, Session: token, Payload: raw}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to forward message")
		h.log.ErrorContext(ctx, "message.forward.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, ackBody)
	h.log.InfoContext(ctx, "http.messages.ok", slog.Duration("dur", time.Since(start)))
}

// handlePostRoot resolves a bare POST with no session context to the implicit
// legacy session, preferring any live explicit legacy session.
func (h *Handler) handlePostRoot(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.root_post.start")

	token, created, err := h.registry.ResolveImplicit(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to resolve session")
		h.log.ErrorContext(ctx, "session.implicit.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: token, Mode: string(sessions.ModeLegacy)})
	if created {
		h.log.InfoContext(ctx, "session.implicit.create")
		if err := h.deliver(ctx, SessionEvent{Kind: EventNewSession, Session: token}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to announce session")
			h.log.ErrorContext(ctx, "session.announce.fail", slog.String("err", err.Error()))
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	var raw json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
	} else if err := h.deliver(ctx, SessionEvent{Kind: EventMessage, Session: token, Payload: raw}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to forward message")
		h.log.ErrorContext(ctx, "message.forward.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, ackBody)
	h.log.InfoContext(ctx, "http.root_post.ok", slog.Duration("dur", time.Since(start)))
}

// handleGetMCP establishes or confirms a streamable session. An unknown
// session header mints a fresh replacement token and answers exactly like
// first contact; clients discover they must re-initialize by seeing a token
// other than the one they sent.
func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		// Server-push streams over the streamable transport are unsupported.
		w.WriteHeader(http.StatusMethodNotAllowed)
		h.log.WarnContext(ctx, "http.get.push_unsupported")
		return
	}

	header := r.Header.Get(mcpSessionIDHeader)
	var token string
	if header == "" {
		created, err := h.registry.Create(ctx, sessions.ModeStreamable)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			return
		}
		token = created
		if err := h.announce(ctx, token); err != nil {
			return
		}
		h.log.InfoContext(ctx, "session.establish.ok", slog.String("session_id", token))
	} else {
		parsed, err := sessions.ParseToken(header)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed Mcp-Session-Id header")
			h.log.WarnContext(ctx, "session.id.malformed", slog.String("err", err.Error()))
			return
		}
		ok, err := h.registry.Exists(ctx, parsed)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to look up session")
			h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
			return
		}
		token = parsed
		if !ok {
			fresh, err := h.registry.Create(ctx, sessions.ModeStreamable)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "failed to create session")
				h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
				return
			}
			token = fresh
			if err := h.announce(ctx, token); err != nil {
				return
			}
			h.log.InfoContext(ctx, "session.replace.ok", slog.String("session_id", token))
		}
	}

	w.Header().Set(mcpSessionIDHeader, token)
	w.WriteHeader(http.StatusNoContent)
}

// handlePostMCP is the streamable message path. A POST without a session
// header establishes a session (this doubles as the client's probe); with a
// header the session must already exist and is never auto-created. Bodies
// carrying a request ID are answered later via SendReply on this same
// connection; notifications are accepted immediately.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	var env jsonrpc.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: env.Method, ID: env.ID.String()})

	header := r.Header.Get(mcpSessionIDHeader)
	var token string
	if header == "" {
		created, err := h.registry.Create(ctx, sessions.ModeStreamable)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			return
		}
		token = created
		if err := h.announce(ctx, token); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to announce session")
			return
		}
		h.log.InfoContext(ctx, "session.establish.ok", slog.String("session_id", token))
	} else {
		parsed, err := sessions.ParseToken(header)
		if err != nil {
			w.Header().Set("Connection", "close")
			writeJSONError(w, http.StatusBadRequest, "malformed Mcp-Session-Id header")
			h.log.WarnContext(ctx, "session.id.malformed", slog.String("err", err.Error()))
			return
		}
		ok, err := h.registry.Exists(ctx, parsed)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to look up session")
			h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
			return
		}
		if !ok {
			// Stale session: recoverable for the client, never auto-created.
			w.Header().Set("Connection", "close")
			writeRPCError(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(
				env.ID, jsonrpc.ErrorCodeInvalidRequest, "unknown session",
				&jsonrpc.ErrorData{Reason: "session not found; re-initialize"},
			))
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		token = parsed
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: token, Mode: string(sessions.ModeStreamable)})

	if !env.ExpectsReply() {
		// Notifications never receive a correlated reply; accept immediately.
		if err := h.deliver(ctx, SessionEvent{Kind: EventMessage, Session: token, Payload: raw}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to forward message")
			h.log.ErrorContext(ctx, "message.forward.fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set(mcpSessionIDHeader, token)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	pr := newPendingRequest(ctx, token)
	if err := h.pending.enqueue(pr); err != nil {
		writeRPCError(w, http.StatusBadRequest, jsonrpc.NewErrorResponse(
			env.ID, jsonrpc.ErrorCodeInvalidRequest, "request already in flight",
			&jsonrpc.ErrorData{Reason: err.Error()},
		))
		h.log.WarnContext(ctx, "request.duplicate_pending")
		return
	}

	if err := h.deliver(ctx, SessionEvent{Kind: EventMessage, Session: token, Payload: raw}); err != nil {
		h.pending.remove(pr)
		writeJSONError(w, http.StatusInternalServerError, "failed to forward message")
		h.log.ErrorContext(ctx, "message.forward.fail", slog.String("err", err.Error()))
		return
	}

	select {
	case payload := <-pr.reply:
		w.Header().Set(mcpSessionIDHeader, token)
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(payload); err != nil {
			h.log.ErrorContext(ctx, "reply.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
	case <-ctx.Done():
		// The entry stays queued; SendReply prunes it as a dead handle.
		h.log.InfoContext(ctx, "request.client.gone")
	}
}

// handleDeleteMCP terminates a session. Termination is idempotent so that
// duplicate DELETE retries both succeed.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	token, err := sessions.ParseToken(r.Header.Get(mcpSessionIDHeader))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.malformed", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: token})

	if err := h.registry.Terminate(ctx, token); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to terminate session")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}
	h.pending.dropAll(token)
	h.streams.remove(token)

	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleHeadMCP is a pure liveness probe: no state transition, empty body,
// and a marker header advertising the streamable endpoint.
func (h *Handler) handleHeadMCP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(sessionRequiredHeader, "true")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) announce(ctx context.Context, token string) error {
	if err := h.deliver(ctx, SessionEvent{Kind: EventNewSession, Session: token}); err != nil {
		h.log.ErrorContext(ctx, "session.announce.fail", slog.String("err", err.Error()))
		return err
	}
	return nil
}

// SendReply delivers a collaborator reply to the session identified by token:
// pushed as a message event on the open stream for legacy sessions, written
// as the deferred response to the oldest pending request for streamable ones.
func (h *Handler) SendReply(ctx context.Context, token string, payload json.RawMessage) error {
	mode, err := h.registry.Mode(ctx, token)
	if err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	switch mode {
	case sessions.ModeLegacy:
		stream, ok := h.streams.get(token)
		if !ok {
			h.log.InfoContext(ctx, "reply.stream.gone", slog.String("session_id", token))
			return ErrStreamGone
		}
		if err := stream.writeEvent(sse.EventMessage, payload); err != nil {
			return fmt.Errorf("write message event: %w", err)
		}
		return nil
	case sessions.ModeStreamable:
		pr, err := h.pending.dequeueFirst(token)
		if err != nil {
			switch {
			case errors.Is(err, ErrConnectionGone):
				h.log.WarnContext(ctx, "reply.connection.gone", slog.String("session_id", token))
			case errors.Is(err, ErrNoPending):
				// Replying to a notification or replying twice is a
				// collaborator logic error, not a droppable condition.
				h.log.ErrorContext(ctx, "reply.unexpected", slog.String("session_id", token))
			}
			return err
		}
		pr.reply <- payload
		return nil
	default:
		return fmt.Errorf("send reply: unknown session mode %q", mode)
	}
}
