package duplexhttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/mcpwire/mcpwire/sse"
)

// ErrStreamGone indicates the legacy session has no open event stream; the
// client disconnected and event delivery for that session ended silently.
var ErrStreamGone = errors.New("no open event stream for session")

// legacyStream serializes frame writes onto one open SSE response and avoids
// writing after the request context is canceled. The legacy server frames its
// stream with CRLF; the whole stream must stay on the flavor the endpoint
// event established.
type legacyStream struct {
	mu  sync.Mutex
	w   io.Writer
	ctx context.Context
}

func (s *legacyStream) writeEvent(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return sse.WriteEvent(s.w, sse.SepCRLF, name, data)
}

func (s *legacyStream) writeComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	return sse.WriteComment(s.w, sse.SepCRLF, text)
}

// streamTable maps legacy session tokens to their single open event stream.
type streamTable struct {
	mu      sync.Mutex
	streams map[string]*legacyStream
}

func newStreamTable() *streamTable {
	return &streamTable{streams: make(map[string]*legacyStream)}
}

func (t *streamTable) add(token string, w http.ResponseWriter, ctx context.Context) *legacyStream {
	s := &legacyStream{w: w, ctx: ctx}
	t.mu.Lock()
	t.streams[token] = s
	t.mu.Unlock()
	return s
}

func (t *streamTable) get(token string) (*legacyStream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[token]
	return s, ok
}

func (t *streamTable) remove(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, token)
}
