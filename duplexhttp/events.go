package duplexhttp

import (
	"context"
	"encoding/json"
)

// EventKind distinguishes the items on the collaborator-facing channel.
type EventKind string

const (
	// EventNewSession announces a freshly established session.
	EventNewSession EventKind = "new_session"
	// EventMessage carries a decoded JSON message from a client.
	EventMessage EventKind = "message"
)

// SessionEvent is one item on the receive channel toward the collaborator.
type SessionEvent struct {
	Kind    EventKind
	Session string
	// Payload is the decoded JSON message; nil for new-session announcements.
	Payload json.RawMessage
}

// Receive returns the channel carrying decoded messages and session
// announcements toward the business-logic collaborator. The collaborator
// answers reply-expecting messages by calling SendReply.
func (h *Handler) Receive() <-chan SessionEvent {
	return h.events
}

func (h *Handler) deliver(ctx context.Context, ev SessionEvent) error {
	select {
	case h.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
