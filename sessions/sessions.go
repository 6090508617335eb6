package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Mode is the transport protocol variant a session was established with. A
// token identifies exactly one mode for its whole lifetime.
type Mode string

const (
	// ModeLegacy is the SSE-stream-plus-side-channel-POST variant.
	ModeLegacy Mode = "legacy"
	// ModeStreamable is the variant that answers each reply-expecting request
	// on the connection that sent it, correlated via a session header.
	ModeStreamable Mode = "streamable"
)

var (
	// ErrSessionNotFound indicates a well-formed token with no live session.
	// Clients can recover by re-initializing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTokenMalformed indicates a token that does not parse as a canonical
	// UUID. This is a hard failure, distinct from an unknown session.
	ErrTokenMalformed = errors.New("malformed session token")
)

// NewToken mints a fresh session token.
func NewToken() string {
	return uuid.NewString()
}

// ParseToken validates that raw is a canonical, unbraced UUID string and
// returns it in normalized form. Failure wraps ErrTokenMalformed so callers
// can distinguish the hard-failure path from a stale session.
func ParseToken(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrTokenMalformed, raw)
	}
	// uuid.Parse also accepts braced and URN forms; the wire format is the
	// canonical form only.
	if raw != id.String() {
		return "", fmt.Errorf("%w: %q", ErrTokenMalformed, raw)
	}
	return raw, nil
}

// Registry is the authoritative map of live session tokens to their protocol
// mode. The registry is the single writer of session records; callers must
// reject malformed tokens via ParseToken before consulting it.
type Registry interface {
	// Create mints a fresh token that does not collide with any live token,
	// records mode, and returns it.
	Create(ctx context.Context, mode Mode) (string, error)

	// Exists reports whether token identifies a live session.
	Exists(ctx context.Context, token string) (bool, error)

	// Mode returns the protocol mode recorded for token, or
	// ErrSessionNotFound when the session is absent.
	Mode(ctx context.Context, token string) (Mode, error)

	// Terminate removes the session. Terminating an absent token is a no-op,
	// not an error, so duplicate DELETE retries stay idempotent.
	Terminate(ctx context.Context, token string) error

	// ResolveImplicit resolves the session a bare legacy POST belongs to:
	// any currently-live explicit legacy session is preferred, else the
	// implicit session, lazily created on first use and reused thereafter.
	// created reports whether this call minted the session.
	ResolveImplicit(ctx context.Context) (token string, created bool, err error)

	// Count returns the number of live sessions.
	Count(ctx context.Context) (int, error)
}
