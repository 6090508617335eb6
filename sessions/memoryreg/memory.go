// Package memoryreg is an in-memory implementation of sessions.Registry used
// for tests and single-process servers.
package memoryreg

import (
	"context"
	"sync"
	"time"

	"github.com/mcpwire/mcpwire/sessions"
)

type record struct {
	mode      sessions.Mode
	createdAt time.Time
}

// Registry is an in-memory sessions.Registry. A single coarse mutex guards
// all state; no operation blocks on I/O while holding it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]record
	implicit string
}

var _ sessions.Registry = (*Registry)(nil)

func New() *Registry {
	return &Registry{sessions: make(map[string]record)}
}

func (r *Registry) Create(ctx context.Context, mode sessions.Mode) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(mode), nil
}

func (r *Registry) createLocked(mode sessions.Mode) string {
	for {
		token := sessions.NewToken()
		if _, live := r.sessions[token]; live {
			continue
		}
		r.sessions[token] = record{mode: mode, createdAt: time.Now()}
		return token
	}
}

func (r *Registry) Exists(ctx context.Context, token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[token]
	return ok, nil
}

func (r *Registry) Mode(ctx context.Context, token string) (sessions.Mode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[token]
	if !ok {
		return "", sessions.ErrSessionNotFound
	}
	return rec.mode, nil
}

func (r *Registry) Terminate(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, token)
	if r.implicit == token {
		r.implicit = ""
	}
	return nil
}

func (r *Registry) ResolveImplicit(ctx context.Context) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Prefer a live explicit legacy session over the implicit slot.
	for token, rec := range r.sessions {
		if rec.mode == sessions.ModeLegacy && token != r.implicit {
			return token, false, nil
		}
	}

	if r.implicit != "" {
		if _, live := r.sessions[r.implicit]; live {
			return r.implicit, false, nil
		}
	}

	token := r.createLocked(sessions.ModeLegacy)
	r.implicit = token
	return token, true, nil
}

func (r *Registry) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), nil
}
