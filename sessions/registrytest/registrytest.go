// Package registrytest provides a conformance test suite that every
// sessions.Registry implementation must pass.
package registrytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire/sessions"
)

// RegistryFactory creates a fresh, empty Registry instance for testing.
type RegistryFactory func(t *testing.T) sessions.Registry

// RunRegistryTests runs the complete Registry test suite against the factory.
func RunRegistryTests(t *testing.T, factory RegistryFactory) {
	t.Run("Create_ReturnsLiveDistinctTokens", func(t *testing.T) { testCreateDistinct(t, factory) })
	t.Run("Mode_IsStickyPerToken", func(t *testing.T) { testModeSticky(t, factory) })
	t.Run("Mode_UnknownTokenIsNotFound", func(t *testing.T) { testModeNotFound(t, factory) })
	t.Run("Terminate_RemovesSession", func(t *testing.T) { testTerminate(t, factory) })
	t.Run("Terminate_AbsentTokenIsNoOp", func(t *testing.T) { testTerminateIdempotent(t, factory) })
	t.Run("Implicit_CreatedOnceAndReused", func(t *testing.T) { testImplicitReuse(t, factory) })
	t.Run("Implicit_PrefersLiveLegacySession", func(t *testing.T) { testImplicitPrefersLegacy(t, factory) })
	t.Run("Count_TracksLiveSessions", func(t *testing.T) { testCount(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testCreateDistinct(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := testCtx(t)

	a, err := reg.Create(ctx, sessions.ModeStreamable)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := reg.Create(ctx, sessions.ModeLegacy)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens, got %q twice", a)
	}
	for _, token := range []string{a, b} {
		if _, err := sessions.ParseToken(token); err != nil {
			t.Errorf("token %q is not canonical: %v", token, err)
		}
		ok, err := reg.Exists(ctx, token)
		if err != nil || !ok {
			t.Errorf("expected %q to exist (ok=%v err=%v)", token, ok, err)
		}
	}
}

func testModeSticky(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := testCtx(t)

	token, err := reg.Create(ctx, sessions.ModeStreamable)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		mode, err := reg.Mode(ctx, token)
		if err != nil {
			t.Fatalf("mode: %v", err)
		}
		if mode != sessions.ModeStreamable {
			t.Fatalf("expected streamable mode, got %q", mode)
		}
	}
}

func testModeNotFound(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := testCtx(t)

	_, err := reg.Mode(ctx, sessions.NewToken())
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testTerminate(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := testCtx(t)

	token, err := reg.Create(ctx, sessions.ModeStreamable)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Terminate(ctx, token); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	ok, err := reg.Exists(ctx, token)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatalf("expected session %q to be gone", token)
	}
	if _, err := reg.Mode(ctx, token); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after terminate, got %v", err)
	}
}

func testTerminateIdempotent(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := testCtx(t)

	token, err := reg.Create(ctx, sessions.ModeStreamable)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.Terminate(ctx, token); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if err := reg.Terminate(ctx, token); err != nil {
		t.Fatalf("second terminate should be a no-op, got %v", err)
	}
	if err := reg.Terminate(ctx, sessions.NewToken()); err != nil {
		t.Fatalf("terminating a never-created token should be a no-op, got %v", err)
	}
}

func testImplicitReuse(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := testCtx(t)

	first, created, err := reg.ResolveImplicit(ctx)
	if err != nil {
		t.Fatalf("resolve implicit: %v", err)
	}
	if !created {
		t.Fatalf("expected first resolve to create the implicit session")
	}
	mode, err := reg.Mode(ctx, first)
	if err != nil {
		t.Fatalf("mode of implicit session: %v", err)
	}
	if mode != sessions.ModeLegacy {
		t.Fatalf("implicit session mode = %q, want legacy", mode)
	}

	second, created, err := reg.ResolveImplicit(ctx)
	if err != nil {
		t.Fatalf("resolve implicit: %v", err)
	}
	if created {
		t.Fatalf("expected second resolve to reuse, not create")
	}
	if second != first {
		t.Fatalf("implicit session changed: %q then %q", first, second)
	}
}

func testImplicitPrefersLegacy(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := testCtx(t)

	legacy, err := reg.Create(ctx, sessions.ModeLegacy)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create(ctx, sessions.ModeStreamable); err != nil {
		t.Fatalf("create: %v", err)
	}

	token, created, err := reg.ResolveImplicit(ctx)
	if err != nil {
		t.Fatalf("resolve implicit: %v", err)
	}
	if created {
		t.Fatalf("expected resolve to reuse the live legacy session")
	}
	if token != legacy {
		t.Fatalf("resolved %q, want live legacy session %q", token, legacy)
	}
}

func testCount(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := testCtx(t)

	n, err := reg.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh registry count = %d, want 0", n)
	}

	token, err := reg.Create(ctx, sessions.ModeStreamable)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create(ctx, sessions.ModeLegacy); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err = reg.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	if err := reg.Terminate(ctx, token); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	n, err = reg.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after terminate = %d, want 1", n)
	}
}
