// Package redisreg is a Redis-backed implementation of sessions.Registry for
// multi-process deployments. Only session records are shared: pending-request
// correlation holds live connection handles and stays in-process.
package redisreg

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/mcpwire/mcpwire/sessions"
)

// Config for the Redis-backed Registry. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
}

// Registry implements sessions.Registry on top of a Redis client.
type Registry struct {
	client    *redis.Client
	keyPrefix string
}

var _ sessions.Registry = (*Registry)(nil)

func New(cfg Config) (*Registry, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	return &Registry{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Registry from environment variables via envdecode.
func NewFromEnv() (*Registry, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis registry config: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing client. The caller keeps ownership of cl.
func NewWithClient(cl *redis.Client, keyPrefix string) *Registry {
	if keyPrefix == "" {
		keyPrefix = "mcp:sessions:"
	}
	return &Registry{client: cl, keyPrefix: keyPrefix}
}

func (r *Registry) Close() error {
	return r.client.Close()
}

func (r *Registry) sessKey(token string) string { return r.keyPrefix + "sess:" + token }
func (r *Registry) legacyKey() string           { return r.keyPrefix + "legacy" }
func (r *Registry) implicitKey() string         { return r.keyPrefix + "implicit" }

func (r *Registry) Create(ctx context.Context, mode sessions.Mode) (string, error) {
	for {
		token := sessions.NewToken()
		ok, err := r.client.SetNX(ctx, r.sessKey(token), string(mode), 0).Result()
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		if !ok {
			continue
		}
		if mode == sessions.ModeLegacy {
			if err := r.client.SAdd(ctx, r.legacyKey(), token).Err(); err != nil {
				return "", fmt.Errorf("index legacy session: %w", err)
			}
		}
		return token, nil
	}
}

func (r *Registry) Exists(ctx context.Context, token string) (bool, error) {
	n, err := r.client.Exists(ctx, r.sessKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return n > 0, nil
}

func (r *Registry) Mode(ctx context.Context, token string) (sessions.Mode, error) {
	mode, err := r.client.Get(ctx, r.sessKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", sessions.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session mode: %w", err)
	}
	return sessions.Mode(mode), nil
}

func (r *Registry) Terminate(ctx context.Context, token string) error {
	impl, err := r.client.Get(ctx, r.implicitKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("terminate session: %w", err)
	}
	if impl == token {
		if err := r.client.Del(ctx, r.implicitKey()).Err(); err != nil {
			return fmt.Errorf("terminate session: %w", err)
		}
	}
	if err := r.client.SRem(ctx, r.legacyKey(), token).Err(); err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	if err := r.client.Del(ctx, r.sessKey(token)).Err(); err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	return nil
}

func (r *Registry) ResolveImplicit(ctx context.Context) (string, bool, error) {
	// Prefer a live explicit legacy session.
	token, err := r.client.SRandMember(ctx, r.legacyKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("resolve implicit session: %w", err)
	}
	if token != "" {
		return token, false, nil
	}

	token, err = r.client.Get(ctx, r.implicitKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, fmt.Errorf("resolve implicit session: %w", err)
	}
	if token != "" {
		live, err := r.Exists(ctx, token)
		if err != nil {
			return "", false, fmt.Errorf("resolve implicit session: %w", err)
		}
		if live {
			return token, false, nil
		}
		// Stale pointer, left behind by a crash between writes or by an
		// external deletion of the session record. Drop it and re-claim.
		if err := r.client.Del(ctx, r.implicitKey()).Err(); err != nil {
			return "", false, fmt.Errorf("drop stale implicit pointer: %w", err)
		}
	}

	// The session record goes first so the pointer never references a token
	// whose mode lookup would fail.
	fresh := sessions.NewToken()
	if err := r.client.Set(ctx, r.sessKey(fresh), string(sessions.ModeLegacy), 0).Err(); err != nil {
		return "", false, fmt.Errorf("record implicit session: %w", err)
	}
	claimed, err := r.client.SetNX(ctx, r.implicitKey(), fresh, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim implicit session: %w", err)
	}
	if !claimed {
		// Lost the race; discard our record and use whoever won.
		if err := r.client.Del(ctx, r.sessKey(fresh)).Err(); err != nil {
			return "", false, fmt.Errorf("discard unclaimed implicit session: %w", err)
		}
		token, err = r.client.Get(ctx, r.implicitKey()).Result()
		if err != nil {
			return "", false, fmt.Errorf("resolve implicit session: %w", err)
		}
		return token, false, nil
	}
	return fresh, true, nil
}

func (r *Registry) Count(ctx context.Context) (int, error) {
	var count int
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"sess:*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}
