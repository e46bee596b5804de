// Package auth keeps the bearer credential of each session.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AndreLimaSa/locals/internal/cache/keys"
)

// Store holds at most one credential per session. Get reports found=false
// when nothing is stored.
type Store interface {
	Get(ctx context.Context, sessionID string) (token string, found bool, err error)
	Set(ctx context.Context, sessionID, token string) error
	Clear(ctx context.Context, sessionID string) error
}

// ExpiresAt reads the exp claim without verifying the signature. ok is false
// when the token is not a JWT or carries no exp.
func ExpiresAt(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	nd, err := claims.GetExpirationTime()
	if err != nil || nd == nil {
		return time.Time{}, false
	}
	return nd.Time, true
}

// Expired reports whether token carries an exp claim at or before now.
// Opaque tokens are never considered expired here.
func Expired(token string, now time.Time) bool {
	exp, ok := ExpiresAt(token)
	return ok && !now.Before(exp)
}

type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[sessionID]
	return t, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, sessionID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[sessionID] = token
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, sessionID)
	return nil
}

// KV is the subset of redisstore.Client the Redis store needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisStore keeps credentials in Redis so they survive a restart. Entries
// expire together with the token's exp claim, or after DefaultTTL.
type RedisStore struct {
	kv         KV
	DefaultTTL time.Duration
	now        func() time.Time
}

func NewRedisStore(kv KV, defaultTTL time.Duration) *RedisStore {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &RedisStore{kv: kv, DefaultTTL: defaultTTL, now: time.Now}
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (string, bool, error) {
	b, found, err := r.kv.Get(ctx, keys.Credential(sessionID))
	if err != nil {
		return "", false, fmt.Errorf("credential get: %w", err)
	}
	if !found {
		return "", false, nil
	}
	return string(b), true, nil
}

func (r *RedisStore) Set(ctx context.Context, sessionID, token string) error {
	token = strings.TrimSpace(token)
	ttl := r.DefaultTTL
	if exp, ok := ExpiresAt(token); ok {
		ttl = exp.Sub(r.now())
		if ttl <= 0 {
			// already expired; drop whatever is there instead of storing it
			return r.Clear(ctx, sessionID)
		}
	}
	if err := r.kv.Set(ctx, keys.Credential(sessionID), []byte(token), ttl); err != nil {
		return fmt.Errorf("credential set: %w", err)
	}
	return nil
}

func (r *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := r.kv.Del(ctx, keys.Credential(sessionID)); err != nil {
		return fmt.Errorf("credential clear: %w", err)
	}
	return nil
}
