// Package cache is the ephemeral fast path for sessions. It holds small
// pointers under opaque tokens with Redis-managed TTLs, independent of the
// durable session rows.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
	"github.com/aussiebroadwan/keyring/pkg/cryptox"
	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "session:"
	authnPrefix   = "authn:"
)

var (
	// ErrTokenCollision means a freshly drawn token is already in use. It is
	// never retried: a collision on 128 random bits is a broken generator.
	ErrTokenCollision = errors.New("cache: token collision")
	ErrAuthnNotFound  = errors.New("cache: authn token not found")
	ErrBackend        = errors.New("cache: backend unavailable")
)

// Pointer identifies the owner of a token without touching the durable store.
type Pointer struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	CreatedAt int64  `json:"created_at"` // unix ms
}

func (p Pointer) Created() time.Time { return time.UnixMilli(p.CreatedAt).UTC() }

type Config struct {
	SessionTTL    time.Duration // sliding
	SessionMaxAge time.Duration // absolute, regardless of touches
	AuthnTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		SessionTTL:    10 * time.Minute,
		SessionMaxAge: 2 * time.Hour,
		AuthnTTL:      5 * time.Minute,
	}
}

type Cache struct {
	rdb   *redis.Client
	clock chrono.Clock
	cfg   Config

	// NewToken draws a fresh opaque token. Tests swap it to force collisions.
	NewToken func() (string, error)
}

func New(rdb *redis.Client, clock chrono.Clock, cfg Config) *Cache {
	return &Cache{
		rdb:   rdb,
		clock: clock,
		cfg:   cfg,
		NewToken: func() (string, error) {
			return cryptox.GenerateToken(cryptox.TokenSize128)
		},
	}
}

func SessionKey(token string) string { return sessionPrefix + token }
func AuthnKey(token string) string   { return authnPrefix + token }

// IsSessionKey reports whether key lives in the session namespace.
func IsSessionKey(key string) bool { return strings.HasPrefix(key, sessionPrefix) }

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return backend(err)
	}
	return nil
}

// CreateSession draws a token and stores ptr under it.
func (c *Cache) CreateSession(ctx context.Context, ptr Pointer) (string, error) {
	token, err := c.NewToken()
	if err != nil {
		return "", err
	}
	if err := c.PutSession(ctx, token, ptr); err != nil {
		return "", err
	}
	return token, nil
}

// PutSession stores ptr under a token drawn earlier. The write only succeeds
// if the key is absent, and CreatedAt is stamped when unset.
func (c *Cache) PutSession(ctx context.Context, token string, ptr Pointer) error {
	return c.put(ctx, SessionKey(token), c.stamp(ptr), c.cfg.SessionTTL)
}

// TouchSession renews the TTL and reads the pointer in one GETEX. Pointers
// older than the maximum session age are reported absent.
func (c *Cache) TouchSession(ctx context.Context, token string) (Pointer, bool, error) {
	raw, err := c.rdb.GetEx(ctx, SessionKey(token), c.cfg.SessionTTL).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pointer{}, false, nil
	}
	if err != nil {
		return Pointer{}, false, backend(err)
	}
	ptr, err := decode(raw)
	if err != nil {
		return Pointer{}, false, err
	}
	if chrono.Expired(c.clock, ptr.Created(), c.cfg.SessionMaxAge) {
		return Pointer{}, false, nil
	}
	return ptr, true, nil
}

// DropSessions deletes a batch of namespaced keys, typically the cache_key
// column of the session rows being revoked.
func (c *Cache) DropSessions(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return backend(err)
	}
	return nil
}

// ReplaceSessions drops keys and stores ptr under token in one MULTI/EXEC,
// so a rotation never leaves both the old and the new session live. The
// new session key is watched: if it is already taken the result is
// ErrTokenCollision and the old keys stay in place.
func (c *Cache) ReplaceSessions(ctx context.Context, keys []string, token string, ptr Pointer) error {
	sessionKey := SessionKey(token)
	payload, err := json.Marshal(c.stamp(ptr))
	if err != nil {
		return err
	}

	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		taken, err := tx.Exists(ctx, sessionKey).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return ErrTokenCollision
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(keys) > 0 {
				pipe.Del(ctx, keys...)
			}
			pipe.Set(ctx, sessionKey, payload, c.cfg.SessionTTL)
			return nil
		})
		return err
	}, sessionKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTokenCollision), errors.Is(err, redis.TxFailedErr):
		return ErrTokenCollision
	default:
		return backend(err)
	}
}

func (c *Cache) CreateAuthn(ctx context.Context, ptr Pointer) (string, error) {
	token, err := c.NewToken()
	if err != nil {
		return "", err
	}
	if err := c.PutAuthn(ctx, token, ptr); err != nil {
		return "", err
	}
	return token, nil
}

func (c *Cache) PutAuthn(ctx context.Context, token string, ptr Pointer) error {
	return c.put(ctx, AuthnKey(token), c.stamp(ptr), c.cfg.AuthnTTL)
}

func (c *Cache) GetAuthn(ctx context.Context, token string) (Pointer, bool, error) {
	raw, err := c.rdb.Get(ctx, AuthnKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pointer{}, false, nil
	}
	if err != nil {
		return Pointer{}, false, backend(err)
	}
	ptr, err := decode(raw)
	if err != nil {
		return Pointer{}, false, err
	}
	return ptr, true, nil
}

func (c *Cache) DropAuthn(ctx context.Context, token string) error {
	if err := c.rdb.Del(ctx, AuthnKey(token)).Err(); err != nil {
		return backend(err)
	}
	return nil
}

// ActivateAuthn consumes the authn token and stores ptr under sessionToken
// in one MULTI/EXEC. Both keys are watched: a missing authn token yields
// ErrAuthnNotFound, an occupied session key yields ErrTokenCollision, and
// in either case nothing is written.
func (c *Cache) ActivateAuthn(ctx context.Context, authnToken, sessionToken string, ptr Pointer) error {
	authnKey, sessionKey := AuthnKey(authnToken), SessionKey(sessionToken)
	payload, err := json.Marshal(c.stamp(ptr))
	if err != nil {
		return err
	}

	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		authnLeft, err := tx.Exists(ctx, authnKey).Result()
		if err != nil {
			return err
		}
		if authnLeft == 0 {
			return ErrAuthnNotFound
		}
		taken, err := tx.Exists(ctx, sessionKey).Result()
		if err != nil {
			return err
		}
		if taken > 0 {
			return ErrTokenCollision
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, authnKey)
			pipe.Set(ctx, sessionKey, payload, c.cfg.SessionTTL)
			return nil
		})
		return err
	}, authnKey, sessionKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAuthnNotFound), errors.Is(err, ErrTokenCollision):
		return err
	case errors.Is(err, redis.TxFailedErr):
		// A watched key moved under us: either the authn token was consumed
		// concurrently or the session key was claimed.
		return ErrAuthnNotFound
	default:
		return backend(err)
	}
}

func (c *Cache) put(ctx context.Context, key string, ptr Pointer, ttl time.Duration) error {
	payload, err := json.Marshal(ptr)
	if err != nil {
		return err
	}
	ok, err := c.rdb.SetNX(ctx, key, payload, ttl).Result()
	if err != nil {
		return backend(err)
	}
	if !ok {
		return ErrTokenCollision
	}
	return nil
}

func (c *Cache) stamp(ptr Pointer) Pointer {
	if ptr.CreatedAt == 0 {
		ptr.CreatedAt = c.clock.Now().UnixMilli()
	}
	return ptr
}

func decode(raw []byte) (Pointer, error) {
	var ptr Pointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return Pointer{}, fmt.Errorf("cache: decode pointer: %w", err)
	}
	return ptr, nil
}

func backend(err error) error {
	return fmt.Errorf("%w: %v", ErrBackend, err)
}
