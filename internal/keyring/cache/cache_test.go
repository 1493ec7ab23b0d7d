package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aussiebroadwan/keyring/internal/keyring/cache"
	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis, *chrono.Manual) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := chrono.NewManual(start)
	return cache.New(rdb, clock, cache.DefaultConfig()), mr, clock
}

// fixedTokens hands out the given tokens in order.
func fixedTokens(tokens ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		tok := tokens[i%len(tokens)]
		i++
		return tok, nil
	}
}

func TestCreateAndTouchSession(t *testing.T) {
	c, mr, _ := newCache(t)
	ctx := context.Background()

	token, err := c.CreateSession(ctx, cache.Pointer{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ptr, ok, err := c.TouchSession(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", ptr.UserID)
	require.Equal(t, start, ptr.Created())

	// Touching slides the TTL back to the full window.
	mr.FastForward(9 * time.Minute)
	_, ok, err = c.TouchSession(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10*time.Minute, mr.TTL(cache.SessionKey(token)))

	mr.FastForward(11 * time.Minute)
	_, ok, err = c.TouchSession(ctx, token)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateSessionCollision(t *testing.T) {
	c, _, _ := newCache(t)
	ctx := context.Background()
	c.NewToken = fixedTokens("same")

	first, err := c.CreateSession(ctx, cache.Pointer{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	_, err = c.CreateSession(ctx, cache.Pointer{UserID: "u2", SessionID: "s2"})
	require.ErrorIs(t, err, cache.ErrTokenCollision)

	ptr, ok, err := c.TouchSession(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", ptr.UserID, "first pointer intact")
}

func TestTouchSessionMaxAge(t *testing.T) {
	c, _, clock := newCache(t)
	ctx := context.Background()

	token, err := c.CreateSession(ctx, cache.Pointer{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, ok, err := c.TouchSession(ctx, token)
	require.NoError(t, err)
	require.True(t, ok, "exactly at the ceiling is still alive")

	clock.Advance(time.Millisecond)
	_, ok, err = c.TouchSession(ctx, token)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDropSessions(t *testing.T) {
	c, mr, _ := newCache(t)
	ctx := context.Background()

	a, err := c.CreateSession(ctx, cache.Pointer{UserID: "u1", SessionID: "a"})
	require.NoError(t, err)
	b, err := c.CreateSession(ctx, cache.Pointer{UserID: "u1", SessionID: "b"})
	require.NoError(t, err)

	require.NoError(t, c.DropSessions(ctx))
	require.NoError(t, c.DropSessions(ctx, cache.SessionKey(a), cache.SessionKey(b), cache.SessionKey("gone")))
	require.False(t, mr.Exists(cache.SessionKey(a)))
	require.False(t, mr.Exists(cache.SessionKey(b)))
}

func TestReplaceSessions(t *testing.T) {
	c, mr, _ := newCache(t)
	ctx := context.Background()

	old, err := c.CreateSession(ctx, cache.Pointer{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, c.ReplaceSessions(ctx, []string{cache.SessionKey(old)}, "fresh", cache.Pointer{UserID: "u1", SessionID: "s2"}))
	require.False(t, mr.Exists(cache.SessionKey(old)))

	ptr, ok, err := c.TouchSession(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s2", ptr.SessionID)

	err = c.ReplaceSessions(ctx, nil, "fresh", cache.Pointer{UserID: "u2", SessionID: "s3"})
	require.ErrorIs(t, err, cache.ErrTokenCollision)
	ptr, _, err = c.TouchSession(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, "u1", ptr.UserID, "the existing pointer is kept")
}

func TestReplaceSessionsCollisionKeepsOldKeys(t *testing.T) {
	c, mr, _ := newCache(t)
	ctx := context.Background()

	old, err := c.CreateSession(ctx, cache.Pointer{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	taken, err := c.CreateSession(ctx, cache.Pointer{UserID: "u2", SessionID: "s9"})
	require.NoError(t, err)

	err = c.ReplaceSessions(ctx, []string{cache.SessionKey(old)}, taken, cache.Pointer{UserID: "u1", SessionID: "s2"})
	require.ErrorIs(t, err, cache.ErrTokenCollision)
	require.True(t, mr.Exists(cache.SessionKey(old)), "old session survives a failed rotation")

	ptr, ok, err := c.TouchSession(ctx, taken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s9", ptr.SessionID)

	// A retry with a fresh token completes the rotation.
	require.NoError(t, c.ReplaceSessions(ctx, []string{cache.SessionKey(old)}, "fresh", cache.Pointer{UserID: "u1", SessionID: "s2"}))
	require.False(t, mr.Exists(cache.SessionKey(old)))
}

func TestAuthnLifecycle(t *testing.T) {
	c, mr, _ := newCache(t)
	ctx := context.Background()

	authn, err := c.CreateAuthn(ctx, cache.Pointer{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, mr.TTL(cache.AuthnKey(authn)))

	ptr, ok, err := c.GetAuthn(ctx, authn)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "s1", ptr.SessionID)

	t.Run("activate consumes the authn token", func(t *testing.T) {
		require.NoError(t, c.ActivateAuthn(ctx, authn, "tok", ptr))
		require.False(t, mr.Exists(cache.AuthnKey(authn)))

		got, ok, err := c.TouchSession(ctx, "tok")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ptr, got)

		err = c.ActivateAuthn(ctx, authn, "tok2", ptr)
		require.ErrorIs(t, err, cache.ErrAuthnNotFound)
		require.False(t, mr.Exists(cache.SessionKey("tok2")))
	})

	t.Run("collision leaves the authn token in place", func(t *testing.T) {
		authn2, err := c.CreateAuthn(ctx, cache.Pointer{UserID: "u1", SessionID: "s2"})
		require.NoError(t, err)
		err = c.ActivateAuthn(ctx, authn2, "tok", cache.Pointer{UserID: "u1", SessionID: "s2"})
		require.ErrorIs(t, err, cache.ErrTokenCollision)
		require.True(t, mr.Exists(cache.AuthnKey(authn2)))
	})

	t.Run("drop", func(t *testing.T) {
		authn3, err := c.CreateAuthn(ctx, cache.Pointer{UserID: "u1", SessionID: "s3"})
		require.NoError(t, err)
		require.NoError(t, c.DropAuthn(ctx, authn3))
		_, ok, err := c.GetAuthn(ctx, authn3)
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestBackendFailure(t *testing.T) {
	c, mr, _ := newCache(t)
	mr.Close()

	_, _, err := c.TouchSession(context.Background(), "x")
	require.ErrorIs(t, err, cache.ErrBackend)
	require.ErrorIs(t, c.Ping(context.Background()), cache.ErrBackend)
}
