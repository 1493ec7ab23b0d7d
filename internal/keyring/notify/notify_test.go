package notify_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aussiebroadwan/keyring/internal/keyring/notify"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisStreamPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pub := notify.NewRedisStream(rdb, notify.StreamConfig{Stream: "mailer", Rate: 1000, Burst: 10})
	ctx := context.Background()

	require.NoError(t, pub.MailVerificationCode(ctx, "a@example.com", "123456"))
	require.NoError(t, pub.DeactivationNotice(ctx, "a@example.com", "alice", 2, 30))

	entries, err := rdb.XRange(ctx, "mailer", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var req notify.Request
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["request"].(string)), &req))
	require.Equal(t, notify.Request{
		Recipient: "a@example.com",
		Kind:      notify.KindMailVerificationCode,
		Params:    map[string]string{"code": "123456"},
	}, req)

	require.NoError(t, json.Unmarshal([]byte(entries[1].Values["request"].(string)), &req))
	require.Equal(t, "30", req.Params["days_left"])
	require.Equal(t, "2", req.Params["inactive_years"])
}

func TestRedisStreamHonoursContext(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// Empty bucket and a long refill: the wait must give up on cancel.
	pub := notify.NewRedisStream(rdb, notify.StreamConfig{Stream: "mailer", Rate: 0.001, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pub.UncompletedAuthn(ctx, "a@example.com", "10.0.0.1"))
	cancel()
	require.Error(t, pub.UncompletedAuthn(ctx, "a@example.com", "10.0.0.1"))
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	r := notify.NewRecorder()
	ctx := context.Background()

	var pub notify.Publisher = r
	require.NoError(t, pub.UncompletedAuthn(ctx, "a@example.com", "10.0.0.1"))
	require.NoError(t, pub.MailVerificationCode(ctx, "a@example.com", "1"))

	require.Len(t, r.Requests(), 2)
	got := r.OfKind(notify.KindUncompletedAuthn)
	require.Len(t, got, 1)
	require.Equal(t, "10.0.0.1", got[0].Params["ip_address"])

	r.Reset()
	require.Empty(t, r.Requests())
}
