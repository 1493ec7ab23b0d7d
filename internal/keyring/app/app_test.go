package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aussiebroadwan/keyring/internal/keyring/app"
	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := app.LoadConfig()

	require.Equal(t, "sqlite", cfg.DatabaseDriver)
	require.Equal(t, "keyring.db", cfg.DatabaseFile)
	require.Equal(t, "localhost:6379", cfg.RedisAddr)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, 10*time.Second, cfg.ShutdownGracePeriod)
	require.Equal(t, "keyring", cfg.Engine.OtpIssuer)
	require.Equal(t, 6, cfg.Engine.MailCodeLength)
	require.Equal(t, "mailer", cfg.Mailer.Stream)
	require.Equal(t, time.Minute, cfg.Janitor.Interval)
	require.Equal(t, 730*24*time.Hour, cfg.Janitor.InactivityPeriod)
	require.Equal(t, 2048, cfg.Limits.KeysPerUser)
	require.Equal(t, 15, cfg.Limits.RecentSessionsPerUser)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("KEYRING_DATABASE_DRIVER", "postgres")
	t.Setenv("KEYRING_DATABASE_URL", "postgres://keyring@db/keyring")
	t.Setenv("KEYRING_REDIS_DB", "3")
	t.Setenv("KEYRING_JANITOR_INTERVAL", "30s")
	t.Setenv("KEYRING_PENDING_USER_TTL", "20") // minutes
	t.Setenv("KEYRING_SESSION_MAX_AGE", "not-a-duration")
	t.Setenv("KEYRING_LIMIT_MAIL_TOKENS_PER_IP", "8")
	t.Setenv("KEYRING_MAILER_RATE", "5")
	t.Setenv("RATELIMIT_PROBE_REQUESTS", "10")

	cfg := app.LoadConfig()

	require.Equal(t, "postgres", cfg.DatabaseDriver)
	require.Equal(t, "postgres://keyring@db/keyring", cfg.DatabaseURL)
	require.Equal(t, 3, cfg.RedisDB)
	require.Equal(t, 30*time.Second, cfg.Janitor.Interval)
	require.Equal(t, 20*time.Minute, cfg.Janitor.PendingUserTTL)
	require.Equal(t, 2*time.Hour, cfg.Cache.SessionMaxAge)
	require.Equal(t, 8, cfg.Limits.MailTokensPerIP)
	require.InDelta(t, 5.0, cfg.Mailer.Rate, 0)
	require.Equal(t, 10, cfg.ProbeLimit.RequestsPerWindow)
}

func testConfig(t *testing.T, mr *miniredis.Miniredis) app.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := app.LoadConfig()
	cfg.LogLevel = "error"
	cfg.Port = 0
	cfg.DatabaseFile = filepath.Join(dir, "keyring.db")
	cfg.PepperFile = filepath.Join(dir, "secrets", "pepper")
	cfg.RedisAddr = mr.Addr()
	return cfg
}

func TestNewWiresEngineAndProbes(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)

	application, err := app.New(cfg)
	require.NoError(t, err)
	require.FileExists(t, cfg.PepperFile)

	ctx := context.Background()
	res, err := application.Engine().Register(ctx,
		"alice",
		"$argon2id$v=19$m=65536,t=3,p=1$c29tZXNhbHRzb21lc2FsdA",
		strings.Repeat("a", 43),
		"alice@example.com",
		domain.Agent{IPAddress: "198.51.100.4", UserAgent: "cli", ClientVersion: "2.1"},
	)
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionToken)

	// The verification code went out on the mailer stream.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	entries, err := rdb.XRange(ctx, cfg.Mailer.Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, application.Shutdown())
}

func TestNewRejectsBadDatabaseConfig(t *testing.T) {
	mr := miniredis.RunT(t)

	t.Run("unknown driver", func(t *testing.T) {
		cfg := testConfig(t, mr)
		cfg.DatabaseDriver = "mysql"
		_, err := app.New(cfg)
		require.ErrorIs(t, err, app.ErrUnknownDriver)
	})

	t.Run("postgres without url", func(t *testing.T) {
		cfg := testConfig(t, mr)
		cfg.DatabaseDriver = "postgres"
		cfg.DatabaseURL = ""
		_, err := app.New(cfg)
		require.ErrorContains(t, err, "KEYRING_DATABASE_URL")
	})
}

func TestNewFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	mr.Close()

	_, err := app.New(cfg)
	require.ErrorContains(t, err, "redis")
}
