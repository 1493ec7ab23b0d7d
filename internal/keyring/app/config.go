package app

import (
	"os"
	"strconv"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/cache"
	"github.com/aussiebroadwan/keyring/internal/keyring/engine"
	"github.com/aussiebroadwan/keyring/internal/keyring/janitor"
	"github.com/aussiebroadwan/keyring/internal/keyring/limits"
	"github.com/aussiebroadwan/keyring/internal/keyring/notify"
	"github.com/aussiebroadwan/keyring/pkg/httpx"
)

type Config struct {
	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // Probe server port (default: 8080)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)

	DatabaseDriver string // sqlite or postgres (default: sqlite)
	DatabaseFile   string // SQLite file (default: ./keyring.db)
	DatabaseURL    string // Postgres DSN, required with the postgres driver
	PepperFile     string // Pepper for digest hashing (default: ./pepper)

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Engine  engine.Config
	Cache   cache.Config
	Mailer  notify.StreamConfig
	Janitor janitor.Config
	Limits  limits.Config

	ProbeLimit httpx.RateLimitConfig
}

func LoadConfig() Config {
	eng := engine.DefaultConfig()
	eng.OtpIssuer = getEnvOrDefault("KEYRING_OTP_ISSUER", eng.OtpIssuer)
	eng.MailCodeLength = getEnvIntOrDefault("KEYRING_MAIL_CODE_LENGTH", eng.MailCodeLength)
	eng.ResendBase = getEnvDurationOrDefault("KEYRING_RESEND_BASE", eng.ResendBase)

	cc := cache.DefaultConfig()
	cc.SessionTTL = getEnvDurationOrDefault("KEYRING_SESSION_TTL", cc.SessionTTL)
	cc.SessionMaxAge = getEnvDurationOrDefault("KEYRING_SESSION_MAX_AGE", cc.SessionMaxAge)
	cc.AuthnTTL = getEnvDurationOrDefault("KEYRING_AUTHN_TTL", cc.AuthnTTL)

	mailer := notify.DefaultStreamConfig()
	mailer.Stream = getEnvOrDefault("KEYRING_MAILER_STREAM", mailer.Stream)
	mailer.Rate = float64(getEnvIntOrDefault("KEYRING_MAILER_RATE", int(mailer.Rate)))
	mailer.Burst = getEnvIntOrDefault("KEYRING_MAILER_BURST", mailer.Burst)

	jc := janitor.DefaultConfig()
	jc.Interval = getEnvDurationOrDefault("KEYRING_JANITOR_INTERVAL", jc.Interval)
	jc.MailTokenTTL = getEnvDurationOrDefault("KEYRING_MAIL_TOKEN_TTL", jc.MailTokenTTL)
	jc.PendingUserTTL = getEnvDurationOrDefault("KEYRING_PENDING_USER_TTL", jc.PendingUserTTL)
	jc.AuthnWindow = getEnvDurationOrDefault("KEYRING_AUTHN_WINDOW", jc.AuthnWindow)
	jc.AbsoluteSessionWindow = getEnvDurationOrDefault("KEYRING_ABSOLUTE_SESSION_WINDOW", jc.AbsoluteSessionWindow)
	jc.SessionRetention = getEnvDurationOrDefault("KEYRING_SESSION_RETENTION", jc.SessionRetention)
	jc.OtpParamsTTL = getEnvDurationOrDefault("KEYRING_OTP_PARAMS_TTL", jc.OtpParamsTTL)
	jc.OtpTokenRetention = getEnvDurationOrDefault("KEYRING_OTP_TOKEN_RETENTION", jc.OtpTokenRetention)
	jc.DeletedUserRetention = getEnvDurationOrDefault("KEYRING_DELETED_USER_RETENTION", jc.DeletedUserRetention)
	jc.InactivityPeriod = getEnvDurationOrDefault("KEYRING_INACTIVITY_PERIOD", jc.InactivityPeriod)
	jc.Month = getEnvDurationOrDefault("KEYRING_REMINDER_MONTH", jc.Month)
	jc.Week = getEnvDurationOrDefault("KEYRING_REMINDER_WEEK", jc.Week)

	lc := limits.DefaultConfig()
	lc.KeysPerUser = getEnvIntOrDefault("KEYRING_LIMIT_KEYS_PER_USER", lc.KeysPerUser)
	lc.MailTokensPerUser = getEnvIntOrDefault("KEYRING_LIMIT_MAIL_TOKENS_PER_USER", lc.MailTokensPerUser)
	lc.MailTokensPerIP = getEnvIntOrDefault("KEYRING_LIMIT_MAIL_TOKENS_PER_IP", lc.MailTokensPerIP)
	lc.RecentSessionsPerUser = getEnvIntOrDefault("KEYRING_LIMIT_RECENT_SESSIONS_PER_USER", lc.RecentSessionsPerUser)
	lc.OtpParamsPerUser = getEnvIntOrDefault("KEYRING_LIMIT_OTP_PARAMS_PER_USER", lc.OtpParamsPerUser)

	return Config{
		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),

		DatabaseDriver: getEnvOrDefault("KEYRING_DATABASE_DRIVER", "sqlite"),
		DatabaseFile:   getEnvOrDefault("KEYRING_DATABASE_FILE", "keyring.db"),
		DatabaseURL:    os.Getenv("KEYRING_DATABASE_URL"),
		PepperFile:     getEnvOrDefault("KEYRING_PEPPER_FILE", "pepper"),

		RedisAddr:     getEnvOrDefault("KEYRING_REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("KEYRING_REDIS_PASSWORD"),
		RedisDB:       getEnvIntOrDefault("KEYRING_REDIS_DB", 0),

		Engine:  eng,
		Cache:   cc,
		Mailer:  mailer,
		Janitor: jc,
		Limits:  lc,

		ProbeLimit: httpx.ParseRateLimitFromEnv("PROBE", httpx.ProbeLimit),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Go duration syntax, e.g. "1h", "30m", "90s"
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are minutes
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
