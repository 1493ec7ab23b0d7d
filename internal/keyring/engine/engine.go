// Package engine is the credential engine facade the request layer calls.
// Each operation gates the caller's account, runs at most one durable
// transaction and only then touches the cache, and reports failures as a
// small per-operation set of outward errors.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/cache"
	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/limits"
	"github.com/aussiebroadwan/keyring/internal/keyring/notify"
	"github.com/aussiebroadwan/keyring/internal/keyring/service"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
	"github.com/aussiebroadwan/keyring/pkg/cryptox"
	"github.com/aussiebroadwan/keyring/pkg/slogx"
)

type Config struct {
	OtpIssuer        string
	MailCodeLength   int
	ScratchCodeCount int

	// Resends of a mail token are free for the first ResendGrace attempts,
	// then wait ResendBase doubled per further attempt.
	ResendBase  time.Duration
	ResendGrace int
}

func DefaultConfig() Config {
	return Config{
		OtpIssuer:        "keyring",
		MailCodeLength:   6,
		ScratchCodeCount: 5,
		ResendBase:       time.Minute,
		ResendGrace:      1,
	}
}

type Deps struct {
	Store  store.Store
	Cache  *cache.Cache
	Mail   notify.Publisher
	Clock  chrono.Clock
	Limits *limits.Limiter
	Hasher cryptox.Hasher
}

type Engine struct {
	store  store.Store
	cache  *cache.Cache
	mail   notify.Publisher
	clock  chrono.Clock
	hasher cryptox.Hasher
	cfg    Config

	accounts *service.AccountService
	otp      *service.OtpService
	keys     *service.KeyService
	resend   service.Backoff
}

func New(d Deps, cfg Config) *Engine {
	sd := service.Deps{Store: d.Store, Clock: d.Clock, Limits: d.Limits}
	return &Engine{
		store:    d.Store,
		cache:    d.Cache,
		mail:     d.Mail,
		clock:    d.Clock,
		hasher:   d.Hasher,
		cfg:      cfg,
		accounts: &service.AccountService{Deps: sd},
		otp:      &service.OtpService{Deps: sd},
		keys:     &service.KeyService{Deps: sd},
		resend:   service.ExponentialBackoff(cfg.ResendBase, cfg.ResendGrace),
	}
}

// Principal is who a session token speaks for.
type Principal struct {
	UserID    string
	SessionID string
	State     domain.UserState
}

// gate loads the caller and checks its state against allowed. Absence and
// a wrong state look the same from outside.
func (e *Engine) gate(ctx context.Context, userID string, allowed ...domain.UserState) (domain.User, error) {
	user, found, err := e.accounts.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	if !found {
		return domain.User{}, ErrUnauthenticated
	}
	for _, s := range allowed {
		if user.State == s {
			return user, nil
		}
	}
	return domain.User{}, ErrUnauthenticated
}

// active is the default gate.
func (e *Engine) active(ctx context.Context, userID string) (domain.User, error) {
	return e.gate(ctx, userID, domain.UserActive)
}

// pendingOrActive admits callers that have not verified their mail yet.
func (e *Engine) pendingOrActive(ctx context.Context, userID string) (domain.User, error) {
	return e.gate(ctx, userID, domain.UserPending, domain.UserActive)
}

// translation maps an internal error to an outward one.
type translation struct {
	from, to error
}

var tooManyRequests = translation{limits.ErrLimitExceeded, ErrTooManyRequests}

// result is the last step of every operation. Outward errors pass through,
// listed internal errors are translated and anything else is logged with
// its cause and collapsed into ErrInternal.
func (e *Engine) result(ctx context.Context, op string, err error, ts ...translation) error {
	if err == nil {
		return nil
	}
	var (
		outward *Error
		otpErr  *OtpError
	)
	if errors.As(err, &outward) || errors.As(err, &otpErr) {
		return err
	}
	for _, t := range ts {
		if errors.Is(err, t.from) {
			return t.to
		}
	}
	slogx.FromContext(ctx).Error("engine operation failed", "op", op, "error", err)
	return ErrInternal
}

// newToken draws a session or authn token before the transaction, so the
// row is written already bound to its cache key.
func (e *Engine) newToken() (string, error) {
	return e.cache.NewToken()
}

func pointer(sess domain.Session) cache.Pointer {
	return cache.Pointer{UserID: sess.UserID, SessionID: sess.ID}
}

// sendCode publishes a verification code once the token is committed. A
// lost publish is recoverable through a resend, so it is logged only.
func (e *Engine) sendCode(ctx context.Context, mail, code string) {
	if err := e.mail.MailVerificationCode(ctx, mail, code); err != nil {
		slogx.FromContext(ctx).Warn("publish mail verification code", "error", err)
	}
}
