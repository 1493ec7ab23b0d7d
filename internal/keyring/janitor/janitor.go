// Package janitor runs the scheduled expiration sweeps. Each sweep is
// idempotent: candidates are listed, then every entity is re-checked and
// mutated in its own locked transaction, so a second run right after the
// first finds nothing left to do.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
	"github.com/aussiebroadwan/keyring/internal/keyring/notify"
	"github.com/aussiebroadwan/keyring/internal/keyring/service"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
)

// Config holds every expiry window. An entity is expired when its timestamp
// is strictly before now minus the window.
type Config struct {
	Interval time.Duration

	MailTokenTTL          time.Duration
	PendingUserTTL        time.Duration
	AuthnWindow           time.Duration
	AbsoluteSessionWindow time.Duration
	SessionRetention      time.Duration
	OtpParamsTTL          time.Duration
	OtpTokenRetention     time.Duration
	DeletedUserRetention  time.Duration

	InactivityPeriod time.Duration
	Month            time.Duration
	Week             time.Duration
}

const day = 24 * time.Hour

func DefaultConfig() Config {
	return Config{
		Interval:              time.Minute,
		MailTokenTTL:          time.Hour,
		PendingUserTTL:        15 * time.Minute,
		AuthnWindow:           5 * time.Minute,
		AbsoluteSessionWindow: 2 * time.Hour,
		SessionRetention:      28 * day,
		OtpParamsTTL:          15 * time.Minute,
		OtpTokenRetention:     30 * day,
		DeletedUserRetention:  28 * day,
		InactivityPeriod:      730 * day,
		Month:                 30 * day,
		Week:                  7 * day,
	}
}

// SessionDropper evicts cache entries of sessions a sweep disabled.
type SessionDropper interface {
	DropSessions(ctx context.Context, keys ...string) error
}

type Janitor struct {
	store    store.Store
	clock    chrono.Clock
	notify   notify.Publisher
	sessions SessionDropper
	accounts *service.AccountService
	logger   *slog.Logger
	cfg      Config

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a janitor. sessions may be nil when there is no cache to keep
// in step.
func New(
	st store.Store,
	clock chrono.Clock,
	pub notify.Publisher,
	sessions SessionDropper,
	logger *slog.Logger,
	cfg Config,
) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Janitor{
		store:    st,
		clock:    clock,
		notify:   pub,
		sessions: sessions,
		// Deletion goes through the same path as a user-initiated delete.
		accounts: &service.AccountService{Deps: service.Deps{Store: st, Clock: clock}},
		logger:   logger,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs a sweep immediately and then once per interval until Stop.
func (j *Janitor) Start() {
	go j.run()
	j.logger.Info("janitor started", "interval", j.cfg.Interval)
}

// Stop waits for an in-progress sweep to finish its current entity.
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
	j.logger.Info("janitor stopped")
}

func (j *Janitor) run() {
	defer close(j.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-j.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	_ = j.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			_ = j.Sweep(ctx)
		case <-j.stopCh:
			return
		}
	}
}

type task struct {
	name string
	fn   func(context.Context) (int64, error)
}

func (j *Janitor) tasks() []task {
	return []task{
		{"expire_initiated_sessions", j.ExpireInitiatedSessions},
		{"expire_activated_sessions", j.ExpireActivatedSessions},
		{"delete_expired_mail_tokens", j.DeleteExpiredMailTokens},
		{"delete_expired_otp_params", j.DeleteExpiredOtpParams},
		{"evict_otp_tokens", j.EvictOtpTokens},
		{"expire_pending_users", j.ExpirePendingUsers},
		{"evict_deleted_users", j.EvictDeletedUsers},
		{"delete_session_records", j.DeleteSessionRecords},
		{"expire_stale_accounts", j.ExpireStaleAccounts},
	}
}

// Sweep runs every task once. A failing task does not stop the others; the
// failures are logged and returned joined.
func (j *Janitor) Sweep(ctx context.Context) error {
	start := time.Now()
	var errs []error
	var total int64
	for _, t := range j.tasks() {
		if ctx.Err() != nil {
			break
		}
		n, err := t.fn(ctx)
		total += n
		if err != nil {
			j.logger.Error("janitor task failed", "task", t.name, "affected", n, "error", err)
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			j.logger.Debug("janitor task done", "task", t.name, "affected", n)
		}
	}
	j.logger.Info("janitor sweep completed",
		"affected", total,
		"failed_tasks", len(errs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return errors.Join(errs...)
}

// each runs fn for every candidate in its own transaction and counts the
// ones that reported a change. Cache keys fn passes to evict are dropped
// only for candidates whose transaction committed. Failures are collected
// so one bad row does not block the rest.
func each[T any](
	ctx context.Context,
	j *Janitor,
	candidates []T,
	fn func(ctx context.Context, c T, evict func(keys ...string)) (bool, error),
) (int64, error) {
	var (
		n         int64
		committed []string
		errs      []error
	)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var (
			changed bool
			pending []string
		)
		err := j.store.WithTx(ctx, func(ctx context.Context) error {
			pending = pending[:0]
			var err error
			changed, err = fn(ctx, c, func(keys ...string) { pending = append(pending, keys...) })
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		committed = append(committed, pending...)
		if changed {
			n++
		}
	}
	j.dropSessions(ctx, committed)
	return n, errors.Join(errs...)
}

// dropSessions evicts cache keys after the transaction that disabled the
// rows has committed. A failure only leaves pointers that expire on their
// own TTL.
func (j *Janitor) dropSessions(ctx context.Context, keys []string) {
	if j.sessions == nil || len(keys) == 0 {
		return
	}
	if err := j.sessions.DropSessions(ctx, keys...); err != nil {
		j.logger.Warn("drop cache sessions", "count", len(keys), "error", err)
	}
}
