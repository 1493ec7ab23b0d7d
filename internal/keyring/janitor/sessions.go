package janitor

import (
	"context"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
)

// ExpireInitiatedSessions disables sessions stuck before their second
// factor and tells the owner someone got past the first one.
func (j *Janitor) ExpireInitiatedSessions(ctx context.Context) (int64, error) {
	return j.expireSessions(ctx, domain.SessionInitiated, j.cfg.AuthnWindow, j.notifyUncompletedAuthn)
}

// ExpireActivatedSessions enforces the absolute session lifetime.
func (j *Janitor) ExpireActivatedSessions(ctx context.Context) (int64, error) {
	return j.expireSessions(ctx, domain.SessionActivated, j.cfg.AbsoluteSessionWindow, nil)
}

func (j *Janitor) expireSessions(
	ctx context.Context,
	stage domain.SessionStage,
	window time.Duration,
	onDisable func(ctx context.Context, sess domain.Session) error,
) (int64, error) {
	cutoff := chrono.Past(j.clock, window)
	candidates, err := j.store.Sessions().ListStageChangedBefore(ctx, stage, cutoff)
	if err != nil {
		return 0, err
	}

	return each(ctx, j, candidates, func(ctx context.Context, c domain.Session, evict func(...string)) (bool, error) {
		if err := j.store.Lock(ctx, store.SessionLock(c.ID)); err != nil {
			return false, err
		}
		sess, err := j.store.Sessions().GetByID(ctx, c.ID)
		if err != nil {
			return false, ignoreGone(err)
		}
		if sess.Stage != stage || !chrono.Before(sess.StageChangedAt, cutoff) {
			return false, nil
		}
		ok, err := j.store.Sessions().SetStage(ctx, sess.ID, stage, domain.SessionDisabled, "", j.clock.Now())
		if err != nil || !ok {
			return false, err
		}
		if onDisable != nil {
			if err := onDisable(ctx, sess); err != nil {
				return false, err
			}
		}
		evict(sess.CacheKey)
		return true, nil
	})
}

// notifyUncompletedAuthn runs inside the disabling transaction. If the
// publish fails the transition rolls back and the next sweep retries it.
func (j *Janitor) notifyUncompletedAuthn(ctx context.Context, sess domain.Session) error {
	user, err := j.store.Users().GetByID(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if user.Mail == nil {
		return nil
	}
	return j.notify.UncompletedAuthn(ctx, *user.Mail, sess.Agent.IPAddress)
}

// DeleteSessionRecords removes the durable audit rows of old sessions.
func (j *Janitor) DeleteSessionRecords(ctx context.Context) (int64, error) {
	return j.store.Sessions().DeleteCreatedBefore(ctx, chrono.Past(j.clock, j.cfg.SessionRetention))
}
