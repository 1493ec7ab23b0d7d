package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
)

// ExpirePendingUsers deletes registrations whose mail was never verified.
func (j *Janitor) ExpirePendingUsers(ctx context.Context) (int64, error) {
	return j.store.Users().ExpirePending(ctx, chrono.Past(j.clock, j.cfg.PendingUserTTL), j.clock.Now())
}

// EvictDeletedUsers physically removes users that have been DELETED for
// longer than the retention window, dependents included.
func (j *Janitor) EvictDeletedUsers(ctx context.Context) (int64, error) {
	return j.store.Users().EvictDeleted(ctx, chrono.Past(j.clock, j.cfg.DeletedUserRetention))
}

// ExpireStaleAccounts drives the inactivity escalation:
//
//	0 reminders, last session before now-inactivity  -> first notice
//	1 reminder older than month-week                 -> final notice
//	2 reminders, latest older than a week            -> DELETED
//
// The notice and the reminder append share one transaction under the user
// lock, so a login racing the sweep either lands first and resets the
// clock, or waits and sees the result.
func (j *Janitor) ExpireStaleAccounts(ctx context.Context) (int64, error) {
	cutoff := chrono.Past(j.clock, j.cfg.InactivityPeriod)
	candidates, err := j.store.Users().ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	return each(ctx, j, candidates, func(ctx context.Context, c domain.User, evict func(...string)) (bool, error) {
		if err := j.store.Lock(ctx, store.UserLock(c.ID)); err != nil {
			return false, err
		}
		user, err := j.store.Users().GetByID(ctx, c.ID)
		if err != nil {
			return false, ignoreGone(err)
		}
		if user.State != domain.UserActive || !chrono.Before(user.LastSession, cutoff) {
			return false, nil
		}

		now := j.clock.Now()
		reminders := user.InactivityReminders
		switch len(reminders) {
		case 0:
			return true, j.remind(ctx, &user, now, j.cfg.Month)
		case 1:
			if !chrono.Expired(j.clock, reminders[0], j.cfg.Month-j.cfg.Week) {
				return false, nil
			}
			return true, j.remind(ctx, &user, now, j.cfg.Week)
		default:
			if !chrono.Expired(j.clock, reminders[len(reminders)-1], j.cfg.Week) {
				return false, nil
			}
			disabled, err := j.accounts.MarkAccountAsDeleted(ctx, user.ID)
			if err != nil {
				return false, err
			}
			for _, s := range disabled {
				evict(s.CacheKey)
			}
			j.logger.Info("stale account deleted", "user_id", user.ID)
			return true, nil
		}
	})
}

// remind appends a reminder and sends the notice announcing deletion in
// left.
func (j *Janitor) remind(ctx context.Context, user *domain.User, now time.Time, left time.Duration) error {
	user.InactivityReminders = append(user.InactivityReminders, now)
	if err := j.store.Users().Update(ctx, user); err != nil {
		return err
	}
	if user.Mail == nil {
		return nil
	}
	return j.notify.DeactivationNotice(ctx,
		*user.Mail,
		user.Username,
		int(j.cfg.InactivityPeriod/(365*day)),
		int(left/day),
	)
}

// ignoreGone treats an entity deleted between listing and locking as
// already handled.
func ignoreGone(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
