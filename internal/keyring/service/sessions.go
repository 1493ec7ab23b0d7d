package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
)

// CreateSession opens a session row for a user whose credentials were
// checked at userVersion. A concurrent master-key rotation bumps the version
// and the stale login is refused with store.ErrVersionConflict.
//
// The row is created directly in stage, already bound to cacheKey. An
// ACTIVATED session also stamps the user's last session.
func (s *AccountService) CreateSession(
	ctx context.Context,
	userID string,
	userVersion int64,
	stage domain.SessionStage,
	cacheKey string,
	agent domain.Agent,
) (domain.Session, error) {
	if stage != domain.SessionInitiated && stage != domain.SessionActivated {
		return domain.Session{}, fmt.Errorf("%w: new session in stage %s", ErrIllegalState, stage)
	}
	var sess domain.Session
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.Version != userVersion {
			return store.ErrVersionConflict
		}

		now := s.now()
		recent, err := s.Store.Sessions().CountCreatedSince(ctx, userID, now.Add(-recentSessionWindow))
		if err != nil {
			return err
		}
		if err := s.Limits.CheckRecentSessionsPerUser(recent, 1); err != nil {
			return err
		}

		sess = domain.Session{
			ID:             s.newID(now),
			UserID:         userID,
			CreatedAt:      now,
			CacheKey:       cacheKey,
			Stage:          stage,
			StageChangedAt: now,
			Agent:          agent,
		}
		if err := s.Store.Sessions().Create(ctx, sess); err != nil {
			return err
		}
		if stage == domain.SessionActivated {
			return s.stampLastSession(ctx, &user, sess)
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// ActivateSession promotes an INITIATED session after the second factor,
// rebinding it to the new cache key.
func (s *AccountService) ActivateSession(ctx context.Context, userID, sessionID, cacheKey string) (domain.Session, error) {
	var sess domain.Session
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := s.Store.Lock(ctx, store.SessionLock(sessionID)); err != nil {
			return err
		}
		if sess, err = s.MustGetSession(ctx, userID, sessionID); err != nil {
			return err
		}

		now := s.now()
		ok, err := s.Store.Sessions().SetStage(ctx, sessionID, domain.SessionInitiated, domain.SessionActivated, cacheKey, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: session %s is %s", ErrIllegalState, sessionID, sess.Stage)
		}
		sess.Stage = domain.SessionActivated
		sess.StageChangedAt = now
		sess.CacheKey = cacheKey
		return s.stampLastSession(ctx, &user, sess)
	})
	if err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

// stampLastSession records a completed login. Any inactivity reminders
// sent so far are void once the user is back.
func (s *AccountService) stampLastSession(ctx context.Context, user *domain.User, sess domain.Session) error {
	user.LastSession = sess.CreatedAt
	user.InactivityReminders = nil
	return s.Store.Users().Update(ctx, user)
}

// ReadSessions lists the user's sessions, oldest first, skipping except.
func (s *AccountService) ReadSessions(ctx context.Context, userID string, except ...domain.SessionStage) ([]domain.Session, error) {
	var sessions []domain.Session
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		sessions, err = s.Store.Sessions().ListByUser(ctx, userID, except...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// MustGetSession is for callers that already know the session exists, for
// example because a cache pointer names it. Absence is a bug or a race and
// is reported as ErrIllegalState.
func (s *AccountService) MustGetSession(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	var sess domain.Session
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		sess, err = s.Store.Sessions().GetByID(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: session %s vanished", ErrIllegalState, sessionID)
		}
		if err != nil {
			return err
		}
		if sess.UserID != userID {
			return ErrNotOwned
		}
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}
