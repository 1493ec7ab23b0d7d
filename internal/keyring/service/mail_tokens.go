package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
)

// CreateMailToken issues a verification code for mail, subject to the
// per-user and per-IP ceilings.
func (s *AccountService) CreateMailToken(ctx context.Context, userID, mail, code, ipAddress string) (domain.MailToken, error) {
	var token domain.MailToken
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.lockUser(ctx, userID); err != nil {
			return err
		}
		var err error
		token, err = s.createMailToken(ctx, userID, mail, code, ipAddress)
		return err
	})
	if err != nil {
		return domain.MailToken{}, err
	}
	return token, nil
}

func (s *AccountService) createMailToken(ctx context.Context, userID, mail, code, ipAddress string) (domain.MailToken, error) {
	perUser, err := s.Store.MailTokens().CountByUser(ctx, userID)
	if err != nil {
		return domain.MailToken{}, err
	}
	if err := s.Limits.CheckMailTokensPerUser(perUser, 1); err != nil {
		return domain.MailToken{}, err
	}
	perIP, err := s.Store.MailTokens().CountByIP(ctx, ipAddress)
	if err != nil {
		return domain.MailToken{}, err
	}
	if err := s.Limits.CheckMailTokensPerIP(perIP, 1); err != nil {
		return domain.MailToken{}, err
	}

	now := s.now()
	token := domain.MailToken{
		ID:        s.newID(now),
		UserID:    userID,
		CreatedAt: now,
		Code:      code,
		Mail:      mail,
		IPAddress: ipAddress,
	}
	if err := s.Store.MailTokens().Create(ctx, token); err != nil {
		return domain.MailToken{}, err
	}
	return token, nil
}

// GetMailToken returns the token only when it exists and belongs to userID.
func (s *AccountService) GetMailToken(ctx context.Context, userID, tokenID string) (domain.MailToken, bool, error) {
	var token domain.MailToken
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		token, err = s.Store.MailTokens().GetByID(ctx, tokenID)
		return err
	})
	if err != nil {
		return domain.MailToken{}, false, absent(err)
	}
	if token.UserID != userID {
		return domain.MailToken{}, false, nil
	}
	return token, true, nil
}

func (s *AccountService) LatestMailToken(ctx context.Context, userID string) (domain.MailToken, bool, error) {
	var token domain.MailToken
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		token, err = s.Store.MailTokens().Latest(ctx, userID)
		return err
	})
	if err != nil {
		return domain.MailToken{}, false, absent(err)
	}
	return token, true, nil
}

// ReleaseMailToken proves ownership of the token's mail: the address is
// written onto the user (replacing any previous one), a PENDING user
// becomes ACTIVE and the token is consumed. This is the only path from
// PENDING to ACTIVE.
func (s *AccountService) ReleaseMailToken(ctx context.Context, userID, tokenID string) (domain.User, error) {
	var user domain.User
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if user, err = s.lockUser(ctx, userID); err != nil {
			return err
		}
		if user.State != domain.UserPending && user.State != domain.UserActive {
			return fmt.Errorf("%w: release mail token for %s user", ErrIllegalState, user.State)
		}
		token, err := s.Store.MailTokens().GetByID(ctx, tokenID)
		if err != nil {
			return err
		}
		if token.UserID != userID {
			return ErrNotOwned
		}

		mail := token.Mail
		user.Mail = &mail
		if user.State == domain.UserPending {
			user.State = domain.UserActive
			user.StateChangedAt = s.now()
		}
		if err := s.Store.Users().Update(ctx, &user); err != nil {
			return err
		}
		return s.Store.MailTokens().Delete(ctx, tokenID)
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// NudgeMailToken asks to resend a token. backoff decides, from the last
// attempt and the attempt count, whether enough time has passed. On OK the
// attempt is stamped and counted; otherwise nothing changes.
func (s *AccountService) NudgeMailToken(
	ctx context.Context,
	userID, tokenID string,
	backoff Backoff,
) (domain.MailToken, domain.NudgeStatus, error) {
	var (
		token  domain.MailToken
		status domain.NudgeStatus
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		if err := s.Store.Lock(ctx, store.MailTokenLock(tokenID)); err != nil {
			return err
		}
		var err error
		token, err = s.Store.MailTokens().GetByID(ctx, tokenID)
		if errors.Is(err, store.ErrNotFound) {
			status = domain.NudgeNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if token.UserID != userID {
			status = domain.NudgeNotFound
			return nil
		}

		now := s.now()
		if !backoff(token.LastAttempt, token.AttemptCount).Before(now) {
			status = domain.NudgeNotAvailableYet
			return nil
		}
		if err := s.Store.MailTokens().RecordAttempt(ctx, tokenID, now); err != nil {
			return err
		}
		token.LastAttempt = now
		token.AttemptCount++
		status = domain.NudgeOK
		return nil
	})
	if err != nil {
		return domain.MailToken{}, domain.NudgeNotFound, err
	}
	if status != domain.NudgeOK {
		return domain.MailToken{}, status, nil
	}
	return token, status, nil
}
