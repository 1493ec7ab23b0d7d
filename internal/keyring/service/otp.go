package service

import (
	"context"
	"fmt"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/pkg/cryptox"
)

// OtpService owns OTP enrollment and the one-time tokens that go with it.
// Token values are only ever stored as fingerprints.
type OtpService struct {
	Deps
}

func (s *OtpService) CreateOtpParams(ctx context.Context, userID, secret string, scratchCodes []string) (domain.OtpParams, error) {
	var params domain.OtpParams
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.HasOtp() {
			return ErrOtpAlreadyConfigured
		}
		inFlight, err := s.Store.OtpParams().CountByUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := s.Limits.CheckOtpParamsPerUser(inFlight, 1); err != nil {
			return err
		}

		now := s.now()
		params = domain.OtpParams{
			ID:           s.newID(now),
			UserID:       userID,
			CreatedAt:    now,
			Secret:       secret,
			ScratchCodes: scratchCodes,
		}
		return s.Store.OtpParams().Create(ctx, params)
	})
	if err != nil {
		return domain.OtpParams{}, err
	}
	return params, nil
}

func (s *OtpService) GetOtpParams(ctx context.Context, userID, paramsID string) (domain.OtpParams, bool, error) {
	var params domain.OtpParams
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		params, err = s.Store.OtpParams().GetByID(ctx, paramsID)
		return err
	})
	if err != nil {
		return domain.OtpParams{}, false, absent(err)
	}
	if params.UserID != userID {
		return domain.OtpParams{}, false, nil
	}
	return params, true, nil
}

// AcceptOtpParams promotes the proposed secret onto the user, refills the
// spare attempts, turns the scratch codes into initial tokens and consumes
// the params.
func (s *OtpService) AcceptOtpParams(ctx context.Context, userID, paramsID string) error {
	return s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.HasOtp() {
			return ErrOtpAlreadyConfigured
		}
		params, err := s.Store.OtpParams().GetByID(ctx, paramsID)
		if err != nil {
			return err
		}
		if params.UserID != userID {
			return ErrNotOwned
		}

		secret := params.Secret
		user.OtpSecret = &secret
		user.OtpSpareAttempts = InitialSpareAttempts
		if err := s.Store.Users().Update(ctx, &user); err != nil {
			return err
		}
		for _, code := range params.ScratchCodes {
			if _, err := s.createOtpToken(ctx, userID, code, true); err != nil {
				return err
			}
		}
		return s.Store.OtpParams().Delete(ctx, paramsID)
	})
}

// CreateOtpToken stores a trusted-device token for a user with OTP on.
func (s *OtpService) CreateOtpToken(ctx context.Context, userID, value string) (domain.OtpToken, error) {
	var token domain.OtpToken
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		if !user.HasOtp() {
			return ErrOtpNotConfigured
		}
		token, err = s.createOtpToken(ctx, userID, value, false)
		return err
	})
	if err != nil {
		return domain.OtpToken{}, err
	}
	return token, nil
}

func (s *OtpService) createOtpToken(ctx context.Context, userID, value string, initial bool) (domain.OtpToken, error) {
	now := s.now()
	token := domain.OtpToken{
		ID:        s.newID(now),
		UserID:    userID,
		CreatedAt: now,
		Value:     cryptox.FingerprintToken(value),
		IsInitial: initial,
	}
	if err := s.Store.OtpTokens().Create(ctx, token); err != nil {
		return domain.OtpToken{}, err
	}
	return token, nil
}

// GetOtpToken looks up a raw token value. mustBeInitial restricts the match
// to scratch codes.
func (s *OtpService) GetOtpToken(ctx context.Context, userID, value string, mustBeInitial bool) (domain.OtpToken, bool, error) {
	var token domain.OtpToken
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		token, err = s.Store.OtpTokens().Find(ctx, userID, cryptox.FingerprintToken(value), mustBeInitial)
		return err
	})
	if err != nil {
		return domain.OtpToken{}, false, absent(err)
	}
	return token, true, nil
}

func (s *OtpService) DeleteOtpToken(ctx context.Context, userID, tokenID string) error {
	return s.Store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.lockUser(ctx, userID); err != nil {
			return err
		}
		token, err := s.Store.OtpTokens().GetByID(ctx, tokenID)
		if err != nil {
			return err
		}
		if token.UserID != userID {
			return ErrNotOwned
		}
		return s.Store.OtpTokens().Delete(ctx, tokenID)
	})
}

// ResetOtp turns OTP off and forgets every token.
func (s *OtpService) ResetOtp(ctx context.Context, userID string) error {
	return s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		user.OtpSecret = nil
		user.OtpSpareAttempts = 0
		if err := s.Store.Users().Update(ctx, &user); err != nil {
			return err
		}
		_, err = s.Store.OtpTokens().DeleteByUser(ctx, userID)
		return err
	})
}

// AcquireOtpSpareAttempt spends one TOTP attempt. ok is false when none are
// left; left is what remains afterwards.
func (s *OtpService) AcquireOtpSpareAttempt(ctx context.Context, userID string) (left int, ok bool, err error) {
	err = s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.OtpSpareAttempts <= 0 {
			return nil
		}
		user.OtpSpareAttempts--
		if err := s.Store.Users().Update(ctx, &user); err != nil {
			return err
		}
		left, ok = user.OtpSpareAttempts, true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return left, ok, nil
}

func (s *OtpService) RestoreOtpSpareAttempts(ctx context.Context, userID string) error {
	return s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		if !user.HasOtp() {
			return fmt.Errorf("%w: restore attempts", ErrOtpNotConfigured)
		}
		if user.OtpSpareAttempts == InitialSpareAttempts {
			return nil
		}
		user.OtpSpareAttempts = InitialSpareAttempts
		return s.Store.Users().Update(ctx, &user)
	})
}
