package engine

import (
	"context"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/service"
	"github.com/aussiebroadwan/keyring/pkg/cryptox"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30

var totpValidate = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// otpCheck is the outcome of checking a code. A failed check is not an
// error inside the transaction: the spent attempt has to commit.
type otpCheck struct {
	ok           bool
	exhausted    bool
	withAttempts bool
	attemptsLeft int
}

func (c otpCheck) err() error {
	switch {
	case c.ok:
		return nil
	case c.exhausted:
		return ErrAttemptsExhausted
	case c.withAttempts:
		return &OtpError{AttemptsLeft: c.attemptsLeft}
	default:
		return ErrInvalidCode
	}
}

// checkSecondFactor verifies a login code for user inside the caller's
// transaction. A TOTP spends a spare attempt; a matched OTP token is
// consumed whatever its kind. Any success refills the spare attempts.
func (e *Engine) checkSecondFactor(ctx context.Context, user domain.User, code string) (otpCheck, error) {
	if isTotp(code) {
		left, ok, err := e.otp.AcquireOtpSpareAttempt(ctx, user.ID)
		if err != nil {
			return otpCheck{}, err
		}
		if !ok {
			return otpCheck{exhausted: true}, nil
		}
		if !e.validTotp(code, *user.OtpSecret) {
			return otpCheck{withAttempts: true, attemptsLeft: left}, nil
		}
	} else {
		token, found, err := e.otp.GetOtpToken(ctx, user.ID, code, false)
		if err != nil {
			return otpCheck{}, err
		}
		if !found {
			return otpCheck{withAttempts: true, attemptsLeft: user.OtpSpareAttempts}, nil
		}
		if err := e.otp.DeleteOtpToken(ctx, user.ID, token.ID); err != nil {
			return otpCheck{}, err
		}
	}
	return otpCheck{ok: true}, e.otp.RestoreOtpSpareAttempts(ctx, user.ID)
}

// checkResetCode accepts a TOTP without touching the spare attempts, or an
// unused scratch code. Trusted tokens do not count.
func (e *Engine) checkResetCode(ctx context.Context, user domain.User, code string) (bool, error) {
	if isTotp(code) {
		return e.validTotp(code, *user.OtpSecret), nil
	}
	_, found, err := e.otp.GetOtpToken(ctx, user.ID, code, true)
	return found, err
}

func (e *Engine) validTotp(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, e.clock.Now(), totpValidate)
	return err == nil && ok
}

// OtpEnrollment is a proposed OTP setup for the client to show the user.
type OtpEnrollment struct {
	ID           string
	SharedSecret string
	KeyURI       string
	ScratchCodes []string
}

func (e *Engine) GenerateOtpParams(ctx context.Context, userID string) (OtpEnrollment, error) {
	scratch, err := cryptox.GenerateScratchCodes(e.cfg.ScratchCodeCount)
	if err != nil {
		return OtpEnrollment{}, e.result(ctx, "generate_otp_params", err)
	}

	var out OtpEnrollment
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		user, err := e.active(ctx, userID)
		if err != nil {
			return err
		}
		if user.HasOtp() {
			return ErrOtpAlreadyConfigured
		}
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      e.cfg.OtpIssuer,
			AccountName: user.Username,
			Period:      totpPeriod,
			Digits:      otp.DigitsSix,
			Algorithm:   otp.AlgorithmSHA1,
		})
		if err != nil {
			return err
		}
		params, err := e.otp.CreateOtpParams(ctx, user.ID, key.Secret(), scratch)
		if err != nil {
			return err
		}
		out = OtpEnrollment{
			ID:           params.ID,
			SharedSecret: key.Secret(),
			KeyURI:       key.URL(),
			ScratchCodes: scratch,
		}
		return nil
	})
	if err != nil {
		return OtpEnrollment{}, e.result(ctx, "generate_otp_params", err,
			translation{service.ErrOtpAlreadyConfigured, ErrOtpAlreadyConfigured}, tooManyRequests)
	}
	return out, nil
}

// AcceptOtpParams turns OTP on once the user proves their authenticator
// produces codes for the proposed secret.
func (e *Engine) AcceptOtpParams(ctx context.Context, userID, paramsID, code string) error {
	if !isTotp(code) {
		return ErrInvalidArgument
	}
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		user, err := e.active(ctx, userID)
		if err != nil {
			return err
		}
		if user.HasOtp() {
			return ErrOtpAlreadyConfigured
		}
		params, found, err := e.otp.GetOtpParams(ctx, user.ID, paramsID)
		if err != nil {
			return err
		}
		if !found {
			return ErrInvalidParamsID
		}
		if !e.validTotp(code, params.Secret) {
			return ErrInvalidCode
		}
		return e.otp.AcceptOtpParams(ctx, user.ID, params.ID)
	})
	return e.result(ctx, "accept_otp_params", err,
		translation{service.ErrOtpAlreadyConfigured, ErrOtpAlreadyConfigured})
}

// ResetOtp turns OTP off. It takes a TOTP or a scratch code; trusted
// tokens are not enough.
func (e *Engine) ResetOtp(ctx context.Context, userID, code string) error {
	if code == "" || len(code) > 64 {
		return ErrInvalidArgument
	}
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		user, err := e.active(ctx, userID)
		if err != nil {
			return err
		}
		if !user.HasOtp() {
			return ErrOtpNotConfigured
		}
		ok, err := e.checkResetCode(ctx, user, code)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidCode
		}
		// Drops every OTP token as well.
		return e.otp.ResetOtp(ctx, user.ID)
	})
	return e.result(ctx, "reset_otp", err)
}
