package engine

import (
	"context"
	"crypto/subtle"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/service"
	"github.com/aussiebroadwan/keyring/pkg/cryptox"
)

// AcquireMailToken starts verification of mail for the caller and returns
// the token id the code has to be released against.
func (e *Engine) AcquireMailToken(ctx context.Context, userID, mail, ipAddress string) (string, error) {
	if !validMail(mail) {
		return "", ErrInvalidArgument
	}
	code, err := cryptox.GenerateNumericCode(e.cfg.MailCodeLength)
	if err != nil {
		return "", e.result(ctx, "acquire_mail_token", err)
	}

	var token domain.MailToken
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.pendingOrActive(ctx, userID); err != nil {
			return err
		}
		var err error
		token, err = e.accounts.CreateMailToken(ctx, userID, mail, code, ipAddress)
		return err
	})
	if err != nil {
		return "", e.result(ctx, "acquire_mail_token", err, tooManyRequests)
	}
	e.sendCode(ctx, mail, code)
	return token.ID, nil
}

// ResendMailToken sends the same code again, subject to the resend backoff.
func (e *Engine) ResendMailToken(ctx context.Context, userID, tokenID string) error {
	var (
		token  domain.MailToken
		status domain.NudgeStatus
	)
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.pendingOrActive(ctx, userID); err != nil {
			return err
		}
		var err error
		token, status, err = e.accounts.NudgeMailToken(ctx, userID, tokenID, e.resend)
		return err
	})
	if err != nil {
		return e.result(ctx, "resend_mail_token", err)
	}
	switch status {
	case domain.NudgeNotFound:
		return ErrInvalidTokenID
	case domain.NudgeNotAvailableYet:
		return ErrNotAvailableYet
	}
	e.sendCode(ctx, token.Mail, token.Code)
	return nil
}

// ReleaseMailToken proves the caller reads the token's mailbox. It is the
// only operation a PENDING account needs to become ACTIVE.
func (e *Engine) ReleaseMailToken(ctx context.Context, userID, tokenID, code string) error {
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.pendingOrActive(ctx, userID); err != nil {
			return err
		}
		token, found, err := e.accounts.GetMailToken(ctx, userID, tokenID)
		if err != nil {
			return err
		}
		if !found {
			return ErrInvalidTokenID
		}
		if subtle.ConstantTimeCompare([]byte(token.Code), []byte(code)) != 1 {
			return ErrInvalidCode
		}
		_, err = e.accounts.ReleaseMailToken(ctx, userID, token.ID)
		return err
	})
	return e.result(ctx, "release_mail_token", err,
		translation{service.ErrIllegalState, ErrUnauthenticated})
}
