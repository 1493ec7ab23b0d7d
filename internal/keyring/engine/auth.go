package engine

import (
	"context"
	"errors"

	"github.com/aussiebroadwan/keyring/internal/keyring/cache"
	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/service"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
	"github.com/aussiebroadwan/keyring/pkg/cryptox"
)

type RegisterResult struct {
	SessionToken string
	MailTokenID  string
}

// Register creates a PENDING account with its first mail token and signs
// the caller in right away. The verification code goes out after commit.
func (e *Engine) Register(ctx context.Context, username, salt, digest, mail string, agent domain.Agent) (RegisterResult, error) {
	if !validUsername(username) || !validSalt(salt) || !validDigest(digest) || !validMail(mail) {
		return RegisterResult{}, ErrInvalidArgument
	}
	hash, err := e.hasher.Hash(digest)
	if err != nil {
		return RegisterResult{}, e.result(ctx, "register", err)
	}
	code, err := cryptox.GenerateNumericCode(e.cfg.MailCodeLength)
	if err != nil {
		return RegisterResult{}, e.result(ctx, "register", err)
	}
	token, err := e.newToken()
	if err != nil {
		return RegisterResult{}, e.result(ctx, "register", err)
	}

	var (
		sess      domain.Session
		mailToken domain.MailToken
	)
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		var (
			user domain.User
			err  error
		)
		user, mailToken, err = e.accounts.CreateUser(ctx, username, salt, hash, mail, code, agent.IPAddress)
		if err != nil {
			return err
		}
		sess, err = e.accounts.CreateSession(ctx, user.ID, user.Version, domain.SessionActivated, cache.SessionKey(token), agent)
		return err
	})
	if err != nil {
		return RegisterResult{}, e.result(ctx, "register", err,
			translation{store.ErrAlreadyExists, ErrNameTaken}, tooManyRequests)
	}

	if err := e.cache.PutSession(ctx, token, pointer(sess)); err != nil {
		return RegisterResult{}, e.result(ctx, "register", err)
	}
	e.sendCode(ctx, mail, code)
	return RegisterResult{SessionToken: token, MailTokenID: mailToken.ID}, nil
}

// GetSalt hands out the key-derivation parameters for username.
func (e *Engine) GetSalt(ctx context.Context, username string) (string, error) {
	user, found, err := e.accounts.GetUserByName(ctx, username)
	if err != nil {
		return "", e.result(ctx, "get_salt", err)
	}
	if !found || user.State == domain.UserDeleted {
		return "", ErrNotFound
	}
	return user.Salt, nil
}

// AuthResult carries either a session token, or, when the account has OTP
// on, an authn token for ProvideOtp.
type AuthResult struct {
	SessionToken string
	AuthnToken   string
	AttemptsLeft int
}

func (r AuthResult) NeedsOtp() bool { return r.AuthnToken != "" }

func (e *Engine) Authenticate(ctx context.Context, username, digest string, agent domain.Agent) (AuthResult, error) {
	if !validDigest(digest) {
		return AuthResult{}, ErrInvalidCredentials
	}
	token, err := e.newToken()
	if err != nil {
		return AuthResult{}, e.result(ctx, "authenticate", err)
	}

	var (
		user domain.User
		sess domain.Session
	)
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		var (
			found bool
			err   error
		)
		user, found, err = e.accounts.GetUserByName(ctx, username)
		if err != nil {
			return err
		}
		if !found || user.State == domain.UserDeleted {
			return ErrInvalidCredentials
		}
		if err := e.hasher.Verify(digest, user.Hash); err != nil {
			if errors.Is(err, cryptox.ErrMismatch) {
				return ErrInvalidCredentials
			}
			return err
		}

		stage, key := domain.SessionActivated, cache.SessionKey(token)
		if user.HasOtp() {
			stage, key = domain.SessionInitiated, cache.AuthnKey(token)
		}
		sess, err = e.accounts.CreateSession(ctx, user.ID, user.Version, stage, key, agent)
		return err
	})
	if err != nil {
		return AuthResult{}, e.result(ctx, "authenticate", err,
			translation{store.ErrVersionConflict, ErrInvalidCredentials}, tooManyRequests)
	}

	if user.HasOtp() {
		if err := e.cache.PutAuthn(ctx, token, pointer(sess)); err != nil {
			return AuthResult{}, e.result(ctx, "authenticate", err)
		}
		return AuthResult{AuthnToken: token, AttemptsLeft: user.OtpSpareAttempts}, nil
	}
	if err := e.cache.PutSession(ctx, token, pointer(sess)); err != nil {
		return AuthResult{}, e.result(ctx, "authenticate", err)
	}
	return AuthResult{SessionToken: token}, nil
}

type OtpResult struct {
	SessionToken string
	// TrustedToken is set when one was asked for. It stands in for a code
	// on later logins until it is evicted.
	TrustedToken string
}

// ProvideOtp completes a login started by Authenticate. A six-digit code is
// a TOTP and spends a spare attempt; anything else is looked up as a
// scratch code or trusted token.
func (e *Engine) ProvideOtp(ctx context.Context, authnToken, otp string, yieldTrustedToken bool) (OtpResult, error) {
	if otp == "" || len(otp) > 64 {
		return OtpResult{}, ErrInvalidArgument
	}
	ptr, found, err := e.cache.GetAuthn(ctx, authnToken)
	if err != nil {
		return OtpResult{}, e.result(ctx, "provide_otp", err)
	}
	if !found {
		return OtpResult{}, ErrUnauthenticated
	}
	sessionToken, err := e.newToken()
	if err != nil {
		return OtpResult{}, e.result(ctx, "provide_otp", err)
	}
	var trusted string
	if yieldTrustedToken {
		if trusted, err = cryptox.GenerateToken(cryptox.TokenSize256); err != nil {
			return OtpResult{}, e.result(ctx, "provide_otp", err)
		}
	}

	var (
		check otpCheck
		sess  domain.Session
	)
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		user, err := e.pendingOrActive(ctx, ptr.UserID)
		if err != nil {
			return err
		}
		if !user.HasOtp() {
			return ErrUnauthenticated
		}
		if check, err = e.checkSecondFactor(ctx, user, otp); err != nil || !check.ok {
			return err
		}

		sess, err = e.accounts.ActivateSession(ctx, user.ID, ptr.SessionID, cache.SessionKey(sessionToken))
		if err != nil {
			return err
		}
		if trusted != "" {
			_, err = e.otp.CreateOtpToken(ctx, user.ID, trusted)
		}
		return err
	})
	if err == nil {
		err = check.err()
	}
	if err != nil {
		return OtpResult{}, e.result(ctx, "provide_otp", err,
			translation{service.ErrIllegalState, ErrUnauthenticated},
			translation{service.ErrNotOwned, ErrUnauthenticated})
	}

	if err := e.cache.ActivateAuthn(ctx, authnToken, sessionToken, pointer(sess)); err != nil {
		return OtpResult{}, e.result(ctx, "provide_otp", err,
			translation{cache.ErrAuthnNotFound, ErrUnauthenticated})
	}
	return OtpResult{SessionToken: sessionToken, TrustedToken: trusted}, nil
}

// Resolve turns a session token into the principal behind it, renewing the
// token's sliding TTL. Tokens of disabled sessions or deleted accounts do
// not resolve.
func (e *Engine) Resolve(ctx context.Context, sessionToken string) (Principal, error) {
	ptr, found, err := e.cache.TouchSession(ctx, sessionToken)
	if err != nil {
		return Principal{}, e.result(ctx, "resolve", err)
	}
	if !found {
		return Principal{}, ErrUnauthenticated
	}

	var principal Principal
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		user, err := e.pendingOrActive(ctx, ptr.UserID)
		if err != nil {
			return err
		}
		sess, err := e.accounts.MustGetSession(ctx, user.ID, ptr.SessionID)
		if err != nil {
			return err
		}
		if sess.Stage != domain.SessionActivated {
			return ErrUnauthenticated
		}
		principal = Principal{UserID: user.ID, SessionID: sess.ID, State: user.State}
		return nil
	})
	if err != nil {
		return Principal{}, e.result(ctx, "resolve", err,
			translation{service.ErrIllegalState, ErrUnauthenticated},
			translation{service.ErrNotOwned, ErrUnauthenticated})
	}
	return principal, nil
}
