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

// verifyDigest checks the caller's current digest for operations that
// re-authenticate.
func (e *Engine) verifyDigest(user domain.User, digest string) error {
	err := e.hasher.Verify(digest, user.Hash)
	if errors.Is(err, cryptox.ErrMismatch) {
		return ErrInvalidDigest
	}
	return err
}

// RotateMasterKey replaces the account's salt and digest and every key's
// ciphertext in one step. All earlier sessions end; the caller gets a new
// one.
func (e *Engine) RotateMasterKey(
	ctx context.Context,
	userID, currentDigest, salt, digest string,
	patches []domain.KeyPatch,
	agent domain.Agent,
) (string, error) {
	if !validDigest(currentDigest) {
		return "", ErrInvalidDigest
	}
	if !validSalt(salt) || !validDigest(digest) {
		return "", ErrInvalidArgument
	}
	hash, err := e.hasher.Hash(digest)
	if err != nil {
		return "", e.result(ctx, "rotate_master_key", err)
	}
	token, err := e.newToken()
	if err != nil {
		return "", e.result(ctx, "rotate_master_key", err)
	}

	var (
		sess     domain.Session
		disabled []domain.Session
	)
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		user, err := e.active(ctx, userID)
		if err != nil {
			return err
		}
		if err := e.verifyDigest(user, currentDigest); err != nil {
			return err
		}
		if disabled, err = e.accounts.ChangeMasterKey(ctx, user.ID, salt, hash, patches); err != nil {
			return err
		}
		rotated, _, err := e.accounts.GetUserByID(ctx, user.ID)
		if err != nil {
			return err
		}
		sess, err = e.accounts.CreateSession(ctx, user.ID, rotated.Version, domain.SessionActivated, cache.SessionKey(token), agent)
		return err
	})
	if err != nil {
		return "", e.result(ctx, "rotate_master_key", err,
			translation{service.ErrIncompleteKeyPatches, ErrIncompletePatches}, tooManyRequests)
	}

	if err := e.cache.ReplaceSessions(ctx, cacheKeys(disabled), token, pointer(sess)); err != nil {
		return "", e.result(ctx, "rotate_master_key", err)
	}
	return token, nil
}

func (e *Engine) ChangeUsername(ctx context.Context, userID, digest, username string) error {
	if !validUsername(username) {
		return ErrInvalidArgument
	}
	if !validDigest(digest) {
		return ErrInvalidDigest
	}
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		user, err := e.active(ctx, userID)
		if err != nil {
			return err
		}
		if err := e.verifyDigest(user, digest); err != nil {
			return err
		}
		return e.accounts.ChangeUsername(ctx, user.ID, username)
	})
	return e.result(ctx, "change_username", err,
		translation{store.ErrAlreadyExists, ErrNameTaken})
}

// ListSessions returns every session of the caller, including disabled
// ones still within retention.
func (e *Engine) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	var sessions []domain.Session
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.active(ctx, userID); err != nil {
			return err
		}
		var err error
		sessions, err = e.accounts.ReadSessions(ctx, userID)
		return err
	})
	if err != nil {
		return nil, e.result(ctx, "list_sessions", err)
	}
	return sessions, nil
}

// DeleteAccount marks the account DELETED and signs out every session. The
// row itself is evicted by the janitor after the retention window.
func (e *Engine) DeleteAccount(ctx context.Context, userID, digest string) error {
	if !validDigest(digest) {
		return ErrInvalidDigest
	}
	var disabled []domain.Session
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		user, err := e.active(ctx, userID)
		if err != nil {
			return err
		}
		if err := e.verifyDigest(user, digest); err != nil {
			return err
		}
		disabled, err = e.accounts.MarkAccountAsDeleted(ctx, user.ID)
		return err
	})
	if err != nil {
		return e.result(ctx, "delete_account", err)
	}
	if err := e.cache.DropSessions(ctx, cacheKeys(disabled)...); err != nil {
		return e.result(ctx, "delete_account", err)
	}
	return nil
}

func cacheKeys(sessions []domain.Session) []string {
	keys := make([]string, 0, len(sessions))
	for _, s := range sessions {
		keys = append(keys, s.CacheKey)
	}
	return keys
}
