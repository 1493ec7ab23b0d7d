package service

import (
	"context"
	"fmt"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
)

type AccountService struct {
	Deps
}

// CreateUser registers a PENDING user together with its first mail token.
// A taken username yields store.ErrAlreadyExists.
func (s *AccountService) CreateUser(
	ctx context.Context,
	username, salt, hash, mail, code, ipAddress string,
) (domain.User, domain.MailToken, error) {
	var (
		user  domain.User
		token domain.MailToken
	)
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		now := s.now()
		user = domain.User{
			ID:             s.newID(now),
			CreatedAt:      now,
			State:          domain.UserPending,
			StateChangedAt: now,
			Username:       username,
			Salt:           salt,
			Hash:           hash,
			LastSession:    now,
			Version:        1,
		}
		if err := s.Store.Users().Create(ctx, user); err != nil {
			return err
		}
		var err error
		token, err = s.createMailToken(ctx, user.ID, mail, code, ipAddress)
		return err
	})
	if err != nil {
		return domain.User{}, domain.MailToken{}, err
	}
	return user, token, nil
}

func (s *AccountService) GetUserByID(ctx context.Context, userID string) (domain.User, bool, error) {
	var user domain.User
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.Store.Users().GetByID(ctx, userID)
		return err
	})
	if err != nil {
		return domain.User{}, false, absent(err)
	}
	return user, true, nil
}

func (s *AccountService) GetUserByName(ctx context.Context, username string) (domain.User, bool, error) {
	var user domain.User
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.Store.Users().GetByUsername(ctx, username)
		return err
	})
	if err != nil {
		return domain.User{}, false, absent(err)
	}
	return user, true, nil
}

func (s *AccountService) ChangeUsername(ctx context.Context, userID, username string) error {
	return s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		user.Username = username
		return s.Store.Users().Update(ctx, &user)
	})
}

// MarkAccountAsDeleted flips the user to DELETED and disables every live
// session. It returns the sessions it disabled so their cache keys can be
// dropped once the transaction commits.
func (s *AccountService) MarkAccountAsDeleted(ctx context.Context, userID string) ([]domain.Session, error) {
	var disabled []domain.Session
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}
		now := s.now()
		if disabled, err = s.disableSessions(ctx, userID); err != nil {
			return err
		}
		user.State = domain.UserDeleted
		user.StateChangedAt = now
		return s.Store.Users().Update(ctx, &user)
	})
	if err != nil {
		return nil, err
	}
	return disabled, nil
}

// ChangeMasterKey replaces salt and hash and re-encrypts every key in one
// go. patches must cover every key the user owns; otherwise nothing is
// written and ErrIncompleteKeyPatches is returned. All live sessions are
// disabled and returned.
func (s *AccountService) ChangeMasterKey(
	ctx context.Context,
	userID, salt, hash string,
	patches []domain.KeyPatch,
) ([]domain.Session, error) {
	var disabled []domain.Session
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		user, err := s.lockUser(ctx, userID)
		if err != nil {
			return err
		}

		keys, err := s.Store.Keys().ListByUser(ctx, userID)
		if err != nil {
			return err
		}
		byID := make(map[string]domain.KeyContent, len(patches))
		for _, p := range patches {
			byID[p.ID.String()] = p.Content
		}
		for _, k := range keys {
			if _, ok := byID[k.ID.String()]; !ok {
				return fmt.Errorf("%w: missing key %s", ErrIncompleteKeyPatches, k.ID)
			}
		}

		if disabled, err = s.disableSessions(ctx, userID); err != nil {
			return err
		}

		user.Salt = salt
		user.Hash = hash
		if err := s.Store.Users().Update(ctx, &user); err != nil {
			return err
		}

		for _, k := range keys {
			content := byID[k.ID.String()]
			k.Value = content.Value
			k.Labels = content.Labels
			if err := s.Store.Keys().Update(ctx, &k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return disabled, nil
}

// disableSessions moves every non-DISABLED session of the user to DISABLED.
// The caller holds the user lock. Sessions a sweep disabled in the meantime
// are still returned so their cache keys get dropped.
func (s *AccountService) disableSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	sessions, err := s.Store.Sessions().ListByUser(ctx, userID, domain.SessionDisabled)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, sess := range sessions {
		if err := s.Store.Lock(ctx, store.SessionLock(sess.ID)); err != nil {
			return nil, err
		}
		current, err := s.Store.Sessions().GetByID(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if current.Stage == domain.SessionDisabled {
			continue
		}
		ok, err := s.Store.Sessions().SetStage(ctx, sess.ID, current.Stage, domain.SessionDisabled, "", now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: session %s changed stage under lock", ErrIllegalState, sess.ID)
		}
	}
	return sessions, nil
}
