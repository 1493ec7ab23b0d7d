package service

import (
	"context"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/google/uuid"
)

type KeyService struct {
	Deps
}

// ImportKeys creates several keys at once, checked against the ceiling as
// one batch.
func (s *KeyService) ImportKeys(ctx context.Context, userID string, contents []domain.KeyContent) ([]domain.Key, error) {
	var keys []domain.Key
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.lockUser(ctx, userID); err != nil {
			return err
		}
		current, err := s.Store.Keys().CountByUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := s.Limits.CheckKeysPerUser(current, len(contents)); err != nil {
			return err
		}

		now := s.now()
		keys = make([]domain.Key, 0, len(contents))
		for _, c := range contents {
			k := domain.Key{
				ID:        uuid.New(),
				UserID:    userID,
				CreatedAt: now,
				Version:   1,
				Value:     c.Value,
				Labels:    c.Labels,
			}
			if err := s.Store.Keys().Create(ctx, k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *KeyService) CreateKey(ctx context.Context, userID string, content domain.KeyContent) (domain.Key, error) {
	keys, err := s.ImportKeys(ctx, userID, []domain.KeyContent{content})
	if err != nil {
		return domain.Key{}, err
	}
	return keys[0], nil
}

func (s *KeyService) ReadKeys(ctx context.Context, userID string) ([]domain.Key, error) {
	var keys []domain.Key
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		keys, err = s.Store.Keys().ListByUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// UpdateKey replaces a key's content. The key version guards against a
// writer that bypassed the user lock.
func (s *KeyService) UpdateKey(ctx context.Context, userID string, patch domain.KeyPatch) (domain.Key, error) {
	var key domain.Key
	err := s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		if key, err = s.ownedKey(ctx, userID, patch.ID); err != nil {
			return err
		}
		key.Value = patch.Content.Value
		key.Labels = patch.Content.Labels
		return s.Store.Keys().Update(ctx, &key)
	})
	if err != nil {
		return domain.Key{}, err
	}
	return key, nil
}

func (s *KeyService) DeleteKey(ctx context.Context, userID string, id uuid.UUID) error {
	return s.Store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.ownedKey(ctx, userID, id); err != nil {
			return err
		}
		return s.Store.Keys().Delete(ctx, id)
	})
}

func (s *KeyService) ownedKey(ctx context.Context, userID string, id uuid.UUID) (domain.Key, error) {
	if _, err := s.lockUser(ctx, userID); err != nil {
		return domain.Key{}, err
	}
	key, err := s.Store.Keys().GetByID(ctx, id)
	if err != nil {
		return domain.Key{}, err
	}
	if key.UserID != userID {
		return domain.Key{}, ErrNotOwned
	}
	return key, nil
}
