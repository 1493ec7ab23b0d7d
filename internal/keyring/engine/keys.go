package engine

import (
	"context"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/service"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
	"github.com/google/uuid"
)

var invalidKeyID = []translation{
	{store.ErrNotFound, ErrInvalidKeyID},
	{service.ErrNotOwned, ErrInvalidKeyID},
}

func (e *Engine) ImportKeys(ctx context.Context, userID string, contents []domain.KeyContent) ([]domain.Key, error) {
	var keys []domain.Key
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.active(ctx, userID); err != nil {
			return err
		}
		var err error
		keys, err = e.keys.ImportKeys(ctx, userID, contents)
		return err
	})
	if err != nil {
		return nil, e.result(ctx, "import_keys", err, tooManyRequests)
	}
	return keys, nil
}

func (e *Engine) ReadKeys(ctx context.Context, userID string) ([]domain.Key, error) {
	var keys []domain.Key
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.active(ctx, userID); err != nil {
			return err
		}
		var err error
		keys, err = e.keys.ReadKeys(ctx, userID)
		return err
	})
	if err != nil {
		return nil, e.result(ctx, "read_keys", err)
	}
	return keys, nil
}

func (e *Engine) UpdateKey(ctx context.Context, userID string, patch domain.KeyPatch) (domain.Key, error) {
	var key domain.Key
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.active(ctx, userID); err != nil {
			return err
		}
		var err error
		key, err = e.keys.UpdateKey(ctx, userID, patch)
		return err
	})
	if err != nil {
		return domain.Key{}, e.result(ctx, "update_key", err, invalidKeyID...)
	}
	return key, nil
}

func (e *Engine) DeleteKey(ctx context.Context, userID string, id uuid.UUID) error {
	err := e.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := e.active(ctx, userID); err != nil {
			return err
		}
		return e.keys.DeleteKey(ctx, userID, id)
	})
	return e.result(ctx, "delete_key", err, invalidKeyID...)
}
