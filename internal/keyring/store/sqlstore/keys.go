package sqlstore

import (
	"context"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
	"github.com/google/uuid"
)

const keyColumns = `id, user_id, created_at, version, value, labels`

type keysRepo struct {
	s *Store
}

func (r *keysRepo) Create(ctx context.Context, k domain.Key) error {
	labels, err := encodeStrings(k.Labels)
	if err != nil {
		return err
	}
	version := k.Version
	if version == 0 {
		version = 1
	}
	return r.s.insert(ctx, "keys.create",
		`INSERT INTO keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, k.UserID, toMS(k.CreatedAt), version, k.Value, labels,
	)
}

func (r *keysRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Key, error) {
	k, err := scanKey(r.s.queryRow(ctx, `SELECT `+keyColumns+` FROM keys WHERE id = ?`, id))
	if err != nil {
		return domain.Key{}, mapNotFound("keys.get_by_id", err)
	}
	return k, nil
}

func (r *keysRepo) ListByUser(ctx context.Context, userID string) ([]domain.Key, error) {
	rows, err := r.s.query(ctx, `SELECT `+keyColumns+` FROM keys WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, store.Fail("keys.list_by_user", err)
	}
	defer rows.Close()

	var out []domain.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, store.Fail("keys.list_by_user", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("keys.list_by_user", err)
	}
	return out, nil
}

func (r *keysRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	return r.s.count(ctx, "keys.count_by_user", `SELECT COUNT(*) FROM keys WHERE user_id = ?`, userID)
}

func (r *keysRepo) Update(ctx context.Context, k *domain.Key) error {
	labels, err := encodeStrings(k.Labels)
	if err != nil {
		return err
	}
	n, err := r.s.affected(ctx, "keys.update",
		`UPDATE keys SET value = ?, labels = ?, version = version + 1 WHERE id = ? AND version = ?`,
		k.Value, labels, k.ID, k.Version,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetByID(ctx, k.ID); err != nil {
			return err
		}
		return store.ErrVersionConflict
	}
	k.Version++
	return nil
}

func (r *keysRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.mustAffect(ctx, "keys.delete", `DELETE FROM keys WHERE id = ?`, id)
}

func scanKey(row scanner) (domain.Key, error) {
	var (
		k         domain.Key
		createdAt int64
		labels    string
	)
	if err := row.Scan(&k.ID, &k.UserID, &createdAt, &k.Version, &k.Value, &labels); err != nil {
		return domain.Key{}, err
	}
	var err error
	if k.Labels, err = decodeStrings(labels); err != nil {
		return domain.Key{}, err
	}
	k.CreatedAt = fromMS(createdAt)
	return k, nil
}
