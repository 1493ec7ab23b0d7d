package sqlstore

import (
	"context"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
)

type otpParamsRepo struct {
	s *Store
}

func (r *otpParamsRepo) Create(ctx context.Context, p domain.OtpParams) error {
	codes, err := encodeStrings(p.ScratchCodes)
	if err != nil {
		return err
	}
	return r.s.insert(ctx, "otp_params.create",
		`INSERT INTO otp_params (id, user_id, created_at, secret, scratch_codes) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.UserID, toMS(p.CreatedAt), p.Secret, codes,
	)
}

func (r *otpParamsRepo) GetByID(ctx context.Context, id string) (domain.OtpParams, error) {
	var (
		p         domain.OtpParams
		createdAt int64
		codes     string
	)
	err := r.s.queryRow(ctx,
		`SELECT id, user_id, created_at, secret, scratch_codes FROM otp_params WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &createdAt, &p.Secret, &codes)
	if err != nil {
		return domain.OtpParams{}, mapNotFound("otp_params.get_by_id", err)
	}
	if p.ScratchCodes, err = decodeStrings(codes); err != nil {
		return domain.OtpParams{}, mapNotFound("otp_params.get_by_id", err)
	}
	p.CreatedAt = fromMS(createdAt)
	return p, nil
}

func (r *otpParamsRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	return r.s.count(ctx, "otp_params.count_by_user",
		`SELECT COUNT(*) FROM otp_params WHERE user_id = ?`, userID)
}

func (r *otpParamsRepo) Delete(ctx context.Context, id string) error {
	return r.s.mustAffect(ctx, "otp_params.delete", `DELETE FROM otp_params WHERE id = ?`, id)
}

func (r *otpParamsRepo) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.s.affected(ctx, "otp_params.delete_created_before",
		`DELETE FROM otp_params WHERE created_at < ?`, toMS(cutoff))
}

const otpTokenColumns = `id, user_id, created_at, value, is_initial`

type otpTokensRepo struct {
	s *Store
}

func (r *otpTokensRepo) Create(ctx context.Context, t domain.OtpToken) error {
	return r.s.insert(ctx, "otp_tokens.create",
		`INSERT INTO otp_tokens (`+otpTokenColumns+`) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.UserID, toMS(t.CreatedAt), t.Value, t.IsInitial,
	)
}

func (r *otpTokensRepo) GetByID(ctx context.Context, id string) (domain.OtpToken, error) {
	t, err := scanOtpToken(r.s.queryRow(ctx, `SELECT `+otpTokenColumns+` FROM otp_tokens WHERE id = ?`, id))
	if err != nil {
		return domain.OtpToken{}, mapNotFound("otp_tokens.get_by_id", err)
	}
	return t, nil
}

func (r *otpTokensRepo) Find(ctx context.Context, userID, value string, mustBeInitial bool) (domain.OtpToken, error) {
	query := `SELECT ` + otpTokenColumns + ` FROM otp_tokens WHERE user_id = ? AND value = ?`
	args := []any{userID, value}
	if mustBeInitial {
		query += ` AND is_initial = ?`
		args = append(args, true)
	}
	query += ` ORDER BY id LIMIT 1`
	t, err := scanOtpToken(r.s.queryRow(ctx, query, args...))
	if err != nil {
		return domain.OtpToken{}, mapNotFound("otp_tokens.find", err)
	}
	return t, nil
}

func (r *otpTokensRepo) Delete(ctx context.Context, id string) error {
	return r.s.mustAffect(ctx, "otp_tokens.delete", `DELETE FROM otp_tokens WHERE id = ?`, id)
}

func (r *otpTokensRepo) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return r.s.affected(ctx, "otp_tokens.delete_by_user",
		`DELETE FROM otp_tokens WHERE user_id = ?`, userID)
}

func (r *otpTokensRepo) DeleteNonInitialCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.s.affected(ctx, "otp_tokens.delete_non_initial_created_before",
		`DELETE FROM otp_tokens WHERE is_initial = ? AND created_at < ?`, false, toMS(cutoff))
}

func scanOtpToken(row scanner) (domain.OtpToken, error) {
	var (
		t         domain.OtpToken
		createdAt int64
	)
	if err := row.Scan(&t.ID, &t.UserID, &createdAt, &t.Value, &t.IsInitial); err != nil {
		return domain.OtpToken{}, err
	}
	t.CreatedAt = fromMS(createdAt)
	return t, nil
}
