package sqlstore

import (
	"context"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
)

const mailTokenColumns = `id, user_id, created_at, code, mail, ip_address, last_attempt, attempt_count`

type mailTokensRepo struct {
	s *Store
}

func (r *mailTokensRepo) Create(ctx context.Context, t domain.MailToken) error {
	return r.s.insert(ctx, "mail_tokens.create",
		`INSERT INTO mail_tokens (`+mailTokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, toMS(t.CreatedAt), t.Code, t.Mail, t.IPAddress, toMS(t.LastAttempt), t.AttemptCount,
	)
}

func (r *mailTokensRepo) GetByID(ctx context.Context, id string) (domain.MailToken, error) {
	t, err := scanMailToken(r.s.queryRow(ctx, `SELECT `+mailTokenColumns+` FROM mail_tokens WHERE id = ?`, id))
	if err != nil {
		return domain.MailToken{}, mapNotFound("mail_tokens.get_by_id", err)
	}
	return t, nil
}

func (r *mailTokensRepo) Latest(ctx context.Context, userID string) (domain.MailToken, error) {
	t, err := scanMailToken(r.s.queryRow(ctx,
		`SELECT `+mailTokenColumns+` FROM mail_tokens WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID,
	))
	if err != nil {
		return domain.MailToken{}, mapNotFound("mail_tokens.latest", err)
	}
	return t, nil
}

func (r *mailTokensRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	return r.s.count(ctx, "mail_tokens.count_by_user",
		`SELECT COUNT(*) FROM mail_tokens WHERE user_id = ?`, userID)
}

func (r *mailTokensRepo) CountByIP(ctx context.Context, ip string) (int, error) {
	return r.s.count(ctx, "mail_tokens.count_by_ip",
		`SELECT COUNT(*) FROM mail_tokens WHERE ip_address = ?`, ip)
}

func (r *mailTokensRepo) RecordAttempt(ctx context.Context, id string, at time.Time) error {
	return r.s.mustAffect(ctx, "mail_tokens.record_attempt",
		`UPDATE mail_tokens SET last_attempt = ?, attempt_count = attempt_count + 1 WHERE id = ?`,
		toMS(at), id,
	)
}

func (r *mailTokensRepo) Delete(ctx context.Context, id string) error {
	return r.s.mustAffect(ctx, "mail_tokens.delete", `DELETE FROM mail_tokens WHERE id = ?`, id)
}

func (r *mailTokensRepo) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.s.affected(ctx, "mail_tokens.delete_created_before",
		`DELETE FROM mail_tokens WHERE created_at < ?`, toMS(cutoff))
}

func scanMailToken(row scanner) (domain.MailToken, error) {
	var (
		t                      domain.MailToken
		createdAt, lastAttempt int64
	)
	err := row.Scan(&t.ID, &t.UserID, &createdAt, &t.Code, &t.Mail, &t.IPAddress, &lastAttempt, &t.AttemptCount)
	if err != nil {
		return domain.MailToken{}, err
	}
	t.CreatedAt = fromMS(createdAt)
	t.LastAttempt = fromMS(lastAttempt)
	return t, nil
}
