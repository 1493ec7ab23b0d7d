package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
)

const sessionColumns = `id, user_id, created_at, cache_key, stage, stage_changed_at,
	ip_address, user_agent, client_version`

type sessionsRepo struct {
	s *Store
}

func (r *sessionsRepo) Create(ctx context.Context, sess domain.Session) error {
	stage, err := sess.Stage.Code()
	if err != nil {
		return err
	}
	return r.s.insert(ctx, "sessions.create",
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, toMS(sess.CreatedAt), sess.CacheKey, stage, toMS(sess.StageChangedAt),
		sess.Agent.IPAddress, sess.Agent.UserAgent, sess.Agent.ClientVersion,
	)
}

func (r *sessionsRepo) GetByID(ctx context.Context, id string) (domain.Session, error) {
	sess, err := scanSession(r.s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return domain.Session{}, mapNotFound("sessions.get_by_id", err)
	}
	return sess, nil
}

func (r *sessionsRepo) ListByUser(ctx context.Context, userID string, except ...domain.SessionStage) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ?`
	args := []any{userID}
	if len(except) > 0 {
		marks := make([]string, len(except))
		for i, stage := range except {
			code, err := stage.Code()
			if err != nil {
				return nil, err
			}
			marks[i] = "?"
			args = append(args, code)
		}
		query += ` AND stage NOT IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`
	return r.list(ctx, "sessions.list_by_user", query, args...)
}

func (r *sessionsRepo) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return r.s.count(ctx, "sessions.count_created_since",
		`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND created_at >= ?`,
		userID, toMS(since),
	)
}

func (r *sessionsRepo) SetStage(
	ctx context.Context,
	id string,
	from, to domain.SessionStage,
	cacheKey string,
	at time.Time,
) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: session %s -> %s", store.ErrIllegalTransition, from, to)
	}
	fromCode, err := from.Code()
	if err != nil {
		return false, err
	}
	toCode, err := to.Code()
	if err != nil {
		return false, err
	}
	// An empty cacheKey keeps the one already bound to the row.
	n, err := r.s.affected(ctx, "sessions.set_stage",
		`UPDATE sessions SET stage = ?, stage_changed_at = ?, cache_key = COALESCE(NULLIF(?, ''), cache_key)
		WHERE id = ? AND stage = ?`,
		toCode, toMS(at), cacheKey, id, fromCode,
	)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sessionsRepo) ListStageChangedBefore(ctx context.Context, stage domain.SessionStage, cutoff time.Time) ([]domain.Session, error) {
	code, err := stage.Code()
	if err != nil {
		return nil, err
	}
	return r.list(ctx, "sessions.list_stage_changed_before",
		`SELECT `+sessionColumns+` FROM sessions WHERE stage = ? AND stage_changed_at < ? ORDER BY id`,
		code, toMS(cutoff),
	)
}

func (r *sessionsRepo) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.s.affected(ctx, "sessions.delete_created_before",
		`DELETE FROM sessions WHERE created_at < ?`, toMS(cutoff))
}

func (r *sessionsRepo) list(ctx context.Context, op, query string, args ...any) ([]domain.Session, error) {
	rows, err := r.s.query(ctx, query, args...)
	if err != nil {
		return nil, store.Fail(op, err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, store.Fail(op, err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail(op, err)
	}
	return out, nil
}

func scanSession(row scanner) (domain.Session, error) {
	var (
		sess                      domain.Session
		createdAt, stageChangedAt int64
		stage                     int
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &createdAt, &sess.CacheKey, &stage, &stageChangedAt,
		&sess.Agent.IPAddress, &sess.Agent.UserAgent, &sess.Agent.ClientVersion,
	)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.Stage, err = domain.SessionStageFromCode(stage); err != nil {
		return domain.Session{}, err
	}
	sess.CreatedAt = fromMS(createdAt)
	sess.StageChangedAt = fromMS(stageChangedAt)
	return sess, nil
}
