package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
)

const userColumns = `id, created_at, state, state_changed_at, username, salt, hash, mail,
	last_session, otp_secret, otp_spare_attempts, inactivity_reminders, version`

type usersRepo struct {
	s *Store
}

func (r *usersRepo) Create(ctx context.Context, u domain.User) error {
	state, err := u.State.Code()
	if err != nil {
		return err
	}
	reminders, err := encodeTimes(u.InactivityReminders)
	if err != nil {
		return err
	}
	version := u.Version
	if version == 0 {
		version = 1
	}
	return r.s.insert(ctx, "users.create",
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, toMS(u.CreatedAt), state, toMS(u.StateChangedAt), u.Username, u.Salt, u.Hash,
		nullString(u.Mail), toMS(u.LastSession), nullString(u.OtpSecret), u.OtpSpareAttempts,
		reminders, version,
	)
}

func (r *usersRepo) GetByID(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(r.s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return domain.User{}, mapNotFound("users.get_by_id", err)
	}
	return u, nil
}

func (r *usersRepo) GetByUsername(ctx context.Context, username string) (domain.User, error) {
	u, err := scanUser(r.s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err != nil {
		return domain.User{}, mapNotFound("users.get_by_username", err)
	}
	return u, nil
}

func (r *usersRepo) Update(ctx context.Context, u *domain.User) error {
	var (
		curCode    int
		curVersion int64
	)
	err := r.s.queryRow(ctx, `SELECT state, version FROM users WHERE id = ?`, u.ID).Scan(&curCode, &curVersion)
	if err != nil {
		return mapNotFound("users.update", err)
	}
	if curVersion != u.Version {
		return store.ErrVersionConflict
	}
	current, err := domain.UserStateFromCode(curCode)
	if err != nil {
		return store.Fail("users.update", err)
	}
	if !current.CanTransitionTo(u.State) {
		return fmt.Errorf("%w: user %s -> %s", store.ErrIllegalTransition, current, u.State)
	}

	state, err := u.State.Code()
	if err != nil {
		return err
	}
	reminders, err := encodeTimes(u.InactivityReminders)
	if err != nil {
		return err
	}
	n, err := r.s.affected(ctx, "users.update",
		`UPDATE users SET state = ?, state_changed_at = ?, username = ?, salt = ?, hash = ?,
			mail = ?, last_session = ?, otp_secret = ?, otp_spare_attempts = ?,
			inactivity_reminders = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		state, toMS(u.StateChangedAt), u.Username, u.Salt, u.Hash,
		nullString(u.Mail), toMS(u.LastSession), nullString(u.OtpSecret), u.OtpSpareAttempts,
		reminders, u.ID, u.Version,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	u.Version++
	return nil
}

func (r *usersRepo) ListStale(ctx context.Context, cutoff time.Time) ([]domain.User, error) {
	active, _ := domain.UserActive.Code()
	rows, err := r.s.query(ctx,
		`SELECT `+userColumns+` FROM users WHERE state = ? AND last_session < ? ORDER BY id`,
		active, toMS(cutoff),
	)
	if err != nil {
		return nil, store.Fail("users.list_stale", err)
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, store.Fail("users.list_stale", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Fail("users.list_stale", err)
	}
	return out, nil
}

func (r *usersRepo) ExpirePending(ctx context.Context, cutoff, now time.Time) (int64, error) {
	pending, _ := domain.UserPending.Code()
	deleted, _ := domain.UserDeleted.Code()
	return r.s.affected(ctx, "users.expire_pending",
		`UPDATE users SET state = ?, state_changed_at = ?, version = version + 1
		WHERE state = ? AND created_at < ?`,
		deleted, toMS(now), pending, toMS(cutoff),
	)
}

func (r *usersRepo) EvictDeleted(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, _ := domain.UserDeleted.Code()
	return r.s.affected(ctx, "users.evict_deleted",
		`DELETE FROM users WHERE state = ? AND state_changed_at < ?`,
		deleted, toMS(cutoff),
	)
}

func scanUser(row scanner) (domain.User, error) {
	var (
		u                                      domain.User
		createdAt, stateChangedAt, lastSession int64
		state                                  int
		mail, otpSecret                        sql.NullString
		reminders                              string
	)
	err := row.Scan(
		&u.ID, &createdAt, &state, &stateChangedAt, &u.Username, &u.Salt, &u.Hash, &mail,
		&lastSession, &otpSecret, &u.OtpSpareAttempts, &reminders, &u.Version,
	)
	if err != nil {
		return domain.User{}, err
	}
	if u.State, err = domain.UserStateFromCode(state); err != nil {
		return domain.User{}, err
	}
	if u.InactivityReminders, err = decodeTimes(reminders); err != nil {
		return domain.User{}, err
	}
	u.CreatedAt = fromMS(createdAt)
	u.StateChangedAt = fromMS(stateChangedAt)
	u.LastSession = fromMS(lastSession)
	u.Mail = stringPtr(mail)
	u.OtpSecret = stringPtr(otpSecret)
	return u, nil
}
