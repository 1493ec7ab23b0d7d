package store

import (
	"context"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/google/uuid"
)

// Store is the root data access interface. Concrete drivers (sqlite,
// postgres) implement it. Every repository method resolves its connection
// from ctx: inside WithTx it runs on the ambient transaction, outside it runs
// on the pool.
type Store interface {
	Users() Users
	Sessions() Sessions
	MailTokens() MailTokens
	OtpParams() OtpParams
	OtpTokens() OtpTokens
	Keys() Keys

	// WithTx runs fn inside one transaction and commits when fn returns nil.
	// If ctx already carries a transaction, fn joins it and the outermost
	// call decides commit or rollback. A panic in fn rolls back and is
	// re-raised.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Lock takes the named exclusive lock for the remainder of the ambient
	// transaction. Calling it outside WithTx returns ErrNoTx.
	Lock(ctx context.Context, name string) error

	ApplyMigrations() error
	Ping(ctx context.Context) error
	Close() error
}

type Users interface {
	// Create inserts a new user. A taken username yields ErrAlreadyExists.
	Create(ctx context.Context, u domain.User) error

	GetByID(ctx context.Context, id string) (domain.User, error)
	GetByUsername(ctx context.Context, username string) (domain.User, error)

	// Update writes every mutable column of u guarded by u.Version. A stale
	// version yields ErrVersionConflict; on success u.Version is bumped.
	// The state change is validated against domain.UserState transitions.
	Update(ctx context.Context, u *domain.User) error

	// ListStale returns ACTIVE users whose last session is before cutoff.
	// Rows are not locked; callers re-read each one under its named lock.
	ListStale(ctx context.Context, cutoff time.Time) ([]domain.User, error)

	// ExpirePending moves PENDING users created before cutoff to DELETED.
	ExpirePending(ctx context.Context, cutoff, now time.Time) (int64, error)

	// EvictDeleted physically removes DELETED users whose state changed
	// before cutoff. Dependents go with them through ON DELETE CASCADE.
	EvictDeleted(ctx context.Context, cutoff time.Time) (int64, error)
}

type Sessions interface {
	Create(ctx context.Context, s domain.Session) error
	GetByID(ctx context.Context, id string) (domain.Session, error)

	// ListByUser returns the user's sessions, oldest first, skipping the
	// excluded stages.
	ListByUser(ctx context.Context, userID string, except ...domain.SessionStage) ([]domain.Session, error)

	// CountCreatedSince counts the user's sessions created at or after since.
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)

	// SetStage moves a session from one stage to another and rebinds its
	// cache key. Zero rows means the session was no longer in from.
	SetStage(ctx context.Context, id string, from, to domain.SessionStage, cacheKey string, at time.Time) (bool, error)

	// ListStageChangedBefore returns sessions in stage whose last stage
	// change is before cutoff. Rows are not locked; callers re-read each one
	// under its named lock.
	ListStageChangedBefore(ctx context.Context, stage domain.SessionStage, cutoff time.Time) ([]domain.Session, error)

	// DeleteCreatedBefore removes session rows older than cutoff.
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type MailTokens interface {
	Create(ctx context.Context, t domain.MailToken) error
	GetByID(ctx context.Context, id string) (domain.MailToken, error)
	Latest(ctx context.Context, userID string) (domain.MailToken, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	CountByIP(ctx context.Context, ip string) (int, error)

	// RecordAttempt stamps last_attempt and increments attempt_count.
	RecordAttempt(ctx context.Context, id string, at time.Time) error

	Delete(ctx context.Context, id string) error
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type OtpParams interface {
	Create(ctx context.Context, p domain.OtpParams) error
	GetByID(ctx context.Context, id string) (domain.OtpParams, error)
	CountByUser(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, id string) error
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type OtpTokens interface {
	Create(ctx context.Context, t domain.OtpToken) error
	GetByID(ctx context.Context, id string) (domain.OtpToken, error)

	// Find looks a token up by its stored value (the fingerprint).
	Find(ctx context.Context, userID, value string, mustBeInitial bool) (domain.OtpToken, error)

	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) (int64, error)

	// DeleteNonInitialCreatedBefore evicts trusted-device tokens. Scratch
	// codes are kept until used or OTP is reset.
	DeleteNonInitialCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Keys interface {
	Create(ctx context.Context, k domain.Key) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.Key, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Key, error)
	CountByUser(ctx context.Context, userID string) (int, error)

	// Update replaces the content guarded by k.Version, bumping it on
	// success. A stale version yields ErrVersionConflict.
	Update(ctx context.Context, k *domain.Key) error

	Delete(ctx context.Context, id uuid.UUID) error
}
