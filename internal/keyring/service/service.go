// Package service is the durable store client. Every exported method runs
// in one transaction (joining the caller's if there is one) and takes the
// named lock of each entity it reads before writing.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
	"github.com/aussiebroadwan/keyring/internal/keyring/domain"
	"github.com/aussiebroadwan/keyring/internal/keyring/limits"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
	"github.com/aussiebroadwan/keyring/pkg/idx"
)

var (
	ErrIncompleteKeyPatches = errors.New("service: key patches do not cover every key")
	ErrOtpAlreadyConfigured = errors.New("service: otp already configured")
	ErrOtpNotConfigured     = errors.New("service: otp not configured")

	// ErrIllegalState means the entity is not in a state the operation
	// accepts, or vanished between a read the caller made and this call.
	ErrIllegalState = errors.New("service: illegal state")
	ErrNotOwned     = errors.New("service: entity belongs to another user")
)

// InitialSpareAttempts is how many wrong TOTP codes a user may submit
// before only scratch codes are accepted.
const InitialSpareAttempts = 5

// recentSessionWindow is the span the recent-sessions limiter counts over.
const recentSessionWindow = time.Hour

// Deps is what every service needs.
type Deps struct {
	Store  store.Store
	Clock  chrono.Clock
	Limits *limits.Limiter
}

func (d Deps) now() time.Time { return d.Clock.Now() }

func (d Deps) newID(at time.Time) string { return idx.NewAt(at).String() }

// lockUser takes user:<id> and reads the user under it.
func (d Deps) lockUser(ctx context.Context, userID string) (domain.User, error) {
	if err := d.Store.Lock(ctx, store.UserLock(userID)); err != nil {
		return domain.User{}, err
	}
	u, err := d.Store.Users().GetByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("lock user %s: %w", userID, err)
	}
	return u, nil
}

// absent swallows ErrNotFound so lookups can report a missing row as a
// false flag.
func absent(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
