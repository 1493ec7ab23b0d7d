package domain

import (
	"fmt"
	"time"
)

type UserState int

const (
	UserPending UserState = iota + 1
	UserActive
	UserDeleted
)

func (s UserState) String() string {
	switch s {
	case UserPending:
		return "PENDING"
	case UserActive:
		return "ACTIVE"
	case UserDeleted:
		return "DELETED"
	}
	return fmt.Sprintf("UserState(%d)", int(s))
}

// Code is the value persisted in users.state.
func (s UserState) Code() (int, error) {
	switch s {
	case UserPending:
		return 1, nil
	case UserActive:
		return 2, nil
	case UserDeleted:
		return 3, nil
	}
	return 0, fmt.Errorf("domain: unknown user state %d", int(s))
}

func UserStateFromCode(code int) (UserState, error) {
	switch code {
	case 1:
		return UserPending, nil
	case 2:
		return UserActive, nil
	case 3:
		return UserDeleted, nil
	}
	return 0, fmt.Errorf("domain: unknown user state code %d", code)
}

// CanTransitionTo allows PENDING->ACTIVE, PENDING->DELETED and
// ACTIVE->DELETED. Writing the current state again is a no-op and allowed
// except for DELETED, which nothing may touch.
func (s UserState) CanTransitionTo(next UserState) bool {
	switch s {
	case UserPending:
		return next == UserPending || next == UserActive || next == UserDeleted
	case UserActive:
		return next == UserActive || next == UserDeleted
	}
	return false
}

type User struct {
	ID                  string
	CreatedAt           time.Time
	State               UserState
	StateChangedAt      time.Time
	Username            string
	Salt                string
	Hash                string
	Mail                *string // nil until the first mail token is released
	LastSession         time.Time
	OtpSecret           *string
	OtpSpareAttempts    int
	InactivityReminders []time.Time
	Version             int64
}

func (u User) HasOtp() bool { return u.OtpSecret != nil }

// MailOrEmpty is the verified address or "" when none is on file.
func (u User) MailOrEmpty() string {
	if u.Mail == nil {
		return ""
	}
	return *u.Mail
}
