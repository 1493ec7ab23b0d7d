// Package limits holds the per-resource ceilings checked before an insert.
// Checks run inside the transaction that performs the insert, after the
// owning entity's lock is taken, so count-then-insert cannot race.
package limits

import (
	"errors"
	"fmt"
)

var ErrLimitExceeded = errors.New("limits: limit exceeded")

type Resource string

const (
	KeysPerUser           Resource = "keys_per_user"
	MailTokensPerUser     Resource = "mail_tokens_per_user"
	MailTokensPerIP       Resource = "mail_tokens_per_ip"
	RecentSessionsPerUser Resource = "recent_sessions_per_user"
	OtpParamsPerUser      Resource = "otp_params_per_user"
)

type LimitError struct {
	Resource Resource
	Current  int
	Ceiling  int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limits: %s: %d of %d in use", e.Resource, e.Current, e.Ceiling)
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }

// Config is the set of ceilings. A zero ceiling rejects every insert.
type Config struct {
	KeysPerUser           int
	MailTokensPerUser     int
	MailTokensPerIP       int
	RecentSessionsPerUser int
	OtpParamsPerUser      int
}

func DefaultConfig() Config {
	return Config{
		KeysPerUser:           2048,
		MailTokensPerUser:     4,
		MailTokensPerIP:       64,
		RecentSessionsPerUser: 15,
		OtpParamsPerUser:      4,
	}
}

type Limiter struct {
	cfg Config
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg}
}

func (l *Limiter) CheckKeysPerUser(current, toAdd int) error {
	return check(KeysPerUser, current, toAdd, l.cfg.KeysPerUser)
}

func (l *Limiter) CheckMailTokensPerUser(current, toAdd int) error {
	return check(MailTokensPerUser, current, toAdd, l.cfg.MailTokensPerUser)
}

func (l *Limiter) CheckMailTokensPerIP(current, toAdd int) error {
	return check(MailTokensPerIP, current, toAdd, l.cfg.MailTokensPerIP)
}

// CheckRecentSessionsPerUser counts sessions created in the last hour.
func (l *Limiter) CheckRecentSessionsPerUser(current, toAdd int) error {
	return check(RecentSessionsPerUser, current, toAdd, l.cfg.RecentSessionsPerUser)
}

func (l *Limiter) CheckOtpParamsPerUser(current, toAdd int) error {
	return check(OtpParamsPerUser, current, toAdd, l.cfg.OtpParamsPerUser)
}

func check(r Resource, current, toAdd, ceiling int) error {
	if toAdd < 0 {
		toAdd = 0
	}
	if current+toAdd > ceiling {
		return &LimitError{Resource: r, Current: current, Ceiling: ceiling}
	}
	return nil
}
