package domain

import (
	"fmt"
	"time"
)

type SessionStage int

const (
	SessionInitiated SessionStage = iota + 1
	SessionActivated
	SessionDisabled
)

func (s SessionStage) String() string {
	switch s {
	case SessionInitiated:
		return "INITIATED"
	case SessionActivated:
		return "ACTIVATED"
	case SessionDisabled:
		return "DISABLED"
	}
	return fmt.Sprintf("SessionStage(%d)", int(s))
}

func (s SessionStage) Code() (int, error) {
	switch s {
	case SessionInitiated:
		return 1, nil
	case SessionActivated:
		return 2, nil
	case SessionDisabled:
		return 3, nil
	}
	return 0, fmt.Errorf("domain: unknown session stage %d", int(s))
}

func SessionStageFromCode(code int) (SessionStage, error) {
	switch code {
	case 1:
		return SessionInitiated, nil
	case 2:
		return SessionActivated, nil
	case 3:
		return SessionDisabled, nil
	}
	return 0, fmt.Errorf("domain: unknown session stage code %d", code)
}

// CanTransitionTo encodes INITIATED->ACTIVATED and anything->DISABLED.
// DISABLED is terminal.
func (s SessionStage) CanTransitionTo(next SessionStage) bool {
	switch s {
	case SessionInitiated:
		return next == SessionActivated || next == SessionDisabled
	case SessionActivated:
		return next == SessionDisabled
	}
	return false
}

// Agent describes the client a session was opened from.
type Agent struct {
	IPAddress     string
	UserAgent     string
	ClientVersion string
}

type Session struct {
	ID             string
	UserID         string
	CreatedAt      time.Time
	CacheKey       string // namespaced cache key of the token currently bound to the row
	Stage          SessionStage
	StageChangedAt time.Time
	Agent          Agent
}
