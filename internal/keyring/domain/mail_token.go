package domain

import "time"

type MailToken struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	Code         string
	Mail         string
	IPAddress    string
	LastAttempt  time.Time
	AttemptCount int
}

// NudgeStatus is the outcome of asking to resend a mail token.
type NudgeStatus int

const (
	NudgeOK NudgeStatus = iota
	NudgeNotFound
	NudgeNotAvailableYet
)

func (s NudgeStatus) String() string {
	switch s {
	case NudgeOK:
		return "OK"
	case NudgeNotFound:
		return "NOT_FOUND"
	case NudgeNotAvailableYet:
		return "NOT_AVAILABLE_YET"
	}
	return "UNKNOWN"
}
