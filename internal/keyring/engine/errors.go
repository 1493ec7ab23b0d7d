package engine

import (
	"fmt"
	"strings"
)

// Error is an outward error. The request layer maps Code onto its wire
// format and never sees storage or cache errors.
type Error struct {
	Code string
}

func (e *Error) Error() string { return "engine: " + strings.ToLower(e.Code) }

var (
	ErrInvalidArgument      = &Error{"INVALID_ARGUMENT"}
	ErrUnauthenticated      = &Error{"UNAUTHENTICATED"}
	ErrInvalidCredentials   = &Error{"INVALID_CREDENTIALS"}
	ErrInvalidDigest        = &Error{"INVALID_DIGEST"}
	ErrNameTaken            = &Error{"NAME_TAKEN"}
	ErrNotFound             = &Error{"NOT_FOUND"}
	ErrTooManyRequests      = &Error{"TOO_MANY_REQUESTS"}
	ErrInvalidCode          = &Error{"INVALID_CODE"}
	ErrAttemptsExhausted    = &Error{"ATTEMPTS_EXHAUSTED"}
	ErrInvalidTokenID       = &Error{"INVALID_TOKEN_ID"}
	ErrNotAvailableYet      = &Error{"NOT_AVAILABLE_YET"}
	ErrInvalidParamsID      = &Error{"INVALID_PARAMS_ID"}
	ErrOtpAlreadyConfigured = &Error{"OTP_ALREADY_CONFIGURED"}
	ErrOtpNotConfigured     = &Error{"OTP_NOT_CONFIGURED"}
	ErrIncompletePatches    = &Error{"INCOMPLETE_PATCHES"}
	ErrInvalidKeyID         = &Error{"INVALID_KEY_ID"}
	ErrInternal             = &Error{"INTERNAL"}
)

// OtpError is a rejected TOTP code. It matches ErrInvalidCode and tells the
// caller how many attempts remain before only scratch codes work.
type OtpError struct {
	AttemptsLeft int
}

func (e *OtpError) Error() string {
	return fmt.Sprintf("engine: invalid_code (%d attempts left)", e.AttemptsLeft)
}

func (e *OtpError) Is(target error) bool { return target == ErrInvalidCode }
