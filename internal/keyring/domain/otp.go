package domain

import "time"

// OtpParams is a proposed OTP enrollment waiting for the user to prove they
// hold the secret.
type OtpParams struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	Secret       string
	ScratchCodes []string
}

// OtpToken is a single-use second factor. Initial tokens are the scratch
// codes handed out at enrollment; the rest are trusted-device tokens.
type OtpToken struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Value     string // fingerprint, never the raw token
	IsInitial bool
}
