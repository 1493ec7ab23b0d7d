package engine

import (
	"net/mail"
	"regexp"
)

var (
	usernamePattern = regexp.MustCompile(`^\w{3,64}$`)
	// Salt is the client's key-derivation parameter string.
	saltPattern   = regexp.MustCompile(`^\$argon2id\$v=19\$m=\d{1,7},t=\d{1,3},p=\d{1,3}\$[A-Za-z0-9+/]{16,64}$`)
	digestPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
	totpPattern   = regexp.MustCompile(`^\d{6}$`)
)

func validUsername(s string) bool { return usernamePattern.MatchString(s) }
func validSalt(s string) bool     { return saltPattern.MatchString(s) }
func validDigest(s string) bool   { return digestPattern.MatchString(s) }

// isTotp tells a rolling code from a scratch code or trusted token. Scratch
// codes are never six characters long.
func isTotp(s string) bool { return totpPattern.MatchString(s) }

func validMail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s && len(s) <= 254
}
