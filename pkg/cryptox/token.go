package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
)

// Token size constants (in bytes before encoding).
const (
	// TokenSize128 provides 128 bits of entropy (22 chars base64url). Session
	// and authn tokens use this size.
	TokenSize128 = 16
	// TokenSize256 provides 256 bits of entropy (43 chars base64url).
	TokenSize256 = 32
)

const scratchAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// ScratchCodeLength is the length of generated OTP scratch codes. It is never
// six so a scratch code can't be mistaken for a TOTP.
const ScratchCodeLength = 10

// GenerateToken creates a cryptographically secure random token of the
// specified byte length, base64url encoded without padding.
func GenerateToken(size int) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("token size must be positive, got %d", size)
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustGenerateToken is like GenerateToken but panics on error.
func MustGenerateToken(size int) string {
	token, err := GenerateToken(size)
	if err != nil {
		panic(fmt.Sprintf("cryptox: failed to generate token: %v", err))
	}
	return token
}

// GenerateNumericCode returns a zero-padded decimal code of the given length,
// uniformly drawn from [0, 10^length).
func GenerateNumericCode(length int) (string, error) {
	if length <= 0 || length > 18 {
		return "", fmt.Errorf("code length must be in [1, 18], got %d", length)
	}

	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate numeric code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}

// GenerateScratchCodes returns count single-use recovery codes.
func GenerateScratchCodes(count int) ([]string, error) {
	codes := make([]string, 0, count)
	alphabetSize := big.NewInt(int64(len(scratchAlphabet)))
	for range count {
		code := make([]byte, ScratchCodeLength)
		for i := range code {
			n, err := rand.Int(rand.Reader, alphabetSize)
			if err != nil {
				return nil, fmt.Errorf("failed to generate scratch code: %w", err)
			}
			code[i] = scratchAlphabet[n.Int64()]
		}
		codes = append(codes, string(code))
	}
	return codes, nil
}

// FingerprintToken returns a deterministic SHA-256 fingerprint of a token.
// OTP tokens are stored by fingerprint so the table never holds a usable
// credential.
func FingerprintToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
