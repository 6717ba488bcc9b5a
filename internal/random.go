package internal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// SessionTokenLength is the length of every issued session token.
	SessionTokenLength = 64
	tokenAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewSessionToken returns a SessionTokenLength-character string drawn
// uniformly from [A-Za-z0-9] using crypto/rand.
func NewSessionToken() (string, error) {
	return randomString(SessionTokenLength, tokenAlphabet)
}

// IsSessionTokenShape reports whether s could have been produced by
// NewSessionToken. Lookups short-circuit on anything else.
func IsSessionTokenShape(s string) bool {
	if len(s) != SessionTokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(tokenAlphabet, rune(s[i])) {
			return false
		}
	}
	return true
}

// NewOTP returns a numeric one-time code of the requested length.
func NewOTP(digits int) (string, error) {
	if digits < 4 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}
	return randomString(digits, "0123456789")
}

func randomString(n int, alphabet string) (string, error) {
	var b strings.Builder
	b.Grow(n)

	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}
