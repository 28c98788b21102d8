package oauth2

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// StateSize is the number of random bytes in an anti-forgery state value.
const StateSize = 32

// GenerateRandomString returns n random bytes, base64url encoded without padding.
func GenerateRandomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateState returns a fresh anti-forgery state for the authorize redirect.
func GenerateState() (string, error) {
	return GenerateRandomString(StateSize)
}
