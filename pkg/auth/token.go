package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Defaults of the token generators.
const (
	DefaultTokenLength = 32
	DefaultTokenPrefix = "nexus"
	DefaultTokenRole   = "user"
)

const tokenCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// ErrInvalidTokenLength is returned for non positive token lengths.
var ErrInvalidTokenLength = errors.New("token length must be positive")

// GenerateSecureToken returns a random token of length characters drawn from
// a URL safe alphabet.
func GenerateSecureToken(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidTokenLength
	}

	limit := big.NewInt(int64(len(tokenCharset)))
	token := make([]byte, length)

	for i := range token {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}

		token[i] = tokenCharset[n.Int64()]
	}

	return string(token), nil
}

// GenerateDateBasedToken returns a token of the form <prefix>-YYYYMMDD-<random>.
func GenerateDateBasedToken(prefix string, now time.Time) (string, error) {
	if prefix == "" {
		prefix = DefaultTokenPrefix
	}

	suffix, err := GenerateSecureToken(8)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s", prefix, now.Format("20060102"), suffix), nil
}

// GenerateUserToken returns a token of the form <role>-<username>-<random>.
func GenerateUserToken(username, role string) (string, error) {
	if role == "" {
		role = DefaultTokenRole
	}

	suffix, err := GenerateSecureToken(16)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s", role, username, suffix), nil
}
