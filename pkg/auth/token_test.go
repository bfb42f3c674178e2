package auth

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken(DefaultTokenLength)
	require.NoError(t, err)
	assert.Regexp(t, `^[A-Za-z0-9_-]{32}$`, token)

	other, err := GenerateSecureToken(DefaultTokenLength)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)

	_, err = GenerateSecureToken(0)
	require.ErrorIs(t, err, ErrInvalidTokenLength)
}

func TestGenerateDateBasedToken(t *testing.T) {
	now := time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC)

	token, err := GenerateDateBasedToken("", now)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^nexus-20250314-[A-Za-z0-9_-]{8}$`), token)

	token, err = GenerateDateBasedToken("lab", now)
	require.NoError(t, err)
	assert.Regexp(t, `^lab-20250314-[A-Za-z0-9_-]{8}$`, token)
}

func TestGenerateUserToken(t *testing.T) {
	token, err := GenerateUserToken("alice", "")
	require.NoError(t, err)
	assert.Regexp(t, `^user-alice-[A-Za-z0-9_-]{16}$`, token)

	token, err = GenerateUserToken("bob", "admin")
	require.NoError(t, err)
	assert.Regexp(t, `^admin-bob-[A-Za-z0-9_-]{16}$`, token)
}
