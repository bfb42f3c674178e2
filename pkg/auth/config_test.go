package auth

import (
	"testing"
	"time"

	"github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umiacs/nexus-status/pkg/store"
	"gopkg.in/yaml.v3"
)

func newMemoryStore(t *testing.T) *store.Memory {
	t.Helper()

	s := store.NewMemory(0)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestConfigToken(t *testing.T) {
	var c Config

	err := yaml.Unmarshal([]byte(`
valid_tokens:
  - nexus-20250314-abcdefgh
session_duration: 8h
`), &c)
	require.NoError(t, err)

	assert.Equal(t, ModeToken, c.Mode)
	assert.Equal(t, []string{"nexus-20250314-abcdefgh"}, c.ValidTokens)
	assert.Equal(t, model.Duration(8*time.Hour), c.SessionDuration)
	assert.Equal(t, DefaultScope, c.OAuth.Scope)
}

func TestConfigOAuth(t *testing.T) {
	var c Config

	err := yaml.Unmarshal([]byte(`
mode: oauth
oauth:
  client_id: client
  client_secret: secret
  allowed_users: [alice]
  allowed_orgs: [umiacs]
`), &c)
	require.NoError(t, err)

	assert.Equal(t, ModeOAuth, c.Mode)
	assert.Equal(t, config.Secret("secret"), c.OAuth.ClientSecret)
	assert.Equal(t, []string{"read:user", "read:org"}, c.OAuth.Scopes())
	assert.Equal(t, "https://github.com/login/oauth/authorize", c.OAuth.AuthURL)
	assert.Equal(t, DefaultAPIURL, c.OAuth.APIURL)
	assert.Equal(t, Rule{AllowedUsers: []string{"alice"}, AllowedOrgs: []string{"umiacs"}}, c.OAuth.Rule())
}

func TestConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  error
	}{
		{
			name: "no tokens",
			yaml: "mode: token",
			err:  ErrNoValidTokens,
		},
		{
			name: "no client",
			yaml: "mode: oauth",
			err:  ErrMissingClientID,
		},
		{
			name: "unknown mode",
			yaml: "mode: saml",
			err:  ErrUnknownMode,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var c Config
			require.ErrorIs(t, yaml.Unmarshal([]byte(test.yaml), &c), test.err)
		})
	}

	var c Config
	require.Error(t, yaml.Unmarshal([]byte("valid_tokens: [a]\nsession_duration: 0s"), &c))
}
