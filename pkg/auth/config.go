package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"golang.org/x/oauth2/github"
)

// Mode is the login mode.
type Mode string

// Login modes.
const (
	ModeToken Mode = "token"
	ModeOAuth Mode = "oauth"
)

// Default values.
const (
	DefaultScope  = "read:user read:org"
	DefaultAPIURL = "https://api.github.com"
)

// Custom errors.
var (
	ErrUnknownMode     = errors.New("unknown auth mode")
	ErrNoValidTokens   = errors.New("token mode needs at least one valid token")
	ErrMissingClientID = errors.New("oauth mode needs client_id and client_secret")
)

// OAuthConfig is the config of the OAuth login.
type OAuthConfig struct {
	ClientID string `yaml:"client_id"`
	// ClientSecret never leaves the server.
	ClientSecret     config.Secret           `yaml:"client_secret"`
	RedirectURI      string                  `yaml:"redirect_uri"`
	Scope            string                  `yaml:"scope"`
	AllowedUsers     []string                `yaml:"allowed_users"`
	AllowedOrgs      []string                `yaml:"allowed_orgs"`
	AuthURL          string                  `yaml:"auth_url"`
	TokenURL         string                  `yaml:"token_url"`
	APIURL           string                  `yaml:"api_url"`
	HTTPClientConfig config.HTTPClientConfig `yaml:",inline"`
}

// Scopes returns the requested scopes.
func (c OAuthConfig) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Rule returns the authorization rule of the config.
func (c OAuthConfig) Rule() Rule {
	return Rule{AllowedUsers: c.AllowedUsers, AllowedOrgs: c.AllowedOrgs}
}

// Config is the config of the session machine.
type Config struct {
	Mode            Mode           `yaml:"mode"`
	ValidTokens     []string       `yaml:"valid_tokens"`
	SessionDuration model.Duration `yaml:"session_duration"`
	OAuth           OAuthConfig    `yaml:"oauth"`
}

// DefaultConfig is the default config of the session machine.
var DefaultConfig = Config{
	Mode:            ModeToken,
	SessionDuration: model.Duration(24 * time.Hour),
	OAuth: OAuthConfig{
		Scope:            DefaultScope,
		AuthURL:          github.Endpoint.AuthURL,
		TokenURL:         github.Endpoint.TokenURL,
		APIURL:           DefaultAPIURL,
		HTTPClientConfig: config.DefaultHTTPClientConfig,
	},
}

// SetDirectory joins any relative file paths with dir.
func (c *Config) SetDirectory(dir string) {
	c.OAuth.HTTPClientConfig.SetDirectory(dir)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultConfig

	type plain Config

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	return c.Validate()
}

// Validate checks the config of the selected mode.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeToken:
		if len(c.ValidTokens) == 0 {
			return ErrNoValidTokens
		}

		if c.SessionDuration <= 0 {
			return errors.New("session_duration must be positive")
		}
	case ModeOAuth:
		if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
			return ErrMissingClientID
		}

		// Inlined HTTPClientConfig is not validated by its own UnmarshalYAML
		if err := c.OAuth.HTTPClientConfig.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}

	return nil
}
