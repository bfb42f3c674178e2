package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/prometheus/common/config"
	"golang.org/x/oauth2"
)

// maxResponseSize caps identity provider responses.
const maxResponseSize = 1 << 20

// Custom errors.
var (
	ErrEmptyAccessToken = errors.New("identity provider returned an empty access token")
	ErrUnexpectedCode   = errors.New("unexpected status code from identity provider")
)

// IdentityProvider is the external OAuth identity provider.
type IdentityProvider interface {
	// AuthCodeURL returns the authorize URL the browser is redirected to.
	AuthCodeURL(state string) string
	// Exchange trades an authorization code for an access token.
	Exchange(ctx context.Context, code string) (string, error)
	// User returns the identity of the access token owner.
	User(ctx context.Context, token string) (*Identity, error)
	// Orgs returns the organization logins of the access token owner.
	Orgs(ctx context.Context, token string) ([]string, error)
}

// GitHubProvider implements IdentityProvider for GitHub and compatible
// enterprise servers. The code exchange is done server side so the client
// secret is never sent to browsers.
type GitHubProvider struct {
	oauth  *oauth2.Config
	apiURL *url.URL
	client *http.Client
}

// NewGitHubProvider returns a new GitHubProvider.
func NewGitHubProvider(c OAuthConfig) (*GitHubProvider, error) {
	apiURL, err := url.Parse(strings.TrimRight(c.APIURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	client, err := config.NewClientFromConfig(c.HTTPClientConfig, "nexus_oauth")
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client for identity provider: %w", err)
	}

	return &GitHubProvider{
		oauth: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: string(c.ClientSecret),
			Endpoint: oauth2.Endpoint{
				AuthURL:  c.AuthURL,
				TokenURL: c.TokenURL,
			},
			RedirectURL: c.RedirectURI,
			Scopes:      c.Scopes(),
		},
		apiURL: apiURL,
		client: client,
	}, nil
}

// AuthCodeURL implements IdentityProvider.
func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("allow_signup", "false"))
}

// Exchange implements IdentityProvider.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange code for token: %w", err)
	}

	if token.AccessToken == "" {
		return "", ErrEmptyAccessToken
	}

	return token.AccessToken, nil
}

// User implements IdentityProvider.
func (p *GitHubProvider) User(ctx context.Context, token string) (*Identity, error) {
	identity := &Identity{}
	if err := p.get(ctx, "/user", token, identity); err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}

	if identity.Login == "" {
		return nil, errors.New("user info has no login")
	}

	return identity, nil
}

// Orgs implements IdentityProvider.
func (p *GitHubProvider) Orgs(ctx context.Context, token string) ([]string, error) {
	var orgs []struct {
		Login string `json:"login"`
	}

	if err := p.get(ctx, "/user/orgs", token, &orgs); err != nil {
		return nil, fmt.Errorf("failed to fetch user organizations: %w", err)
	}

	logins := make([]string, 0, len(orgs))
	for _, org := range orgs {
		logins = append(logins, org.Login)
	}

	return logins, nil
}

func (p *GitHubProvider) get(ctx context.Context, path, token string, v any) error {
	u := p.apiURL.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrUnexpectedCode, resp.StatusCode)
	}

	return json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(v)
}
