package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umiacs/nexus-status/pkg/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

type fakeProvider struct {
	token       string
	identity    *Identity
	orgs        []string
	exchangeErr error
	userErr     error
	orgsErr     error
	// When set Exchange waits until it is closed
	block chan struct{}
	// When set User waits until it is closed
	userBlock chan struct{}

	mu        sync.Mutex
	exchanges int
	userCalls int
	orgCalls  int
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://github.example/login/oauth/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(ctx context.Context, code string) (string, error) {
	p.mu.Lock()
	p.exchanges++
	p.mu.Unlock()

	if p.block != nil {
		<-p.block
	}

	if p.exchangeErr != nil {
		return "", p.exchangeErr
	}

	return p.token, nil
}

func (p *fakeProvider) User(ctx context.Context, token string) (*Identity, error) {
	p.mu.Lock()
	p.userCalls++
	p.mu.Unlock()

	if p.userBlock != nil {
		<-p.userBlock
	}

	if p.userErr != nil {
		return nil, p.userErr
	}

	return p.identity, nil
}

func (p *fakeProvider) Orgs(ctx context.Context, token string) ([]string, error) {
	p.mu.Lock()
	p.orgCalls++
	p.mu.Unlock()

	return p.orgs, p.orgsErr
}

type transition struct {
	from, to State
}

type recorder struct {
	mu          sync.Mutex
	transitions []transition
	warnings    []time.Duration
	messages    []string
}

func (r *recorder) Changed(from State, view View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.transitions = append(r.transitions, transition{from, view.State})
	r.messages = append(r.messages, view.Message)
}

func (r *recorder) Warned(threshold time.Duration, view View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.warnings = append(r.warnings, threshold)
}

func (r *recorder) Warnings() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]time.Duration(nil), r.warnings...)
}

func (r *recorder) Transitions() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]transition(nil), r.transitions...)
}

func tokenConfig(d time.Duration) Config {
	return Config{
		Mode:            ModeToken,
		ValidTokens:     []string{"nexus-20250314-abcdefgh", "admin-token"},
		SessionDuration: model.Duration(d),
	}
}

func oauthConfig(users, orgs []string) Config {
	return Config{
		Mode:            ModeOAuth,
		SessionDuration: model.Duration(24 * time.Hour),
		OAuth: OAuthConfig{
			ClientID:         "client",
			ClientSecret:     config.Secret("secret"),
			AllowedUsers:     users,
			AllowedOrgs:      orgs,
			HTTPClientConfig: config.DefaultHTTPClientConfig,
		},
	}
}

func newTokenMachine(t *testing.T, s store.Store, clock *fakeClock, d time.Duration, opts ...Option) *Machine {
	t.Helper()

	opts = append([]Option{WithClock(clock.Now)}, opts...)

	m, err := NewMachine(tokenConfig(d), s, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func newOAuthMachine(t *testing.T, s store.Store, p *fakeProvider, cfg Config, opts ...Option) *Machine {
	t.Helper()

	opts = append([]Option{WithProvider(p)}, opts...)

	m, err := NewMachine(cfg, s, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func login(t *testing.T, m *Machine) string {
	t.Helper()

	loginURL, err := m.LoginURL()
	require.NoError(t, err)

	u, err := url.Parse(loginURL)
	require.NoError(t, err)

	return u.Query().Get("state")
}

func TestNewMachineInvalidConfig(t *testing.T) {
	_, err := NewMachine(Config{Mode: ModeToken, SessionDuration: model.Duration(time.Hour)}, store.NewMemory(0))
	require.ErrorIs(t, err, ErrNoValidTokens)

	_, err = NewMachine(Config{Mode: "saml"}, store.NewMemory(0))
	require.ErrorIs(t, err, ErrUnknownMode)
}

func TestTokenLogin(t *testing.T) {
	s := store.NewMemory(0)
	clock := newFakeClock()
	rec := &recorder{}
	m := newTokenMachine(t, s, clock, 24*time.Hour, WithObserver(rec))

	assert.Equal(t, LoggedOut, m.State())
	assert.False(t, m.IsAuthenticated())

	// Invalid token
	assert.False(t, m.Authenticate("wrong"))
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, msgInvalidToken, m.View().Message)

	_, err := s.Get(SessionKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Valid token
	require.True(t, m.Authenticate("admin-token"))
	assert.Equal(t, Dashboard, m.State())
	assert.True(t, m.IsAuthenticated())

	view := m.View()
	assert.Empty(t, view.Message)
	assert.True(t, view.Verdict.Authenticated)
	assert.True(t, view.Verdict.Authorized)
	assert.Equal(t, 24*time.Hour, view.Remaining)

	raw, err := s.Get(SessionKey)
	require.NoError(t, err)

	var session Session
	require.NoError(t, json.Unmarshal([]byte(raw), &session))
	assert.Equal(t, "admin-token", session.Token)
	assert.Equal(t, clock.Now().UnixMilli(), session.LoginTime)
	assert.Equal(t, clock.Now().Add(24*time.Hour).UnixMilli(), session.Expiry)

	assert.Equal(t, []transition{{LoggedOut, LoggedOut}, {LoggedOut, Dashboard}}, rec.Transitions())
	assert.Equal(t, []string{msgInvalidToken, ""}, rec.messages)
}

func TestTokenLoginDisabledInOAuthMode(t *testing.T) {
	m := newOAuthMachine(t, store.NewMemory(0), &fakeProvider{}, oauthConfig(nil, nil))

	assert.False(t, m.Authenticate("admin-token"))
	assert.Equal(t, LoggedOut, m.State())
}

func TestTokenSessionExpiry(t *testing.T) {
	s := store.NewMemory(0)
	clock := newFakeClock()
	m := newTokenMachine(t, s, clock, 24*time.Hour)

	require.True(t, m.Authenticate("admin-token"))

	// Expiry itself is still valid
	clock.Advance(24 * time.Hour)
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, time.Duration(0), m.TimeRemaining())

	clock.Advance(time.Millisecond)
	assert.False(t, m.IsAuthenticated())
	assert.Equal(t, LoggedOut, m.State())

	_, err := s.Get(SessionKey)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTokenRevoked(t *testing.T) {
	s := store.NewMemory(0)
	clock := newFakeClock()
	m := newTokenMachine(t, s, clock, time.Hour)

	session, err := json.Marshal(Session{
		Token:     "revoked",
		Expiry:    clock.Now().Add(time.Hour).UnixMilli(),
		LoginTime: clock.Now().UnixMilli(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Set(SessionKey, string(session)))

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, LoggedOut, m.State())

	_, err = s.Get(SessionKey)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTokenMalformedSession(t *testing.T) {
	s := store.NewMemory(0)
	m := newTokenMachine(t, s, newFakeClock(), time.Hour)

	require.NoError(t, s.Set(SessionKey, "{not json"))
	assert.False(t, m.IsAuthenticated())
	assert.Equal(t, LoggedOut, m.State())
}

func TestSharedStore(t *testing.T) {
	s := store.NewMemory(0)
	clock := newFakeClock()
	a := newTokenMachine(t, s, clock, time.Hour)
	b := newTokenMachine(t, s, clock, time.Hour)

	require.True(t, a.Authenticate("admin-token"))

	// b picks up the session written by a
	assert.True(t, b.IsAuthenticated())
	assert.Equal(t, Dashboard, b.State())

	a.Logout()
	assert.False(t, b.IsAuthenticated())
	assert.Equal(t, LoggedOut, b.State())
}

func TestExpiryWarnings(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	m := newTokenMachine(t, store.NewMemory(0), clock, time.Hour, WithObserver(rec))

	require.True(t, m.Authenticate("admin-token"))

	m.CheckExpiry()
	assert.Empty(t, rec.Warnings())

	// 29 minutes left
	clock.Advance(31 * time.Minute)
	m.CheckExpiry()
	m.CheckExpiry()
	assert.Equal(t, []time.Duration{30 * time.Minute}, rec.Warnings())
	assert.Equal(t, 30*time.Minute, m.View().Warning)

	// 4 minutes left
	clock.Advance(25 * time.Minute)
	m.CheckExpiry()
	assert.Equal(t, []time.Duration{30 * time.Minute, 5 * time.Minute}, rec.Warnings())

	view, err := json.Marshal(m.View())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"state": "Dashboard",
		"screen": "dashboard",
		"verdict": {"authenticated": true, "authorized": true},
		"remainingMs": 240000,
		"warningMinutes": 5
	}`, string(view))

	// Extending re-arms every threshold
	require.True(t, m.ExtendSession())
	assert.Equal(t, time.Hour, m.TimeRemaining())
	assert.Equal(t, time.Duration(0), m.View().Warning)

	clock.Advance(31 * time.Minute)
	m.CheckExpiry()
	assert.Equal(t, []time.Duration{30 * time.Minute, 5 * time.Minute, 30 * time.Minute}, rec.Warnings())

	// Expiry logs out
	clock.Advance(time.Hour)
	m.CheckExpiry()
	assert.Equal(t, LoggedOut, m.State())
	assert.Len(t, rec.Warnings(), 3)
}

func TestExpiryWarningTightestOnly(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	m := newTokenMachine(t, store.NewMemory(0), clock, 4*time.Minute, WithObserver(rec))

	require.True(t, m.Authenticate("admin-token"))

	m.CheckExpiry()
	m.CheckExpiry()
	assert.Equal(t, []time.Duration{5 * time.Minute}, rec.Warnings())
}

func TestExtendSessionRequiresDashboard(t *testing.T) {
	m := newTokenMachine(t, store.NewMemory(0), newFakeClock(), time.Hour)

	assert.False(t, m.ExtendSession())
	assert.Equal(t, time.Duration(0), m.TimeRemaining())
}

func TestExpiryMonitor(t *testing.T) {
	rec := &recorder{}

	m, err := NewMachine(
		tokenConfig(100*time.Millisecond), store.NewMemory(0),
		WithObserver(rec), WithMonitorInterval(10*time.Millisecond),
	)
	require.NoError(t, err)

	defer m.Close()

	require.True(t, m.Authenticate("admin-token"))

	assert.Eventually(t, func() bool {
		return m.State() == LoggedOut
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, rec.Transitions(), transition{Dashboard, LoggedOut})
}

func TestLogoutClearsAllKeys(t *testing.T) {
	s := store.NewMemory(0)
	m := newTokenMachine(t, s, newFakeClock(), time.Hour)

	require.True(t, m.Authenticate("admin-token"))

	for _, key := range []string{AccessTokenKey, UserInfoKey, OAuthStateKey} {
		require.NoError(t, s.Set(key, "stale"))
	}

	m.Logout()
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, 0, s.Len())

	// Logging out twice is harmless
	m.Logout()
	assert.Equal(t, LoggedOut, m.State())
}

func TestRetryOnlyFromError(t *testing.T) {
	m := newTokenMachine(t, store.NewMemory(0), newFakeClock(), time.Hour)

	require.ErrorIs(t, m.Retry(), ErrInvalidTransition)
}

func TestOAuthLogin(t *testing.T) {
	s := store.NewMemory(0)
	p := &fakeProvider{
		token:    "gho_token",
		identity: &Identity{Login: "alice", Name: "Alice"},
	}
	rec := &recorder{}
	m := newOAuthMachine(t, s, p, oauthConfig([]string{"Alice"}, nil), WithObserver(rec))

	state := login(t, m)
	require.NotEmpty(t, state)

	stored, err := s.Get(OAuthStateKey)
	require.NoError(t, err)
	assert.Equal(t, state, stored)

	require.NoError(t, m.Callback(context.Background(), "code", state))
	assert.Equal(t, Dashboard, m.State())
	assert.True(t, m.IsAuthenticated())

	view := m.View()
	assert.True(t, view.Verdict.Authorized)
	require.NotNil(t, view.Verdict.Identity)
	assert.Equal(t, "alice", view.Verdict.Identity.Login)
	assert.Equal(t, time.Duration(0), view.Remaining)

	token, err := s.Get(AccessTokenKey)
	require.NoError(t, err)
	assert.Equal(t, "gho_token", token)

	info, err := s.Get(UserInfoKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"login": "alice", "name": "Alice"}`, info)

	_, err = s.Get(OAuthStateKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Allowed user matched so orgs were never fetched
	assert.Equal(t, 0, p.orgCalls)

	assert.Equal(t, []transition{
		{LoggedOut, PendingValidation},
		{PendingValidation, Dashboard},
	}, rec.Transitions())
}

func TestOAuthStateMismatch(t *testing.T) {
	s := store.NewMemory(0)
	p := &fakeProvider{token: "gho_token", identity: &Identity{Login: "alice"}}
	m := newOAuthMachine(t, s, p, oauthConfig(nil, nil))

	login(t, m)

	require.ErrorIs(t, m.Callback(context.Background(), "code", "forged"), ErrStateMismatch)
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, 0, p.exchanges)

	// State is single use
	_, err := s.Get(OAuthStateKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Callback without a login
	require.ErrorIs(t, m.Callback(context.Background(), "code", ""), ErrStateMismatch)
}

func TestOAuthMissingCode(t *testing.T) {
	p := &fakeProvider{}
	m := newOAuthMachine(t, store.NewMemory(0), p, oauthConfig(nil, nil))

	state := login(t, m)

	require.ErrorIs(t, m.Callback(context.Background(), "", state), ErrMissingCode)
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, 0, p.exchanges)
}

func TestOAuthAuthorization(t *testing.T) {
	tests := []struct {
		name     string
		users    []string
		orgs     []string
		member   []string
		orgsErr  error
		expected State
		orgCalls int
	}{
		{
			name:     "open",
			expected: Dashboard,
		},
		{
			name:     "org member",
			users:    []string{"carol"},
			orgs:     []string{"UMIACS"},
			member:   []string{"other", "umiacs"},
			expected: Dashboard,
			orgCalls: 1,
		},
		{
			name:     "not allowed",
			users:    []string{"carol"},
			orgs:     []string{"umiacs"},
			member:   []string{"other"},
			expected: Unauthorized,
			orgCalls: 1,
		},
		{
			name:     "only users",
			users:    []string{"carol"},
			expected: Unauthorized,
		},
		{
			name:     "orgs lookup fails",
			orgs:     []string{"umiacs"},
			orgsErr:  errors.New("rate limited"),
			expected: Unauthorized,
			orgCalls: 1,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := store.NewMemory(0)
			p := &fakeProvider{
				token:    "gho_token",
				identity: &Identity{Login: "bob"},
				orgs:     test.member,
				orgsErr:  test.orgsErr,
			}
			m := newOAuthMachine(t, s, p, oauthConfig(test.users, test.orgs))

			require.NoError(t, m.Callback(context.Background(), "code", login(t, m)))
			assert.Equal(t, test.expected, m.State())
			assert.Equal(t, test.orgCalls, p.orgCalls)

			view := m.View()
			assert.True(t, view.Verdict.Authenticated)
			assert.Equal(t, test.expected == Dashboard, view.Verdict.Authorized)

			// User info is kept for the unauthorized screen
			_, err := s.Get(UserInfoKey)
			require.NoError(t, err)
		})
	}
}

func TestOAuthExchangeFailure(t *testing.T) {
	s := store.NewMemory(0)
	p := &fakeProvider{exchangeErr: errors.New("bad_verification_code")}
	m := newOAuthMachine(t, s, p, oauthConfig(nil, nil))

	err := m.Callback(context.Background(), "code", login(t, m))
	require.ErrorIs(t, err, ErrExchange)
	assert.Equal(t, Error, m.State())
	assert.Equal(t, msgAuthFailed, m.View().Message)
	assert.Equal(t, ScreenError, m.View().State.Screen())

	_, err = s.Get(AccessTokenKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Login is refused until the user retries
	_, err = m.LoginURL()
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, m.Retry())
	assert.Equal(t, LoggedOut, m.State())
	assert.Empty(t, m.View().Message)
}

func TestOAuthValidationFailure(t *testing.T) {
	s := store.NewMemory(0)
	p := &fakeProvider{token: "gho_token", userErr: errors.New("401 Bad credentials")}
	m := newOAuthMachine(t, s, p, oauthConfig(nil, nil))

	err := m.Callback(context.Background(), "code", login(t, m))
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, LoggedOut, m.State())
	assert.Equal(t, 0, s.Len())
}

func TestOAuthStaleExchange(t *testing.T) {
	s := store.NewMemory(0)
	p := &fakeProvider{
		token:    "gho_token",
		identity: &Identity{Login: "alice"},
		block:    make(chan struct{}),
	}
	m := newOAuthMachine(t, s, p, oauthConfig(nil, nil))

	state := login(t, m)
	errCh := make(chan error, 1)

	go func() {
		errCh <- m.Callback(context.Background(), "code", state)
	}()

	require.Eventually(t, func() bool {
		return m.State() == PendingValidation
	}, 5*time.Second, time.Millisecond)

	m.Logout()
	close(p.block)

	require.ErrorIs(t, <-errCh, ErrStale)
	assert.Equal(t, LoggedOut, m.State())

	_, err := s.Get(AccessTokenKey)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOAuthStaleValidation(t *testing.T) {
	s := store.NewMemory(0)
	p := &fakeProvider{
		token:     "gho_token",
		identity:  &Identity{Login: "alice"},
		userBlock: make(chan struct{}),
	}
	m := newOAuthMachine(t, s, p, oauthConfig(nil, nil))

	state := login(t, m)
	errCh := make(chan error, 1)

	go func() {
		errCh <- m.Callback(context.Background(), "code", state)
	}()

	// Token is exchanged and the identity request is in flight
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()

		return p.userCalls == 1
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, PendingValidation, m.State())

	m.Logout()
	close(p.userBlock)

	require.ErrorIs(t, <-errCh, ErrStale)
	assert.Equal(t, LoggedOut, m.State())

	_, err := s.Get(AccessTokenKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Get(UserInfoKey)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOAuthInitRevalidates(t *testing.T) {
	s := store.NewMemory(0)
	require.NoError(t, s.Set(AccessTokenKey, "gho_token"))

	p := &fakeProvider{identity: &Identity{Login: "alice"}}
	m := newOAuthMachine(t, s, p, oauthConfig([]string{"alice"}, nil))

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, Dashboard, m.State())

	// Revalidation of an authorized session
	p.identity = &Identity{Login: "mallory"}
	require.NoError(t, m.Validate(context.Background()))
	assert.Equal(t, Unauthorized, m.State())

	// Keys removed elsewhere
	require.NoError(t, s.Remove(AccessTokenKey))
	assert.False(t, m.IsAuthenticated())
	assert.Equal(t, LoggedOut, m.State())
	require.ErrorIs(t, m.Validate(context.Background()), ErrNoAccessToken)
}

func TestOAuthInitWithoutToken(t *testing.T) {
	m := newOAuthMachine(t, store.NewMemory(0), &fakeProvider{}, oauthConfig(nil, nil))

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, LoggedOut, m.State())
}

func TestLoginURLRequiresOAuth(t *testing.T) {
	m := newTokenMachine(t, store.NewMemory(0), newFakeClock(), time.Hour)

	_, err := m.LoginURL()
	require.ErrorIs(t, err, ErrOAuthDisabled)
	require.ErrorIs(t, m.Callback(context.Background(), "code", "state"), ErrOAuthDisabled)
}
