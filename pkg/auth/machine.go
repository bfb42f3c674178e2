package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/umiacs/nexus-status/internal/common"
	"github.com/umiacs/nexus-status/internal/periodic"
	"github.com/umiacs/nexus-status/pkg/store"
)

// DefaultMonitorInterval is the polling interval of the expiry monitor.
const DefaultMonitorInterval = time.Minute

// DefaultWarningThresholds are the remaining session times at which an
// expiry warning is emitted.
var DefaultWarningThresholds = []time.Duration{30 * time.Minute, 5 * time.Minute}

// Custom errors.
var (
	ErrOAuthDisabled     = errors.New("oauth login is not enabled")
	ErrStateMismatch     = errors.New("oauth state mismatch")
	ErrMissingCode       = errors.New("missing authorization code")
	ErrExchange          = errors.New("token exchange failed")
	ErrValidation        = errors.New("identity validation failed")
	ErrNoAccessToken     = errors.New("no access token stored")
	ErrStale             = errors.New("result dropped as the session changed in the meantime")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock of the machine.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithProvider sets the identity provider used in OAuth mode.
func WithProvider(p IdentityProvider) Option {
	return func(m *Machine) {
		m.provider = p
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		m.observers = append(m.observers, o)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithMonitorInterval sets the polling interval of the expiry monitor.
func WithMonitorInterval(d time.Duration) Option {
	return func(m *Machine) {
		m.monitorInterval = d
	}
}

// WithWarningThresholds replaces the expiry warning thresholds.
func WithWarningThresholds(thresholds ...time.Duration) Option {
	return func(m *Machine) {
		m.thresholds = thresholds
	}
}

// Machine is the session state machine of one client. Its state lives in
// the injected store and is re-read on every check so that changes made by
// other processes sharing the store are observed.
type Machine struct {
	cfg             Config
	store           store.Store
	provider        IdentityProvider
	rule            Rule
	logger          *slog.Logger
	now             func() time.Time
	thresholds      []time.Duration
	monitorInterval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	monitor *periodic.Task

	mu          sync.Mutex
	fsm         *fsm.FSM
	epoch       uint64
	message     string
	identity    *Identity
	warned      map[time.Duration]bool
	lastWarning time.Duration
	observers   []Observer
	closed      bool
}

// NewMachine returns a new Machine in LoggedOut state. Call Init to restore
// the state from the store.
func NewMachine(cfg Config, s store.Store, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:             cfg,
		store:           s,
		rule:            cfg.OAuth.Rule(),
		logger:          slog.New(slog.DiscardHandler),
		now:             time.Now,
		thresholds:      DefaultWarningThresholds,
		monitorInterval: DefaultMonitorInterval,
		fsm:             newSessionState(),
		warned:          make(map[time.Duration]bool),
	}

	for _, opt := range opts {
		opt(m)
	}

	// Largest threshold first
	m.thresholds = slices.Clone(m.thresholds)
	slices.SortFunc(m.thresholds, func(a, b time.Duration) int { return int(b - a) })

	if cfg.Mode == ModeOAuth && m.provider == nil {
		provider, err := NewGitHubProvider(cfg.OAuth)
		if err != nil {
			return nil, err
		}

		m.provider = provider
	}

	monitor, err := periodic.New(
		"session_expiry", m.monitorInterval, func(context.Context) { m.CheckExpiry() },
		periodic.WithLogger(m.logger),
	)
	if err != nil {
		return nil, err
	}

	m.monitor = monitor
	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m, nil
}

// Init derives the state from the store. In token mode a valid session leads
// to Dashboard. In OAuth mode a stored access token is revalidated.
func (m *Machine) Init(ctx context.Context) error {
	if m.cfg.Mode == ModeToken {
		m.IsAuthenticated()

		return nil
	}

	if _, err := m.store.Get(AccessTokenKey); err != nil {
		return nil //nolint:nilerr
	}

	return m.Validate(ctx)
}

// Mode returns the login mode.
func (m *Machine) Mode() Mode {
	return m.cfg.Mode
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state()
}

// View returns the current view.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.viewLocked(m.state())
}

// Subscribe registers an observer.
func (m *Machine) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, o)
}

// Authenticate logs in with an access token. On success the session is
// stored and the machine enters Dashboard. Otherwise the state is unchanged
// and the view carries an error message.
func (m *Machine) Authenticate(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.state()
	if m.cfg.Mode != ModeToken || (state != LoggedOut && state != Dashboard) {
		return false
	}

	if !m.validToken(token) {
		m.logger.Warn("Rejected access token", "fingerprint", common.Fingerprint(token))
		m.message = msgInvalidToken
		m.notify(state, m.viewLocked(state))

		return false
	}

	now := m.now()
	session := Session{
		Token:     token,
		Expiry:    now.Add(time.Duration(m.cfg.SessionDuration)).UnixMilli(),
		LoginTime: now.UnixMilli(),
	}

	if err := m.writeSession(session); err != nil {
		m.logger.Error("Failed to store session", "err", err)
		m.message = msgAuthFailed
		m.notify(state, m.viewLocked(state))

		return false
	}

	m.message = ""
	m.resetWarnings()

	if err := m.event(authenticateSession); err != nil {
		m.logger.Error("Failed to enter dashboard", "err", err)

		return false
	}

	// A repeated login does not transition but the view changed
	if state == Dashboard {
		m.notify(state, m.viewLocked(state))
	}

	m.logger.Info("Token login", "fingerprint", common.Fingerprint(token))

	return true
}

// IsAuthenticated checks the stored session. An expired or revoked session
// is removed and the machine falls back to LoggedOut.
func (m *Machine) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Mode == ModeToken {
		return m.checkTokenLocked()
	}

	return m.checkOAuthLocked()
}

// ExtendSession pushes the expiry of a valid token session to now plus the
// session duration.
func (m *Machine) ExtendSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Mode != ModeToken || m.state() != Dashboard || !m.checkTokenLocked() {
		return false
	}

	session, ok := m.readSession()
	if !ok {
		return false
	}

	session.Expiry = m.now().Add(time.Duration(m.cfg.SessionDuration)).UnixMilli()
	if err := m.writeSession(session); err != nil {
		m.logger.Error("Failed to extend session", "err", err)

		return false
	}

	m.rearmWarnings(session.Remaining(m.now()))
	m.notify(Dashboard, m.viewLocked(Dashboard))

	return true
}

// TimeRemaining returns the time left in the token session.
func (m *Machine) TimeRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.remainingLocked()
}

// CheckExpiry is one step of the expiry monitor. An expired session is logged
// out and an expiry warning is emitted once per threshold crossing.
func (m *Machine) CheckExpiry() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.cfg.Mode != ModeToken || m.state() != Dashboard {
		return
	}

	if !m.checkTokenLocked() {
		return
	}

	session, ok := m.readSession()
	if !ok {
		return
	}

	remaining := session.Remaining(m.now())

	var fire time.Duration

	for _, threshold := range m.thresholds {
		if remaining > threshold {
			m.warned[threshold] = false

			continue
		}

		// Thresholds are sorted so the last hit is the tightest one
		if !m.warned[threshold] {
			fire = threshold
		}

		m.warned[threshold] = true
	}

	if fire == 0 {
		return
	}

	m.lastWarning = fire
	m.logger.Info("Session expiring soon", "remaining", remaining, "threshold", fire)

	view := m.viewLocked(Dashboard)
	for _, o := range m.observers {
		o.Warned(fire, view)
	}
}

// Logout clears every stored key and returns to LoggedOut from any state.
func (m *Machine) Logout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearKeys()
	m.identity = nil
	m.message = ""
	m.resetWarnings()

	if err := m.event(logoutSession); err != nil {
		m.logger.Error("Failed to logout", "err", err)
	}
}

// Retry leaves the Error state.
func (m *Machine) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.state(); st != Error {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, st)
	}

	m.clearKeys()
	m.message = ""

	return m.event(retrySession)
}

// LoginURL stores a new anti forgery state and returns the authorize URL.
func (m *Machine) LoginURL() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Mode != ModeOAuth {
		return "", ErrOAuthDisabled
	}

	if st := m.state(); st != LoggedOut {
		return "", fmt.Errorf("%w: login from %s", ErrInvalidTransition, st)
	}

	state := uuid.NewString()
	if err := m.store.Set(OAuthStateKey, state); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}

	return m.provider.AuthCodeURL(state), nil
}

// Callback completes the OAuth login. The state must match the value stored
// by LoginURL, which is consumed either way. The code is exchanged for an
// access token and the identity is validated against the allow lists.
//
// Network calls are made without holding the lock. Their results are dropped
// with ErrStale when another transition happened in the meantime.
func (m *Machine) Callback(ctx context.Context, code, state string) error {
	epoch, err := m.beginCallback(code, state)
	if err != nil {
		return err
	}

	token, err := m.provider.Exchange(ctx, code)
	if err := m.finishExchange(epoch, token, err); err != nil {
		return err
	}

	return m.validate(ctx, epoch, token)
}

// Validate revalidates the stored access token.
func (m *Machine) Validate(ctx context.Context) error {
	epoch, token, err := m.beginValidation()
	if err != nil {
		return err
	}

	return m.validate(ctx, epoch, token)
}

// Close stops the expiry monitor. The stored state is kept.
func (m *Machine) Close() error {
	m.mu.Lock()

	if m.closed {
		m.mu.Unlock()

		return nil
	}

	m.closed = true
	m.cancel()
	m.mu.Unlock()

	m.monitor.Stop()

	return nil
}

func (m *Machine) beginCallback(code, state string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Mode != ModeOAuth {
		return 0, ErrOAuthDisabled
	}

	expected, err := m.store.Get(OAuthStateKey)
	if rmErr := m.store.Remove(OAuthStateKey); rmErr != nil {
		m.logger.Error("Failed to remove oauth state", "err", rmErr)
	}

	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(state)) != 1 {
		m.logger.Warn("Rejected OAuth callback with mismatched state")

		return 0, ErrStateMismatch
	}

	if code == "" {
		return 0, ErrMissingCode
	}

	if err := m.event(oauthCallback); err != nil {
		return 0, err
	}

	return m.epoch, nil
}

func (m *Machine) finishExchange(epoch uint64, token string, exchangeErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch {
		m.logger.Info("Dropping late token exchange result", "state", m.state())

		return ErrStale
	}

	if exchangeErr == nil {
		if exchangeErr = m.store.Set(AccessTokenKey, token); exchangeErr == nil {
			return nil
		}
	}

	m.logger.Error("OAuth token exchange failed", "err", exchangeErr)
	m.message = msgAuthFailed

	if err := m.event(exchangeFailed); err != nil {
		return err
	}

	return fmt.Errorf("%w: %w", ErrExchange, exchangeErr)
}

func (m *Machine) beginValidation() (uint64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Mode != ModeOAuth {
		return 0, "", ErrOAuthDisabled
	}

	token, err := m.store.Get(AccessTokenKey)
	if err != nil {
		m.checkOAuthLocked()

		return 0, "", ErrNoAccessToken
	}

	if m.state() != PendingValidation {
		if err := m.event(revalidateSession); err != nil {
			return 0, "", err
		}
	}

	return m.epoch, token, nil
}

func (m *Machine) validate(ctx context.Context, epoch uint64, token string) error {
	var (
		authorized bool
		orgsErr    error
	)

	identity, err := m.provider.User(ctx, token)
	if err == nil {
		authorized, orgsErr = m.rule.Authorize(identity, func() ([]string, error) {
			return m.provider.Orgs(ctx, token)
		})
	}

	return m.finishValidation(epoch, identity, authorized, err, orgsErr)
}

func (m *Machine) finishValidation(epoch uint64, identity *Identity, authorized bool, userErr, orgsErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch {
		m.logger.Info("Dropping late identity validation result", "state", m.state())

		return ErrStale
	}

	if userErr != nil {
		m.logger.Error("Authentication validation failed", "err", userErr)
		m.clearKeys()
		m.identity = nil
		m.message = msgAuthFailed

		if err := m.event(invalidateSession); err != nil {
			return err
		}

		return fmt.Errorf("%w: %w", ErrValidation, userErr)
	}

	if orgsErr != nil {
		m.logger.Warn("Failed to check user organizations", "login", identity.Login, "err", orgsErr)
	}

	m.identity = identity
	m.message = ""

	if info, err := json.Marshal(identity); err == nil {
		if err := m.store.Set(UserInfoKey, string(info)); err != nil {
			m.logger.Error("Failed to store user info", "err", err)
		}
	}

	if authorized {
		m.logger.Info("User authorized", "login", identity.Login)

		return m.event(authorizeSession)
	}

	m.logger.Info("User not authorized", "login", identity.Login)

	return m.event(denySession)
}

// checkTokenLocked validates the stored token session and syncs the state
// with it.
func (m *Machine) checkTokenLocked() bool {
	state := m.state()
	session, ok := m.readSession()

	switch {
	case !ok:
		if state == Dashboard {
			m.logger.Info("Session removed from store")
			m.event(logoutSession) //nolint:errcheck
		}

		return false
	case session.Expired(m.now()):
		m.logger.Info("Session expired", "fingerprint", common.Fingerprint(session.Token))
		m.clearKeys()
		m.resetWarnings()

		if state == Dashboard {
			m.event(expireSession) //nolint:errcheck
		}

		return false
	case !m.validToken(session.Token):
		m.logger.Info("Session token revoked", "fingerprint", common.Fingerprint(session.Token))
		m.clearKeys()

		if state == Dashboard {
			m.event(logoutSession) //nolint:errcheck
		}

		return false
	}

	// Logged in through another client sharing the store
	if state == LoggedOut {
		m.message = ""
		m.resetWarnings()
		m.event(authenticateSession) //nolint:errcheck
	}

	return true
}

// checkOAuthLocked returns true when an access token and user info are stored
// and the identity went through validation.
func (m *Machine) checkOAuthLocked() bool {
	state := m.state()

	_, tokenErr := m.store.Get(AccessTokenKey)
	_, infoErr := m.store.Get(UserInfoKey)

	if tokenErr != nil || infoErr != nil {
		if state == Dashboard || state == Unauthorized {
			m.identity = nil
			m.event(logoutSession) //nolint:errcheck
		}

		return false
	}

	return state == Dashboard || state == Unauthorized
}

func (m *Machine) state() State {
	state, err := parseState(m.fsm.Current())
	if err != nil {
		m.logger.Error("Unknown session state", "err", err)
	}

	return state
}

// event fires a transition. A transition to the current state is not an error.
func (m *Machine) event(ev sessionEvent) error {
	err := m.fsm.Event(context.Background(), ev.String(), m)
	if err == nil {
		return nil
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
}

// onStateChange is called by the state machine on every transition.
func (m *Machine) onStateChange(e *fsm.Event) {
	m.epoch++

	from, _ := parseState(e.Src)
	to, _ := parseState(e.Dst)

	m.logger.Debug("Session state transition", "source", e.Src, "destination", e.Dst, "event", e.Event)

	if to != Dashboard {
		m.lastWarning = 0
	}

	m.notify(from, m.viewLocked(to))
}

func (m *Machine) startMonitor() {
	if m.cfg.Mode == ModeToken && !m.closed {
		m.monitor.Start(m.ctx)
	}
}

// stopMonitor does not wait for the monitor as it may be blocked on the lock
// held by the caller.
func (m *Machine) stopMonitor() {
	m.monitor.Cancel()
}

func (m *Machine) notify(from State, view View) {
	for _, o := range m.observers {
		o.Changed(from, view)
	}
}

func (m *Machine) viewLocked(state State) View {
	view := View{
		State:   state,
		Message: m.message,
		Verdict: Verdict{
			Authenticated: state == Dashboard || state == Unauthorized,
			Authorized:    state == Dashboard,
		},
	}

	if view.Verdict.Authenticated && m.identity != nil {
		identity := *m.identity
		view.Verdict.Identity = &identity
	}

	if state == Dashboard {
		view.Remaining = m.remainingLocked()
		view.Warning = m.lastWarning
	}

	return view
}

func (m *Machine) remainingLocked() time.Duration {
	if m.cfg.Mode != ModeToken {
		return 0
	}

	session, ok := m.readSession()
	if !ok {
		return 0
	}

	return max(session.Remaining(m.now()), 0)
}

func (m *Machine) resetWarnings() {
	clear(m.warned)
	m.lastWarning = 0
}

// rearmWarnings re-enables thresholds that are below remaining.
func (m *Machine) rearmWarnings(remaining time.Duration) {
	for _, threshold := range m.thresholds {
		if remaining > threshold {
			m.warned[threshold] = false
		}
	}

	if remaining > m.lastWarning {
		m.lastWarning = 0
	}
}

func (m *Machine) validToken(token string) bool {
	if token == "" {
		return false
	}

	valid := false

	for _, t := range m.cfg.ValidTokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			valid = true
		}
	}

	return valid
}

func (m *Machine) readSession() (Session, bool) {
	raw, err := m.store.Get(SessionKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("Failed to read session", "err", err)
		}

		return Session{}, false
	}

	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		m.logger.Warn("Ignoring malformed session", "err", err)

		return Session{}, false
	}

	return session, true
}

func (m *Machine) writeSession(session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}

	return m.store.Set(SessionKey, string(raw))
}

func (m *Machine) clearKeys() {
	for _, key := range allKeys {
		if err := m.store.Remove(key); err != nil {
			m.logger.Error("Failed to remove key", "key", key, "err", err)
		}
	}
}
