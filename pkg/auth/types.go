// Package auth implements the session and authorization state machine that
// decides which screen of the dashboard a client sees.
package auth

import (
	"encoding/json"
	"time"
)

// Keys of the client side store.
const (
	AccessTokenKey = "github_access_token"
	UserInfoKey    = "github_user_info"
	OAuthStateKey  = "oauth_state"
	SessionKey     = "nexus_auth_session"
)

var allKeys = []string{AccessTokenKey, UserInfoKey, OAuthStateKey, SessionKey}

// User facing messages.
const (
	msgInvalidToken = "Invalid access token. Please try again."
	msgAuthFailed   = "Authentication failed. Please try again."
)

// Session is the client held session of the token login. It is not signed
// and is revalidated against the configured tokens on every check.
type Session struct {
	Token     string `json:"token"`
	Expiry    int64  `json:"expiry"`
	LoginTime int64  `json:"loginTime"`
}

// Expired returns true when now is strictly after expiry.
func (s Session) Expired(now time.Time) bool {
	return now.UnixMilli() > s.Expiry
}

// Remaining returns the time left until expiry.
func (s Session) Remaining(now time.Time) time.Duration {
	return time.Duration(s.Expiry-now.UnixMilli()) * time.Millisecond
}

// Identity is the user info returned by the identity provider.
type Identity struct {
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Verdict is the authorization decision derived from the current state.
type Verdict struct {
	Authenticated bool      `json:"authenticated"`
	Authorized    bool      `json:"authorized"`
	Identity      *Identity `json:"identity,omitempty"`
}

// Screen is the UI the renderer must show.
type Screen string

// Screens.
const (
	ScreenLogin        Screen = "login"
	ScreenDashboard    Screen = "dashboard"
	ScreenUnauthorized Screen = "unauthorized"
	ScreenError        Screen = "error"
)

// Screen returns the screen of the state.
func (s State) Screen() Screen {
	switch s {
	case Dashboard:
		return ScreenDashboard
	case Unauthorized:
		return ScreenUnauthorized
	case Error:
		return ScreenError
	default:
		return ScreenLogin
	}
}

// View is everything the renderer needs to draw a session.
type View struct {
	State   State
	Verdict Verdict
	Message string
	// Remaining is the time left in a token session. Zero otherwise.
	Remaining time.Duration
	// Warning is the last expiry warning threshold that fired.
	Warning time.Duration
}

// MarshalJSON implements json.Marshaler.
func (v View) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		State          State   `json:"state"`
		Screen         Screen  `json:"screen"`
		Verdict        Verdict `json:"verdict"`
		Message        string  `json:"message,omitempty"`
		RemainingMS    int64   `json:"remainingMs,omitempty"`
		WarningMinutes int     `json:"warningMinutes,omitempty"`
	}{
		State:          v.State,
		Screen:         v.State.Screen(),
		Verdict:        v.Verdict,
		Message:        v.Message,
		RemainingMS:    v.Remaining.Milliseconds(),
		WarningMinutes: int(v.Warning.Minutes()),
	})
}

// Observer is notified by a Machine. Calls are made while the machine is
// locked so they are totally ordered. Observers must not call back into the
// Machine.
type Observer interface {
	// Changed is called after every state transition and after a rejected login.
	Changed(from State, view View)
	// Warned is called once when the remaining session time crosses threshold.
	Warned(threshold time.Duration, view View)
}
