package auth

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// ----------------------------------
// session events
// ----------------------------------
type sessionEvent int

const (
	authenticateSession sessionEvent = iota
	oauthCallback
	revalidateSession
	exchangeFailed
	authorizeSession
	denySession
	invalidateSession
	expireSession
	logoutSession
	retrySession
)

func (se sessionEvent) String() string {
	return [...]string{
		"authenticate", "oauthCallback", "revalidate", "exchangeFailed", "authorize",
		"deny", "invalidate", "expire", "logout", "retry",
	}[se]
}

// ----------------------------------
// session states
// ----------------------------------

// State is the state of a session which decides the screen shown to the user.
type State int

// Session states.
const (
	LoggedOut State = iota
	PendingValidation
	Dashboard
	Unauthorized
	Error
)

var stateNames = [...]string{"LoggedOut", "PendingValidation", "Dashboard", "Unauthorized", "Error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	st, err := parseState(string(text))
	if err != nil {
		return err
	}

	*s = st

	return nil
}

func parseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}

	return LoggedOut, fmt.Errorf("unknown session state %q", name)
}

// newSessionState returns the state machine of a session. The first event
// argument must always be the owning *Machine.
func newSessionState() *fsm.FSM {
	allStates := []string{
		LoggedOut.String(), PendingValidation.String(), Dashboard.String(),
		Unauthorized.String(), Error.String(),
	}

	return fsm.NewFSM(
		LoggedOut.String(), fsm.Events{
			{
				Name: authenticateSession.String(),
				Src:  []string{LoggedOut.String(), Dashboard.String()},
				Dst:  Dashboard.String(),
			}, {
				Name: oauthCallback.String(),
				Src:  []string{LoggedOut.String()},
				Dst:  PendingValidation.String(),
			}, {
				Name: revalidateSession.String(),
				Src:  []string{LoggedOut.String(), Dashboard.String(), Unauthorized.String()},
				Dst:  PendingValidation.String(),
			}, {
				Name: exchangeFailed.String(),
				Src:  []string{PendingValidation.String()},
				Dst:  Error.String(),
			}, {
				Name: authorizeSession.String(),
				Src:  []string{PendingValidation.String()},
				Dst:  Dashboard.String(),
			}, {
				Name: denySession.String(),
				Src:  []string{PendingValidation.String()},
				Dst:  Unauthorized.String(),
			}, {
				Name: invalidateSession.String(),
				Src:  []string{PendingValidation.String()},
				Dst:  LoggedOut.String(),
			}, {
				Name: expireSession.String(),
				Src:  []string{Dashboard.String()},
				Dst:  LoggedOut.String(),
			}, {
				Name: logoutSession.String(),
				Src:  allStates,
				Dst:  LoggedOut.String(),
			}, {
				Name: retrySession.String(),
				Src:  []string{Error.String()},
				Dst:  LoggedOut.String(),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, event *fsm.Event) {
				m := event.Args[0].(*Machine) //nolint:errcheck
				m.onStateChange(event)
			},
			fmt.Sprintf("enter_%s", Dashboard.String()): func(_ context.Context, event *fsm.Event) {
				m := event.Args[0].(*Machine) //nolint:errcheck
				m.startMonitor()
			},
			fmt.Sprintf("leave_%s", Dashboard.String()): func(_ context.Context, event *fsm.Event) {
				m := event.Args[0].(*Machine) //nolint:errcheck
				m.stopMonitor()
			},
		},
	)
}
