package anidb

import (
	"fmt"
	"time"

	"github.com/amaumene/anidbarr/internal/models"
)

// Session is a snapshot of the client's authenticated conversation with AniDB
type Session struct {
	Key           string
	EstablishedAt time.Time
	LastActivity  time.Time
	State         models.SessionState
	BannedUntil   time.Time // Zero unless State is Banned
}

// Active reports whether requests may be sent on this session
func (s Session) Active() bool {
	return s.State == models.SessionActive && s.Key != ""
}

// SessionEvent drives the session state machine
type SessionEvent string

const (
	EventLoginStarted       SessionEvent = "login_started"
	EventLoginSucceeded     SessionEvent = "login_succeeded"
	EventLoginFailed        SessionEvent = "login_failed"
	EventLoggedOut          SessionEvent = "logged_out"
	EventBanSignalled       SessionEvent = "ban_signalled"
	EventSessionInvalidated SessionEvent = "session_invalidated"
	EventKeepaliveExhausted SessionEvent = "keepalive_exhausted"
)

// Transition returns the state that follows from applying ev in state from.
// Pairs not listed are rejected so every path through the lifecycle is explicit.
func Transition(from models.SessionState, ev SessionEvent) (models.SessionState, error) {
	switch ev {
	case EventBanSignalled:
		return models.SessionBanned, nil

	case EventLoginStarted:
		switch from {
		case models.SessionUnauthenticated, models.SessionExpired, models.SessionBanned:
			return models.SessionAuthenticating, nil
		}

	case EventLoginSucceeded:
		if from == models.SessionAuthenticating {
			return models.SessionActive, nil
		}

	case EventLoginFailed:
		if from == models.SessionAuthenticating {
			return models.SessionUnauthenticated, nil
		}

	case EventLoggedOut:
		switch from {
		case models.SessionActive, models.SessionExpired, models.SessionBanned, models.SessionUnauthenticated:
			return models.SessionUnauthenticated, nil
		}

	case EventSessionInvalidated, EventKeepaliveExhausted:
		if from == models.SessionActive {
			return models.SessionExpired, nil
		}
	}
	return from, fmt.Errorf("invalid session transition: %s on %s", ev, from)
}
