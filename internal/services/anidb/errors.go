package anidb

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies protocol failures so callers never inspect error strings
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransportFailure
	KindTimeout
	KindRequestTimeout
	KindInvalidCredentials
	KindAuthRejected
	KindBanned
	KindRateLimited
	KindUnmappableResponse
	KindNotAuthenticated
	KindSessionLost
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportFailure:
		return "transport_failure"
	case KindTimeout:
		return "timeout"
	case KindRequestTimeout:
		return "request_timeout"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAuthRejected:
		return "auth_rejected"
	case KindBanned:
		return "banned"
	case KindRateLimited:
		return "rate_limited"
	case KindUnmappableResponse:
		return "unmappable_response"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindSessionLost:
		return "session_lost"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every protocol operation.
// errors.Is matches on Kind, so the sentinels below work as targets.
type Error struct {
	Kind    ErrorKind
	Op      string // Command or operation that failed
	Code    int    // AniDB response code, 0 if none was received
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ErrorKind returns the string classification of the error
func (e *Error) ErrorKind() string {
	return e.Kind.String()
}

var (
	ErrTransportFailure   = &Error{Kind: KindTransportFailure}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrRequestTimeout     = &Error{Kind: KindRequestTimeout}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAuthRejected       = &Error{Kind: KindAuthRejected}
	ErrBanned             = &Error{Kind: KindBanned}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
	ErrUnmappableResponse = &Error{Kind: KindUnmappableResponse}
	ErrNotAuthenticated   = &Error{Kind: KindNotAuthenticated}
	ErrSessionLost        = &Error{Kind: KindSessionLost}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

func newError(kind ErrorKind, op string, code int, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message, Err: err}
}

// Severity tells the UI layer how to present a failure
type Severity int

const (
	SeverityNone      Severity = iota
	SeverityTransient          // Will retry, or can be retried later without user action
	SeverityFatal              // Needs user action
)

func (s Severity) String() string {
	switch s {
	case SeverityTransient:
		return "transient"
	case SeverityFatal:
		return "fatal"
	default:
		return "none"
	}
}

// Classify maps an error to its severity
func Classify(err error) Severity {
	if err == nil {
		return SeverityNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return SeverityTransient
	}

	var protoErr *Error
	if !errors.As(err, &protoErr) {
		return SeverityFatal
	}

	switch protoErr.Kind {
	case KindTransportFailure, KindTimeout, KindRequestTimeout, KindRateLimited, KindSessionLost:
		return SeverityTransient
	case KindInvalidCredentials, KindAuthRejected, KindBanned, KindUnmappableResponse,
		KindNotAuthenticated, KindNotFound, KindUnknown:
		return SeverityFatal
	}
	return SeverityFatal
}
