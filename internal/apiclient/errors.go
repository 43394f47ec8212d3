package apiclient

import (
	"errors"
	"fmt"
)

// ErrNoSession is returned by authenticated operations when no session
// token has been set on the client.
var ErrNoSession = errors.New("no active session: create a session first")

// SessionExpiredError reports a response whose payload indicates the
// session token is no longer valid on the remote side. The session
// coordinator pattern-matches on this type to trigger a one-shot refresh.
type SessionExpiredError struct {
	Detail string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("api session expired or invalid: %s", e.Detail)
}

// IsSessionExpired reports whether err wraps a SessionExpiredError.
func IsSessionExpired(err error) bool {
	var se *SessionExpiredError
	return errors.As(err, &se)
}

// APIError is a structured non-session failure returned by the remote
// service, typically a JSON body where file bytes were expected. It is
// not retried at the transport layer.
type APIError struct {
	Message string
	Payload string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s", e.Message)
}

// TransportError wraps a connectivity, timeout, or HTTP-status failure.
// Connection failures and HTTP 504 are retried by the client before one
// of these surfaces.
type TransportError struct {
	Endpoint   string
	HTTPStatus int
	Err        error
}

func (e *TransportError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("transport error on %s: http status %d", e.Endpoint, e.HTTPStatus)
	}
	return fmt.Sprintf("transport error on %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
