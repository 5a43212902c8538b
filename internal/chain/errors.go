package chain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by FetchAccount when the account does not exist.
var ErrNotFound = errors.New("account not found")

// RejectedError means the endpoint refused the request. Re-issuing the same
// request will not succeed.
type RejectedError struct {
	Endpoint string
	Op       string
	Code     int
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected %s (code %d): %s", e.Endpoint, e.Op, e.Code, e.Message)
}

// UnavailableError is a transient failure: timeout, network error, throttling
// or server error.
type UnavailableError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable for %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// AuthError means the endpoint refused the session token.
type AuthError struct {
	Endpoint string
	Status   int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s refused session token (HTTP %d)", e.Endpoint, e.Status)
}

// SessionError means no session token could be obtained for the endpoint.
type SessionError struct {
	Endpoint string
	Err      error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s session: %v", e.Endpoint, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return true
	}
	var auth *AuthError
	return errors.As(err, &auth)
}

// IsRejected reports whether err is an endpoint refusal.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}
