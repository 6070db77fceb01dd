package aircloud

import (
	"errors"
	"fmt"
)

// Sentinel errors. Only AuthError reaches callers of the Service surface; the
// others classify why a state fetch ended without data and show up in logs.
var (
	ErrNotAuthenticated = errors.New("aircloud: no session")
	ErrSessionClosed    = errors.New("aircloud: client closed")
	ErrTransportTimeout = errors.New("aircloud: transport timeout")
	ErrProtocolAnomaly  = errors.New("aircloud: connection not bound to a user")
	ErrPeerClosed       = errors.New("aircloud: connection closed by peer")
	ErrNoMessage        = errors.New("aircloud: no state message received")
)

// AuthError is returned when a login or token refresh is rejected, or the
// vendor answers with a body that carries no usable tokens.
type AuthError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("aircloud %s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("aircloud %s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("aircloud %s failed", e.Op)
	}
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is, or wraps, an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
