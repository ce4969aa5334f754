package panel

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrInvalidEndpoint marks a server address that cannot be normalized.
	// No request is attempted.
	ErrInvalidEndpoint = errors.New("panel: invalid endpoint")
	// ErrAuth marks a rejected login.
	ErrAuth = errors.New("panel: authentication failed")
	// ErrClientNotFound marks a mutation on a client the panel does not know.
	ErrClientNotFound = errors.New("panel: client not found")
	// ErrInboundNotFound marks a missing inbound.
	ErrInboundNotFound = errors.New("panel: inbound not found")
	// ErrUnexpected marks panel responses outside the known protocol.
	ErrUnexpected = errors.New("panel: unexpected response")
)

// Error wraps a panel failure with the operation and endpoint that
// produced it.
type Error struct {
	Op       string
	Endpoint string
	Status   int
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("panel: %s %s: %s (status %d)", e.Op, e.Endpoint, e.Msg, e.Status)
	}
	return fmt.Sprintf("panel: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op, endpoint string, status int, msg string, err error) *Error {
	return &Error{Op: op, Endpoint: endpoint, Status: status, Msg: msg, Err: err}
}
