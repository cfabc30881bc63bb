package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrValidation    = errors.New("validation failed")
	ErrStateConflict = errors.New("state conflict")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrAuth          = errors.New("channel authentication failed")
	ErrRPC           = errors.New("channel rpc error")
	ErrTimeout       = errors.New("channel call timed out")
	ErrTransport     = errors.New("channel transport closed")
	ErrLockHeld      = errors.New("lock already held")
)

// ValidationError reports a malformed request. It is returned before any
// state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// StateConflictError reports an operation that the entity's current state
// does not allow. Requested is the target state or the attempted action.
type StateConflictError struct {
	Entity    string
	ID        string
	Current   string
	Requested string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s is %s; requested %s", e.Entity, e.ID, e.Current, e.Requested)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// NotFoundError names the entity kind and id that could not be found.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// RPCError is an explicit error response from the channel node.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("clearnode %s: error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("clearnode %s: %s", e.Method, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

// Reason returns a short machine-friendly reason string for err, suitable for
// rejection payloads returned to bettors and operators.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrStateConflict):
		return "market_not_open"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "channel_timeout"
	case errors.Is(err, ErrRPC), errors.Is(err, ErrAuth):
		return "channel_rejected"
	case errors.Is(err, ErrTransport):
		return "network_error"
	default:
		return "internal_error"
	}
}
