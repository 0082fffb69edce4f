package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrBelowMinimum      = errors.New("below exchange minimum")
	ErrIllegalTransition = errors.New("illegal position state transition")
	ErrSellPending       = errors.New("sell order already pending")
	ErrStaleTicker       = errors.New("ticker data is stale")
	ErrTradingDisabled   = errors.New("trading disabled for product")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrContextDone       = errors.New("context cancelled")
)

// UserError marks a failure caused by the caller's input rather than the
// system. The CLI maps it to exit code 1.
type UserError struct {
	Err error
}

func (e *UserError) Error() string { return e.Err.Error() }
func (e *UserError) Unwrap() error { return e.Err }

// AsUserError wraps err as a UserError.
func AsUserError(err error) error {
	if err == nil {
		return nil
	}
	return &UserError{Err: err}
}

// UserErrorf formats a new UserError.
func UserErrorf(format string, args ...any) error {
	return &UserError{Err: fmt.Errorf(format, args...)}
}

// IsUserError reports whether err carries a UserError anywhere in its chain.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}

// UnrecoverableError marks a trading failure that leaves real exposure
// behind, such as a protective sell that could not be placed after a
// filled buy. Workflows notify the operator and stop when they see one.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string { return "unrecoverable: " + e.Err.Error() }
func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Unrecoverable wraps err as an UnrecoverableError.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

// IsUnrecoverable reports whether err carries an UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}
