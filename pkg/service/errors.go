package service

import "github.com/pkg/errors"

// Error kinds returned by the engine. Test with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyDecided    = errors.New("already decided")
	ErrInvalidInput      = errors.New("invalid input")
	ErrExecutorFailure   = errors.New("executor failure")
)

// Kind names the error kind of err, or "internal" for anything else.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrAlreadyDecided):
		return "AlreadyDecided"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrExecutorFailure):
		return "ExecutorFailure"
	default:
		return "internal"
	}
}

// Retryable reports whether a caller may safely retry the failed call.
// Rule violations are terminal outcomes.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrAlreadyDecided), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidInput):
		return false
	default:
		return true
	}
}
