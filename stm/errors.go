package stm

import "errors"

// ErrorType represents the category of engine error.
type ErrorType string

const (
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeCapacity   ErrorType = "capacity_exceeded"
	ErrorTypeOffline    ErrorType = "offline"
	ErrorTypeInit       ErrorType = "not_initialized"
	ErrorTypeValidation ErrorType = "validation"
)

// Error is an engine-level error with a stable category callers can branch
// on without string matching.
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func newError(typ ErrorType, message string, err error) *Error {
	return &Error{Type: typ, Message: message, Err: err}
}

func isType(err error, typ ErrorType) bool {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Type == typ
	}
	return false
}

// IsNotFound checks whether err means the record is absent or foreign.
func IsNotFound(err error) bool { return isType(err, ErrorTypeNotFound) }

// IsCapacityExceeded checks whether err means eviction could not free room.
func IsCapacityExceeded(err error) bool { return isType(err, ErrorTypeCapacity) }

// IsOffline checks whether err means sync was refused for lack of
// connectivity. Local operations are unaffected by offline state.
func IsOffline(err error) bool { return isType(err, ErrorTypeOffline) }
