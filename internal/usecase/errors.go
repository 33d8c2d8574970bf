package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorUnknownTurn  ErrorCode = "UNKNOWN_TURN"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// ClassificationParseError reports model output that could not be turned
// into a classification. Callers recover from it with a fallback result.
type ClassificationParseError struct {
	Stage string
	Err   error
}

func (e *ClassificationParseError) Error() string {
	return fmt.Sprintf("usecase: %s output rejected: %v", e.Stage, e.Err)
}

func (e *ClassificationParseError) Unwrap() error {
	return e.Err
}
