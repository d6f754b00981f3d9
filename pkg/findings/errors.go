package findings

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrIndexNotReady     = errors.New("search index not ready")
)

// Error carries a kind, the offending request parameter (if any) and a
// message meant for the caller.
type Error struct {
	Kind  error
	Param string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, param, format string, args ...any) *Error {
	return &Error{Kind: kind, Param: param, Msg: fmt.Sprintf(format, args...)}
}

// Validation reports a malformed or contradictory request parameter.
func Validation(param, format string, args ...any) error {
	return newError(ErrValidation, param, format, args...)
}

// Denied reports a missing permission.
func Denied(format string, args ...any) error {
	return newError(ErrPermissionDenied, "", format, args...)
}

// NotFound reports a missing finding, comment, project or branch.
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, "", format, args...)
}

// InvalidTransition reports a target state unreachable from the current one.
func InvalidTransition(format string, args ...any) error {
	return newError(ErrInvalidTransition, "", format, args...)
}

// IndexNotReady reports that the search index is known to be behind the store.
func IndexNotReady(cause error) error {
	return &Error{Kind: ErrIndexNotReady, Msg: "search index is not ready, retry later or use the store listing", Err: cause}
}

// ParamOf returns the offending parameter of a validation error, or "".
func ParamOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Param
	}
	return ""
}
