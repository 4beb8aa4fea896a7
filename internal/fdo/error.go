package fdo

import "fmt"

// Error is a typed bus error: an error-kind name in the
// "org.freedesktop.DBus.Error.*" namespace, plus a human-readable
// detail. It is the server-side analogue of the client library's
// CallError (error.go), and is what internal/router.Peers.SendError
// turns into a wire error reply.
type Error struct {
	Name   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Detail)
}

func newError(kind, format string, args ...any) *Error {
	return &Error{Name: "org.freedesktop.DBus.Error." + kind, Detail: fmt.Sprintf(format, args...)}
}

// ErrNameHasNoOwner reports that a lookup named an unowned name.
func ErrNameHasNoOwner(format string, args ...any) *Error {
	return newError("NameHasNoOwner", format, args...)
}

// ErrNameHasOwner reports a RequestName conflict without replace or queue.
func ErrNameHasOwner(format string, args ...any) *Error {
	return newError("NameHasOwner", format, args...)
}

// ErrMatchRuleInvalid reports a match rule that failed to parse.
func ErrMatchRuleInvalid(format string, args ...any) *Error {
	return newError("MatchRuleInvalid", format, args...)
}

// ErrMatchRuleNotFound reports removal of an absent match rule.
func ErrMatchRuleNotFound(format string, args ...any) *Error {
	return newError("MatchRuleNotFound", format, args...)
}

// ErrServiceUnknown reports an unresolved destination well-known name.
func ErrServiceUnknown(format string, args ...any) *Error {
	return newError("ServiceUnknown", format, args...)
}

// ErrAccessDenied reports a policy hook denial.
func ErrAccessDenied(format string, args ...any) *Error {
	return newError("AccessDenied", format, args...)
}

// ErrInvalidArgs reports a malformed request.
func ErrInvalidArgs(format string, args ...any) *Error {
	return newError("InvalidArgs", format, args...)
}

// ErrNotSupported reports a deliberately unimplemented method.
func ErrNotSupported(format string, args ...any) *Error {
	return newError("NotSupported", format, args...)
}

// ErrFailed reports a generic failure, including Hello replay and
// shutdown races.
func ErrFailed(format string, args ...any) *Error {
	return newError("Failed", format, args...)
}
