// Package errs defines the typed error kinds codemem propagates between
// its storage, pipeline, and protocol layers.
package errs

import "errors"

// Kind classifies an error for the purposes of HTTP status mapping and
// daemon retry policy.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindConflict
	KindRetryableTransient
	KindFatal
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindPayloadTooLarge
)

// Error wraps an underlying cause with a Kind so callers can branch on
// errors.As without string matching.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func InvalidInput(msg string, cause error) error       { return newErr(KindInvalidInput, msg, cause) }
func Conflict(msg string, cause error) error           { return newErr(KindConflict, msg, cause) }
func RetryableTransient(msg string, cause error) error { return newErr(KindRetryableTransient, msg, cause) }
func Fatal(msg string, cause error) error              { return newErr(KindFatal, msg, cause) }
func Unauthorized(msg string) error                    { return newErr(KindUnauthorized, msg, nil) }
func Forbidden(msg string) error                       { return newErr(KindForbidden, msg, nil) }
func NotFound(msg string) error                         { return newErr(KindNotFound, msg, nil) }
func PayloadTooLarge(msg string) error                  { return newErr(KindPayloadTooLarge, msg, nil) }

// KindOf returns the Kind of err, or KindUnknown if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
