// Package errs defines the error taxonomy shared by every okserial
// subsystem: match parsing, locking, the I/O engine, the connection
// façade, and the tracker. Every error is an *Error carrying a Kind
// (not a flat set of sentinels) so callers -- in particular the
// tracker -- can tell transient failures from fatal ones with Is,
// Transient and Fatal.
package errs

import "fmt"

// Kind names one of the taxonomy's error categories.
type Kind string

const (
	KindParse             Kind = "parse"
	KindNoMatch           Kind = "no_match"
	KindAmbiguousMatch    Kind = "ambiguous_match"
	KindSharingConflict   Kind = "sharing_conflict"
	KindLocking           Kind = "locking"
	KindConfiguration     Kind = "configuration"
	KindIO                Kind = "io"
	KindDisconnected      Kind = "disconnected"
	KindTimeout           Kind = "timeout"
	KindInterrupted       Kind = "interrupted"
)

// Error is the common shape of every okserial error: a kind, a
// human-readable message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("okserial: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("okserial: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func Parse(msg string, cause error) *Error           { return new(KindParse, msg, cause) }
func NoMatch(msg string) *Error                      { return new(KindNoMatch, msg, nil) }
func AmbiguousMatch(msg string) *Error                { return new(KindAmbiguousMatch, msg, nil) }
func SharingConflict(msg string, cause error) *Error { return new(KindSharingConflict, msg, cause) }
func Locking(msg string, cause error) *Error         { return new(KindLocking, msg, cause) }
func Configuration(msg string, cause error) *Error   { return new(KindConfiguration, msg, cause) }
func IO(msg string, cause error) *Error              { return new(KindIO, msg, cause) }
func Disconnected(msg string, cause error) *Error    { return new(KindDisconnected, msg, cause) }
func Timeout(msg string) *Error                      { return new(KindTimeout, msg, nil) }
func Interrupted(msg string) *Error                  { return new(KindInterrupted, msg, nil) }

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// Transient reports whether the tracker should retry on this error,
// per spec: disconnects, sharing conflicts, and no-match are transient.
// Parse and configuration errors are fatal (see Fatal); the remaining
// kinds are neither transient nor fatal.
func Transient(err error) bool {
	return Is(err, KindDisconnected) || Is(err, KindSharingConflict) || Is(err, KindNoMatch)
}

// Fatal reports whether the tracker should stop retrying and surface
// the error to its caller.
func Fatal(err error) bool {
	return Is(err, KindParse) || Is(err, KindConfiguration)
}
