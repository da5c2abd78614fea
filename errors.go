package serial

import "github.com/okserial/serial/errs"

// Error is the shape of every error this package returns: a kind, a
// message, and an optional wrapped cause (§7). Re-exported from errs
// so callers don't need a second import just for errors.As.
type Error = errs.Error

// IsTransient reports whether err is a failure the tracker should
// retry rather than surface: a disconnect, a sharing conflict, or a
// transient no-match (§7).
func IsTransient(err error) bool { return errs.Transient(err) }

// IsFatal reports whether err should stop a tracker loop and be
// surfaced to its caller: a parse or configuration error (§7).
func IsFatal(err error) bool { return errs.Fatal(err) }

// ErrClosed is returned by operations attempted on a connection that
// has already finished closing with no other terminal error recorded.
var ErrClosed = errs.Interrupted("port closed")
