package gcs

import (
	"errors"

	"github.com/jabolina/gcs/to"
)

// Sentinel errors surfaced by the core. These are the Go-idiomatic
// re-expression of the negative-errno contract of the source API
// (-EAGAIN, -ECANCEL, -EINTR, -ERANGE, -EBUSY): callers compare with
// errors.Is instead of inspecting an int.
var (
	// ErrBusy is returned when an operation is attempted while another
	// operation that must be exclusive (init while already initialized,
	// a second state-transfer request) is already in flight.
	ErrBusy = errors.New("gcs: busy")

	// ErrBadState is returned when an operation is attempted from a
	// connection state that does not allow it.
	ErrBadState = errors.New("gcs: bad connection state")

	// ErrAgain signals a transient condition the caller should retry,
	// such as no eligible donor for a state-transfer request. A TO ring
	// slot still tagged with an earlier seqno is reported by the TO
	// monitor's own ErrToAgain instead.
	ErrAgain = errors.New("gcs: resource temporarily unavailable")

	// ErrCancelled is returned to a to.Grab waiter whose seqno was
	// cancelled. The seqno is terminal: it will not be retried.
	ErrCancelled = to.ErrCancel

	// ErrInterrupted is returned to a to.Grab waiter that was woken
	// without being granted the section. The seqno remains pending.
	ErrInterrupted = to.ErrInterupt

	// ErrRange is returned when cancel/interrupt targets a seqno that
	// has already been released and used.
	ErrRange = to.ErrRange

	// ErrViewLost is returned to an in-flight repl or
	// request_state_transfer whose view disappeared before a matching
	// delivery or donor selection arrived.
	ErrViewLost = errors.New("gcs: view lost")

	// ErrTransportFatal names a transport condition the connection
	// cannot recover from. No operation in this package returns it, and
	// no ERROR action carrying it is queued: backend failures surface
	// as the backend's own errors from Send/Repl and related calls.
	ErrTransportFatal = errors.New("gcs: transport fatal")

	// ErrClosed is returned by operations issued against a connection
	// that has already been closed or destroyed.
	ErrClosed = errors.New("gcs: connection closed")

	// ErrOutOfOrderRelease is returned when release(seqno) is called
	// against a slot that is not HOLDING that seqno. This is a caller
	// bug and is never silently accepted.
	ErrOutOfOrderRelease = to.ErrOutOfOrderRelease

	// ErrFragmentViolation is surfaced as an ERROR action when a
	// duplicate or out-of-order fragment is observed within a sender's
	// stream.
	ErrFragmentViolation = errors.New("gcs: fragment sequence violation")

	// ErrUnknownScheme is returned by Create when the backend URL's
	// scheme has no registered driver.
	ErrUnknownScheme = errors.New("gcs: unknown backend scheme")

	// ErrBackendUnavailable is returned by a registered-but-not-compiled-in
	// backend driver, such as spread://.
	ErrBackendUnavailable = errors.New("gcs: backend not available")
)
