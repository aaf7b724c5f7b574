package gcs

import "github.com/jabolina/gcs/to"

// ToMonitor is the Total-Order monitor, gcs.h's gcs_to_t: a seqno-gated
// critical section independent of any one Connection, so an
// application's own apply/certification threads can serialize work by
// seqno without routing every grab through the receive queue.
type ToMonitor = to.Monitor

// NewToMonitor creates a ToMonitor with a ring of length slots,
// starting before seqno.
func NewToMonitor(length int, seqno Seqno) *ToMonitor {
	return to.Create(length, int64(seqno))
}

// The to package's sentinel errors, re-exported so callers never need
// to import gcs/to directly just to compare with errors.Is.
var (
	ErrToAgain      = to.ErrAgain
	ErrToCancel     = to.ErrCancel
	ErrToInterrupt  = to.ErrInterupt
	ErrToRange      = to.ErrRange
	ErrToBusy       = to.ErrBusy
	ErrToOutOfOrder = to.ErrOutOfOrderRelease
)
