package gcs

import (
	"fmt"
	"time"
)

// Seqno is a signed sequence number. Sentinels follow the source
// contract: SeqnoIll means no ordering assigned, SeqnoNil means empty
// history, SeqnoFirst is the first assignable ordered value.
type Seqno int64

const (
	SeqnoIll   Seqno = -1
	SeqnoNil   Seqno = 0
	SeqnoFirst Seqno = 1
)

// OrderedSeqno is the external-boundary wrapper around Seqno, so a
// caller cannot accidentally treat SeqnoIll as a real order. Internal
// code passes Seqno directly; Action exposes OrderedSeqno.
type OrderedSeqno struct {
	value Seqno
	ok    bool
}

// NoSeqno is the absent-order value, corresponding to SeqnoIll.
var NoSeqno = OrderedSeqno{}

// Ordered wraps a concrete, assigned seqno.
func Ordered(s Seqno) OrderedSeqno {
	if s == SeqnoIll {
		return NoSeqno
	}
	return OrderedSeqno{value: s, ok: true}
}

// Get returns the wrapped seqno and whether one was assigned.
func (o OrderedSeqno) Get() (Seqno, bool) {
	return o.value, o.ok
}

func (o OrderedSeqno) String() string {
	if !o.ok {
		return "ILL"
	}
	return fmt.Sprintf("%d", o.value)
}

// ActionKind enumerates every kind of action an application can
// observe via Recv, plus the two kinds it may originate.
type ActionKind uint8

const (
	ActionUnknown ActionKind = iota
	ActionData
	ActionCommitCut
	ActionStateReq
	ActionConf
	ActionJoin
	ActionSync
	ActionFlow
	ActionService
	ActionError
)

func (k ActionKind) String() string {
	switch k {
	case ActionData:
		return "DATA"
	case ActionCommitCut:
		return "COMMIT_CUT"
	case ActionStateReq:
		return "STATE_REQ"
	case ActionConf:
		return "CONF"
	case ActionJoin:
		return "JOIN"
	case ActionSync:
		return "SYNC"
	case ActionFlow:
		return "FLOW"
	case ActionService:
		return "SERVICE"
	case ActionError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// originated reports whether this kind is legal on Send/Repl, as
// opposed to being synthesized by the core.
func (k ActionKind) originated() bool {
	return k == ActionData || k == ActionStateReq
}

// Action is the unit of application visibility delivered through
// Connection.Recv. Buffer ownership moves to the application once the
// action is returned; the application must not retain core-owned
// slices past that point without copying.
type Action struct {
	Kind        ActionKind
	Payload     []byte
	GlobalSeqno OrderedSeqno
	LocalSeqno  OrderedSeqno
	Err         error

	// ReceivedAt is the local clock reading taken when this action was
	// queued for delivery. Zero unless Config.SelfTimestamp is set.
	ReceivedAt time.Time
}

// Size reports the payload length, mirroring the source API's
// explicit size field alongside the buffer.
func (a Action) Size() int {
	return len(a.Payload)
}

// ConnState is the connection's lifecycle state: CLOSED, DESTROYED,
// OPEN_NON_PRIMARY, OPEN_PRIMARY, JOINER, DONOR, JOINED, SYNCED.
type ConnState uint8

const (
	StateClosed ConnState = iota
	StateDestroyed
	StateOpenNonPrimary
	StateOpenPrimary
	StateJoiner
	StateDonor
	StateJoined
	StateSynced
)

func (s ConnState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateDestroyed:
		return "DESTROYED"
	case StateOpenNonPrimary:
		return "OPEN_NON_PRIMARY"
	case StateOpenPrimary:
		return "OPEN_PRIMARY"
	case StateJoiner:
		return "JOINER"
	case StateDonor:
		return "DONOR"
	case StateJoined:
		return "JOINED"
	case StateSynced:
		return "SYNCED"
	default:
		return "UNKNOWN"
	}
}
