// Package coordinator implements the send/repl coordinator:
// submissions are transmitted immediately, and a repl caller is
// suspended on a pending entry until the matching delivery, a
// discard, or shutdown wakes it.
package coordinator

import (
	"sync"

	"github.com/wangjia184/sortedset"
)

// Coordinator tracks every in-flight repl submission, matching
// deliveries by (sender, serial) and supporting an efficient
// view-loss sweep by submission order.
type Coordinator struct {
	mutex sync.Mutex

	bySenderSerial map[string]*Pending
	bySubmission   *sortedset.SortedSet
	nextSubmission uint64
	closed         bool
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		bySenderSerial: make(map[string]*Pending),
		bySubmission:   sortedset.New(),
	}
}

// Submit registers a pending entry under senderSerial and invokes
// transmit to hand the action to the transport. If transmit fails the
// entry is removed again and the error is returned directly. The
// entry must later be completed exactly once via Deliver, Discard, or
// Close.
func (c *Coordinator) Submit(senderSerial string, buf []byte, kind uint8, transmit func() error) (*Pending, error) {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil, errClosed
	}
	c.nextSubmission++
	submission := c.nextSubmission
	p := &Pending{
		Submission:   submission,
		SenderSerial: senderSerial,
		Buf:          buf,
		Kind:         kind,
		done:         make(chan result, 1),
	}
	c.bySenderSerial[senderSerial] = p
	c.bySubmission.AddOrUpdate(senderSerial, sortedset.SCORE(submission), p)
	c.mutex.Unlock()

	if err := transmit(); err != nil {
		c.mutex.Lock()
		delete(c.bySenderSerial, senderSerial)
		c.bySubmission.Remove(senderSerial)
		c.mutex.Unlock()
		return nil, err
	}

	return p, nil
}

// Await blocks until p's matching delivery, a discard, or Close
// completes it.
func (c *Coordinator) Await(p *Pending) (globalSeqno, localSeqno int64, err error) {
	r := <-p.done
	return r.globalSeqno, r.localSeqno, r.err
}

// Deliver completes the pending entry matching senderSerial with the
// assigned seqnos. It reports whether an entry was found: a delivery
// with no matching pending entry is not an error, it is simply not a
// repl the local node is waiting on.
func (c *Coordinator) Deliver(senderSerial string, globalSeqno, localSeqno int64) bool {
	c.mutex.Lock()
	p, ok := c.bySenderSerial[senderSerial]
	if ok {
		delete(c.bySenderSerial, senderSerial)
		c.bySubmission.Remove(senderSerial)
	}
	c.mutex.Unlock()

	if !ok {
		return false
	}

	p.done <- result{globalSeqno: globalSeqno, localSeqno: localSeqno}
	return true
}

// Discard wakes, with err, the single pending entry matching
// senderSerial, if any, used when a partially assembled action is
// dropped because its sender left the view. It reports whether a
// matching entry was found.
func (c *Coordinator) Discard(senderSerial string, err error) bool {
	c.mutex.Lock()
	p, ok := c.bySenderSerial[senderSerial]
	if ok {
		delete(c.bySenderSerial, senderSerial)
		c.bySubmission.Remove(senderSerial)
	}
	c.mutex.Unlock()

	if !ok {
		return false
	}
	p.done <- result{err: err}
	return true
}

// Cutoff returns a submission number strictly greater than every
// submission accepted so far, suitable for a later DiscardBefore call
// that must discard only entries already pending at the moment of some
// disruption, not ones that race in afterward.
func (c *Coordinator) Cutoff() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.nextSubmission + 1
}

// DiscardBefore wakes, with err, every pending entry submitted before
// cutoff (exclusive): used when a view change loses quorum before a
// matching delivery arrives for an older submission.
func (c *Coordinator) DiscardBefore(cutoff uint64, err error) {
	c.mutex.Lock()
	nodes := c.bySubmission.GetByScoreRange(sortedset.SCORE(0), sortedset.SCORE(cutoff)-1, nil)
	var woken []*Pending
	for _, n := range nodes {
		p := n.Value.(*Pending)
		delete(c.bySenderSerial, p.SenderSerial)
		c.bySubmission.Remove(p.SenderSerial)
		woken = append(woken, p)
	}
	c.mutex.Unlock()

	for _, p := range woken {
		p.done <- result{err: err}
	}
}

// Close wakes every remaining pending entry with err and rejects
// further Submit calls.
func (c *Coordinator) Close(err error) {
	c.mutex.Lock()
	c.closed = true
	var woken []*Pending
	for k, p := range c.bySenderSerial {
		delete(c.bySenderSerial, k)
		woken = append(woken, p)
	}
	c.bySubmission = sortedset.New()
	c.mutex.Unlock()

	for _, p := range woken {
		p.done <- result{err: err}
	}
}

var errClosed = coordinatorClosedError{}

type coordinatorClosedError struct{}

func (coordinatorClosedError) Error() string { return "gcs: coordinator closed" }
