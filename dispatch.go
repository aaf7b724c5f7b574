package gcs

import (
	"sync/atomic"
	"time"

	"github.com/jabolina/gcs/internal/frag"
	"github.com/jabolina/gcs/internal/groupfsm"
)

// dispatchLoop is the connection's dedicated I/O thread: it is the
// sole reader of the backend's event channel and the sole
// writer of global/local seqnos, so every ordering decision below is
// made without additional locking beyond what the individual
// components already provide.
func (c *Connection) dispatchLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case evt, ok := <-c.backend.Events():
			if !ok {
				return
			}
			switch evt.Kind {
			case BackendEventView:
				c.handleView(evt.View)
			case BackendEventData:
				c.handleData(evt.From, evt.Payload)
			}
		}
	}
}

func (c *Connection) handleView(view View) {
	c.mu.Lock()
	previous := c.view
	c.view = view
	c.mu.Unlock()

	departed := membersNotIn(previous.Members, view.Members)
	for _, m := range departed {
		for _, serial := range c.reassembler.DropSender(frag.PeerID(m)) {
			// Surfaced only to a local repl waiter, if one is
			// suspended on this exact submission; a dropped partial
			// with no local waiter is simply not this node's
			// concern.
			c.coord.Discard(fragKey(m, serial), ErrViewLost)
		}
		c.flowCtrl.RemoveMember(m)
		delete(c.lastApplied, m)
	}

	if !view.Primary {
		// Only submissions already pending at the moment quorum was
		// lost are doomed; a Repl racing in concurrently with this
		// view-change handling still deserves its chance once the
		// view recovers, so the cutoff is captured right here rather
		// than discarding unconditionally.
		cutoff := c.coord.Cutoff()
		c.coord.DiscardBefore(cutoff, ErrViewLost)
		if err := c.fsm.NonPrimaryView(); err == nil {
			c.pushConf(false)
		}
		return
	}

	if c.fsm.State() == groupfsm.StateOpenNonPrimary {
		c.mu.Lock()
		c.confID++
		newConfID := c.confID
		c.mu.Unlock()
		if err := c.fsm.PrimaryView(newConfID); err == nil {
			c.pushConf(true)
		}
		return
	}

	// Already primary: a membership change that keeps quorum (a
	// member leaving or a new one joining) still gets its own CONF,
	// since every observer must see the new roster and index even
	// though the connection's own state doesn't change.
	joined := membersNotIn(view.Members, previous.Members)
	if len(departed) > 0 || len(joined) > 0 {
		c.mu.Lock()
		c.confID++
		c.mu.Unlock()
		c.pushConf(true)
	}
}

func membersNotIn(previous, current []string) []string {
	present := make(map[string]bool, len(current))
	for _, m := range current {
		present[m] = true
	}
	var gone []string
	for _, m := range previous {
		if !present[m] {
			gone = append(gone, m)
		}
	}
	return gone
}

func (c *Connection) pushConf(primary bool) {
	c.mu.Lock()
	view := c.view
	confID := c.confID
	uuid := c.groupUUID
	c.mu.Unlock()

	var globalSeqno OrderedSeqno
	if primary {
		globalSeqno = Ordered(Seqno(c.globalSeqno))
	} else {
		globalSeqno = NoSeqno
		confID = NonPrimaryConfID
	}

	myIdx := int64(-1)
	for i, m := range view.Members {
		if m == c.backend.LocalID() {
			myIdx = int64(i)
			break
		}
	}

	stRequired := false
	if primary {
		c.mu.Lock()
		// A lone founding member has no one to transfer state from;
		// only a node joining an already-populated primary component
		// for the first time needs the handshake.
		stRequired = !c.everPrimary && len(view.Members) > 1
		c.everPrimary = true
		c.mu.Unlock()
	}

	payload := ConfPayload{
		Seqno:       seqnoOrIll(globalSeqno),
		ConfID:      confID,
		GroupUUID:   uuid,
		StRequired:  stRequired,
		MemberNum:   int64(len(view.Members)),
		MyIdx:       myIdx,
		MemberNames: view.Members,
	}
	if len(view.Members) == 0 {
		payload.MyIdx = -1
	}

	data, err := payload.Encode()
	if err != nil {
		c.config.Logger.Error("encode CONF action", "error", err)
		data = nil
	}

	c.pushAction(Action{
		Kind:        ActionConf,
		Payload:     data,
		GlobalSeqno: globalSeqno,
		LocalSeqno:  Ordered(c.nextLocalSeqno()),
	})
}

func seqnoOrIll(o OrderedSeqno) Seqno {
	if v, ok := o.Get(); ok {
		return v
	}
	return SeqnoIll
}

func (c *Connection) handleData(from string, payload []byte) {
	fragment, err := decodeFragment(payload)
	if err != nil {
		c.config.Logger.Error("decode incoming fragment", "error", err)
		return
	}

	if fragment.Header.Kind == wireLastAppliedHint {
		c.handleLastAppliedHint(fragment)
		return
	}

	buf, kind, sealed, err := c.reassembler.Add(fragment)
	if err != nil {
		// A duplicate or out-of-order fragment always surfaces as an
		// ERROR action , independent of whether a local
		// repl also happens to be waiting on the same submission.
		senderSerial := fragKey(string(fragment.Header.Sender), fragment.Header.Serial)
		c.coord.Discard(senderSerial, ErrFragmentViolation)
		c.pushAction(Action{
			Kind:        ActionError,
			GlobalSeqno: NoSeqno,
			LocalSeqno:  Ordered(c.nextLocalSeqno()),
			Err:         ErrFragmentViolation,
		})
		return
	}
	if !sealed {
		return
	}

	actionKind := ActionKind(kind)
	senderSerial := fragKey(string(fragment.Header.Sender), fragment.Header.Serial)

	switch actionKind {
	case ActionData:
		c.deliverOrdered(actionKind, buf, senderSerial)
	case ActionStateReq:
		c.handleStateReq(fragment.Header.Sender, buf, senderSerial)
	case ActionJoin:
		c.handleJoin(buf, senderSerial)
	case ActionSync:
		c.handleSync(buf, senderSerial)
	case ActionFlow:
		c.handleFlow(buf)
	default:
		c.config.Logger.Warn("unrecognized wire action kind", "kind", kind)
	}
}

// deliverOrdered assigns the next global and local seqno to a sealed
// action, wakes any local repl waiter matching senderSerial, and
// pushes the action onto the receive queue.
func (c *Connection) deliverOrdered(kind ActionKind, payload []byte, senderSerial string) (int64, int64) {
	gseq := c.nextGlobalSeqno()
	lseq := c.nextLocalSeqno()

	c.coord.Deliver(senderSerial, int64(gseq), int64(lseq))

	c.pushAction(Action{
		Kind:        kind,
		Payload:     payload,
		GlobalSeqno: Ordered(gseq),
		LocalSeqno:  Ordered(lseq),
	})
	return int64(gseq), int64(lseq)
}

func (c *Connection) handleStateReq(sender frag.PeerID, payload []byte, senderSerial string) {
	c.mu.Lock()
	view := c.view
	c.mu.Unlock()

	donor, idx := selectDonor(view, string(sender))

	c.donorIdxMu.Lock()
	c.donorIdx[senderSerial] = idx
	c.donorIdxMu.Unlock()

	// The donor's own state must already read DONOR by the time this
	// STATE_REQ becomes visible through Recv, since an application
	// watching for it decides whether to act as donor from State()
	// alone.
	if idx >= 0 && donor == c.backend.LocalID() && c.fsm.State() == groupfsm.StateOpenPrimary {
		if err := c.fsm.BecomeDonor(); err == nil {
			c.mu.Lock()
			c.pendingJoinerID = string(sender)
			c.mu.Unlock()
		}
	}

	c.deliverOrdered(ActionStateReq, payload, senderSerial)
}

func (c *Connection) handleJoin(payload []byte, senderSerial string) {
	join, err := decodeJoinPayload(payload)
	if err != nil {
		c.config.Logger.Error("decode JOIN action", "error", err)
		return
	}

	self := c.backend.LocalID()
	switch {
	case c.fsm.State() == groupfsm.StateJoiner && join.JoinerID == self:
		if join.Status >= 0 {
			if err := c.fsm.JoinReceived(); err == nil {
				c.broadcastSync()
			}
		} else {
			c.fsm.FailStateTransfer()
		}
	case c.fsm.State() == groupfsm.StateDonor && join.DonorID == self:
		c.fsm.DonorCompleted()
		c.mu.Lock()
		c.pendingJoinerID = ""
		c.mu.Unlock()
	}

	c.deliverOrdered(ActionJoin, payload, senderSerial)
}

func (c *Connection) broadcastSync() {
	serial := c.nextSendSerial()
	if err := c.transmit(serial, uint8(ActionSync), nil); err != nil {
		c.config.Logger.Warn("broadcast SYNC failed", "error", err)
	}
}

func (c *Connection) handleSync(payload []byte, senderSerial string) {
	if c.fsm.State() == groupfsm.StateJoined {
		c.fsm.Synced()
	}
	c.deliverOrdered(ActionSync, payload, senderSerial)
}

// handleFlow updates the flow controller's view of the sender's queue
// depth and, since every member must observe flow transitions at the
// same point in the history, pushes the action itself so the local-
// seqno sequence stays gapless across CONF and FLOW alike.
func (c *Connection) handleFlow(payload []byte) {
	flowMsg, err := decodeFlowPayload(payload)
	if err != nil {
		c.config.Logger.Error("decode FLOW action", "error", err)
		return
	}
	if flowMsg.Stop {
		c.flowCtrl.UpdateDepth(flowMsg.Member, c.config.FlowHighWater)
	} else {
		c.flowCtrl.UpdateDepth(flowMsg.Member, 0)
	}

	c.pushAction(Action{
		Kind:        ActionFlow,
		Payload:     payload,
		GlobalSeqno: Ordered(c.nextGlobalSeqno()),
		LocalSeqno:  Ordered(c.nextLocalSeqno()),
	})
}

func (c *Connection) handleLastAppliedHint(fragment frag.Fragment) {
	buf, _, sealed, err := c.reassembler.Add(fragment)
	if err != nil || !sealed {
		return
	}
	seqno, err := decodeLastAppliedHint(buf)
	if err != nil {
		c.config.Logger.Error("decode last-applied hint", "error", err)
		return
	}

	c.mu.Lock()
	c.lastApplied[string(fragment.Header.Sender)] = seqno
	view := c.view
	c.mu.Unlock()

	if len(view.Members) == 0 {
		return
	}

	min := Seqno(-1)
	for _, m := range view.Members {
		v, ok := c.lastApplied[m]
		if !ok {
			return
		}
		if min == -1 || v < min {
			min = v
		}
	}

	c.mu.Lock()
	advances := min > c.lastCommitCut
	if advances {
		c.lastCommitCut = min
	}
	c.mu.Unlock()

	if !advances {
		return
	}

	data, err := encodeLastAppliedHint(min)
	if err != nil {
		c.config.Logger.Error("encode COMMIT_CUT action", "error", err)
		return
	}

	c.pushAction(Action{
		Kind:        ActionCommitCut,
		Payload:     data,
		GlobalSeqno: Ordered(c.nextGlobalSeqno()),
		LocalSeqno:  Ordered(c.nextLocalSeqno()),
	})
}

func (c *Connection) pushAction(a Action) {
	if c.config.SelfTimestamp {
		a.ReceivedAt = time.Now()
	}
	c.recvQueue.Push(a)
}

func (c *Connection) nextGlobalSeqno() Seqno {
	c.globalSeqno++
	return Seqno(c.globalSeqno)
}

func (c *Connection) nextLocalSeqno() Seqno {
	c.localSeqno++
	return Seqno(c.localSeqno)
}

func (c *Connection) nextSendSerial() uint64 {
	return atomic.AddUint64(&c.sendSerial, 1)
}
