package gcs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabolina/gcs/internal/coordinator"
	"github.com/jabolina/gcs/internal/flow"
	"github.com/jabolina/gcs/internal/frag"
	"github.com/jabolina/gcs/internal/groupfsm"
	"github.com/jabolina/gcs/internal/invoker"
	"github.com/jabolina/gcs/internal/recvqueue"
)

// Connection is the handle an application holds for one group
// membership: the Go analogue of gcs_conn_t. One dedicated goroutine
// (the dispatch loop, spawned through Connection's own Invoker) reads
// the backend's events, feeds the fragmentation codec, drives the
// group state machine, and pushes sealed actions onto the receive
// queue; every other method here is safe to call concurrently from
// any number of application goroutines.
type Connection struct {
	config  *Config
	backend Backend

	fragmenter  *frag.Fragmenter
	reassembler *frag.Reassembler
	recvQueue   *recvqueue.Queue
	coord       *coordinator.Coordinator
	fsm         *groupfsm.Machine
	flowCtrl    *flow.Controller
	inv         invoker.Invoker

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	groupUUID   UUID
	confID      int64
	view        View
	initialized bool
	closed      bool
	destroyed   bool
	pendingJoinerID string

	sendSerial  uint64
	globalSeqno int64
	localSeqno  int64

	lastApplied   map[string]Seqno
	lastCommitCut Seqno
	everPrimary   bool

	donorIdxMu sync.Mutex
	donorIdx   map[string]int
}

// Create parses backendURL (scheme://address) and constructs a
// Connection bound to the corresponding Backend driver, analogous to
// gcs_create.
func Create(backendURL string, opts ...Option) (*Connection, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	backend, err := openBackend(backendURL, config)
	if err != nil {
		return nil, err
	}

	fragmenter, err := frag.NewFragmenter(config.PacketSize)
	if err != nil {
		backend.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		config:      config,
		backend:     backend,
		fragmenter:  fragmenter,
		reassembler: frag.NewReassembler(2 * time.Minute),
		coord:       coordinator.New(),
		fsm:         groupfsm.New(),
		inv:         invoker.New(),
		ctx:         ctx,
		cancel:      cancel,
		confID:      NonPrimaryConfID,
		lastApplied: make(map[string]Seqno),
		donorIdx:    make(map[string]int),
	}
	c.recvQueue = recvqueue.New(ctx, config.RecvQueueLen, c.errorEntryFactory)
	c.flowCtrl = flow.New(config.FlowHighWater, config.FlowLowWater, c.onFlowTransition)

	return c, nil
}

func (c *Connection) errorEntryFactory() recvqueue.Entry {
	return Action{Kind: ActionError, GlobalSeqno: NoSeqno, LocalSeqno: NoSeqno, Err: ErrClosed}
}

// Init records a (seqno, uuid) history hint. Legal only before Open.
func (c *Connection) Init(seqno Seqno, uuid UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fsm.State() != groupfsm.StateClosed || c.initialized {
		return ErrBusy
	}
	c.groupUUID = uuid
	c.globalSeqno = int64(seqno)
	c.lastApplied[c.backend.LocalID()] = seqno
	c.initialized = true
	return nil
}

// Open joins channel and starts the dispatch loop.
func (c *Connection) Open(channel string) error {
	if c.groupUUID.IsNil() {
		uuid, err := GenerateUUID()
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.groupUUID = uuid
		c.mu.Unlock()
	}

	if err := c.fsm.Open(); err != nil {
		return translateFsmErr(err)
	}

	if err := c.backend.Open(channel); err != nil {
		return err
	}

	c.inv.Spawn(c.dispatchLoop)
	c.inv.Spawn(c.flowMonitorLoop)
	return nil
}

// Close is the cooperative cancellation signal: pending repl and recv
// callers are woken with an error. TO-monitor waiters, if the
// application uses one, are unaffected by this.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.fsm.Close()
	c.cancel()
	c.coord.Close(ErrClosed)
	c.recvQueue.Close()
	c.backend.Close()
	c.inv.Stop()
	c.reassembler.Close()
	return nil
}

// Destroy tears the connection down permanently.
func (c *Connection) Destroy() error {
	if err := c.Close(); err != nil {
		return err
	}
	c.fsm.Destroy()
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	return nil
}

// Send transfers ownership of buf to the coordinator and returns
// with the byte count once every fragment has been handed to the
// backend, without waiting for delivery. kind must be DATA or
// STATE_REQ.
func (c *Connection) Send(buf []byte, kind ActionKind) (int, error) {
	if !kind.originated() {
		return 0, fmt.Errorf("gcs: kind %s cannot be sent by the application", kind)
	}
	if c.isClosed() {
		return 0, ErrClosed
	}

	serial := atomic.AddUint64(&c.sendSerial, 1)
	if err := c.transmit(serial, uint8(kind), buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Repl behaves like Send but suspends the caller until the matching
// delivery assigns global and local seqnos, or the view is lost
// first.
func (c *Connection) Repl(buf []byte, kind ActionKind) (Action, error) {
	if !kind.originated() {
		return Action{}, fmt.Errorf("gcs: kind %s cannot be repl'd by the application", kind)
	}
	if c.isClosed() {
		return Action{}, ErrClosed
	}

	serial := atomic.AddUint64(&c.sendSerial, 1)
	senderSerial := fragKey(c.backend.LocalID(), serial)

	pending, err := c.coord.Submit(senderSerial, buf, uint8(kind), func() error {
		return c.transmit(serial, uint8(kind), buf)
	})
	if err != nil {
		return Action{}, err
	}

	gseq, lseq, err := c.coord.Await(pending)
	if err != nil {
		return Action{}, err
	}

	return Action{
		Kind:        kind,
		Payload:     buf,
		GlobalSeqno: Ordered(Seqno(gseq)),
		LocalSeqno:  Ordered(Seqno(lseq)),
	}, nil
}

func (c *Connection) transmit(serial uint64, kind uint8, buf []byte) error {
	fragments := c.fragmenter.Split(frag.PeerID(c.backend.LocalID()), serial, kind, buf)
	for _, f := range fragments {
		wire, err := encodeFragment(f)
		if err != nil {
			return err
		}
		if err := c.backend.Broadcast(wire); err != nil {
			return err
		}
	}
	return nil
}

// Recv blocks until an action is available, ctx is cancelled, or the
// connection is closed.
func (c *Connection) Recv(ctx context.Context) (Action, error) {
	type result struct {
		entry recvqueue.Entry
		ok    bool
	}
	out := make(chan result, 1)
	go func() {
		entry, ok := c.recvQueue.Recv()
		out <- result{entry, ok}
	}()

	select {
	case r := <-out:
		if !r.ok {
			return Action{}, ErrClosed
		}
		return r.entry.(Action), nil
	case <-ctx.Done():
		return Action{}, ctx.Err()
	}
}

// RequestStateTransfer broadcasts a STATE_REQ action and blocks until
// a donor is selected. The returned localSeqno is the seqno the
// caller must treat as skipped in its own ordering, since it belongs
// to the handshake rather than replicated work.
func (c *Connection) RequestStateTransfer(req []byte) (donorIdx int, localSeqno Seqno, err error) {
	if err := c.fsm.BeginStateTransfer(); err != nil {
		return -1, SeqnoIll, translateFsmErr(err)
	}

	serial := atomic.AddUint64(&c.sendSerial, 1)
	senderSerial := fragKey(c.backend.LocalID(), serial)

	pending, err := c.coord.Submit(senderSerial, req, uint8(ActionStateReq), func() error {
		return c.transmit(serial, uint8(ActionStateReq), req)
	})
	if err != nil {
		c.fsm.FailStateTransfer()
		return -1, SeqnoIll, err
	}

	_, lseq, err := c.coord.Await(pending)
	if err != nil {
		c.fsm.FailStateTransfer()
		return -1, SeqnoIll, err
	}

	c.donorIdxMu.Lock()
	idx, ok := c.donorIdx[senderSerial]
	delete(c.donorIdx, senderSerial)
	c.donorIdxMu.Unlock()
	if !ok || idx < 0 {
		c.fsm.FailStateTransfer()
		return -1, SeqnoIll, ErrAgain
	}

	return idx, Seqno(lseq), nil
}

// Join is the donor-side completion of a state-transfer handshake:
// status >= 0 reports success, status < 0 reports failure.
func (c *Connection) Join(status Seqno) error {
	c.mu.Lock()
	joinerID := c.pendingJoinerID
	c.mu.Unlock()
	if joinerID == "" {
		return ErrBadState
	}

	payload := JoinPayload{DonorID: c.backend.LocalID(), JoinerID: joinerID, Status: status}
	data, err := payload.encode()
	if err != nil {
		return err
	}

	serial := atomic.AddUint64(&c.sendSerial, 1)
	return c.transmit(serial, uint8(ActionJoin), data)
}

// SetLastApplied broadcasts a hint that feeds commit-cut computation
// across the group; it never surfaces an action of its own.
func (c *Connection) SetLastApplied(seqno Seqno) error {
	data, err := encodeLastAppliedHint(seqno)
	if err != nil {
		return err
	}
	serial := atomic.AddUint64(&c.sendSerial, 1)
	return c.transmit(serial, wireLastAppliedHint, data)
}

// Wait reports whether the application should defer submissions
// because some member's slave queue is over the flow-control
// high-water mark.
func (c *Connection) Wait() (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	return c.flowCtrl.ShouldWait(), nil
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnState {
	return ConnState(c.fsm.State())
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.destroyed
}

func fragKey(sender string, serial uint64) string {
	return fmt.Sprintf("%s:%d", sender, serial)
}

func translateFsmErr(err error) error {
	switch err {
	case groupfsm.ErrBusy:
		return ErrBusy
	case groupfsm.ErrBadState:
		return ErrBadState
	default:
		return err
	}
}

// onFlowTransition broadcasts this node's own stop/cont crossing.
// Transitions synthesized locally for a remote member (learned from
// that member's own FLOW action) must not be rebroadcast.
func (c *Connection) onFlowTransition(t flow.Transition) {
	if t.Member != c.backend.LocalID() {
		return
	}
	payload := FlowPayload{Member: t.Member, Stop: t.Stop}
	data, err := payload.encode()
	if err != nil {
		c.config.Logger.Error("encode FLOW payload", "error", err)
		return
	}
	serial := atomic.AddUint64(&c.sendSerial, 1)
	if err := c.transmit(serial, uint8(ActionFlow), data); err != nil {
		c.config.Logger.Warn("broadcast FLOW failed", "error", err)
	}
}

// flowMonitorLoop periodically reports this node's own receive queue
// depth into the flow controller, which emits FLOW(stop)/FLOW(cont)
// through onFlowTransition as the marks are crossed.
func (c *Connection) flowMonitorLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.flowCtrl.UpdateDepth(c.backend.LocalID(), c.recvQueue.Len())
		}
	}
}
