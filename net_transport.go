package gcs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

// rpcSendFrame is the single RPC type this transport speaks: push one
// framed payload to the peer and get an ack. The action layer has no
// need for the richer multi-shape RPC surface a consensus transport
// would carry.
const rpcSendFrame uint8 = 0

var ErrTransportShutdown = errors.New("gcs: transport shutdown")

// frameRequest/frameResponse are the msgpack-encoded RPC bodies.
type frameRequest struct {
	From    string
	Payload []byte
}

type frameResponse struct{}

// StreamLayer abstracts the dialer/listener a NetworkTransport runs
// on, so TCP and TLS variants share one transport implementation.
type StreamLayer interface {
	Dial(address string, timeout time.Duration) (net.Conn, error)
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// NetworkTransport is a connection-pooled, msgpack-framed RPC
// transport, narrowed to the single frame-push operation the
// gcomm:// backend needs.
type NetworkTransport struct {
	connPool     map[string][]*netConn
	connPoolLock sync.Mutex

	consumeCh chan frameDelivery

	logger hclog.Logger

	maxPool int

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	streamCtx    context.Context
	streamCancel context.CancelFunc

	timeout time.Duration
}

type frameDelivery struct {
	From    string
	Payload []byte
}

type netConn struct {
	target string
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	dec    *codec.Decoder
	enc    *codec.Encoder
}

func (n *netConn) Release() error {
	return n.conn.Close()
}

// NetworkTransportConfig groups the pool size and timeout knobs this
// transport actually uses.
type NetworkTransportConfig struct {
	Stream  StreamLayer
	MaxPool int
	Timeout time.Duration
	Logger  hclog.Logger
}

// NewNetworkTransportWithConfig builds a NetworkTransport and starts
// its accept loop.
func NewNetworkTransportWithConfig(config *NetworkTransportConfig) *NetworkTransport {
	if config.Logger == nil {
		config.Logger = hclog.New(&hclog.LoggerOptions{Name: "gcs-transport", Output: os.Stderr})
	}

	ctx, cancel := context.WithCancel(context.Background())
	trans := &NetworkTransport{
		connPool:     make(map[string][]*netConn),
		consumeCh:    make(chan frameDelivery, 64),
		logger:       config.Logger,
		maxPool:      config.MaxPool,
		shutdownCh:   make(chan struct{}),
		stream:       config.Stream,
		timeout:      config.Timeout,
		streamCtx:    ctx,
		streamCancel: cancel,
	}

	go trans.listen()
	return trans
}

func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = time.Second

	var loopDelay time.Duration
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}

			if !n.IsShutdown() {
				n.logger.Error("failed to accept connection", "error", err)
			}

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}

		loopDelay = 0
		go n.handleConn(n.streamCtx, conn)
	}
}

func (n *NetworkTransport) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})
	enc := codec.NewEncoder(w, &codec.MsgpackHandle{})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := n.handleCommand(r, dec, enc); err != nil {
			if err != io.EOF {
				n.logger.Error("failed to decode incoming frame", "error", err)
			}
			return
		}

		if err := w.Flush(); err != nil {
			n.logger.Error("failed to flush response", "error", err)
			return
		}
	}
}

func (n *NetworkTransport) handleCommand(r *bufio.Reader, dec *codec.Decoder, enc *codec.Encoder) error {
	rpcType, err := r.ReadByte()
	if err != nil {
		return err
	}

	if rpcType != rpcSendFrame {
		return fmt.Errorf("gcs: unknown rpc type %d", rpcType)
	}

	var req frameRequest
	if err := dec.Decode(&req); err != nil {
		return err
	}

	select {
	case n.consumeCh <- frameDelivery{From: req.From, Payload: req.Payload}:
	case <-n.shutdownCh:
		return ErrTransportShutdown
	}

	if err := enc.Encode(""); err != nil {
		return err
	}
	return enc.Encode(frameResponse{})
}

// SendFrame delivers payload to target, pooling the underlying
// connection.
func (n *NetworkTransport) SendFrame(target string, from string, payload []byte) error {
	conn, err := n.getConn(target)
	if err != nil {
		return err
	}

	if n.timeout > 0 {
		conn.conn.SetDeadline(time.Now().Add(n.timeout))
	}

	req := frameRequest{From: from, Payload: payload}
	if err := conn.w.WriteByte(rpcSendFrame); err != nil {
		conn.Release()
		return err
	}
	if err := conn.enc.Encode(req); err != nil {
		conn.Release()
		return err
	}
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}

	var rpcErr string
	if err := conn.dec.Decode(&rpcErr); err != nil {
		conn.Release()
		return err
	}
	var resp frameResponse
	if err := conn.dec.Decode(&resp); err != nil {
		conn.Release()
		return err
	}
	if rpcErr != "" {
		conn.Release()
		return fmt.Errorf(rpcErr)
	}

	n.returnConn(conn)
	return nil
}

func (n *NetworkTransport) getConn(target string) (*netConn, error) {
	if conn := n.getPooledConn(target); conn != nil {
		return conn, nil
	}

	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	nc := &netConn{
		target: target,
		conn:   conn,
		r:      bufio.NewReader(conn),
		w:      bufio.NewWriter(conn),
	}
	nc.dec = codec.NewDecoder(nc.r, &codec.MsgpackHandle{})
	nc.enc = codec.NewEncoder(nc.w, &codec.MsgpackHandle{})
	return nc, nil
}

func (n *NetworkTransport) returnConn(conn *netConn) {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	key := conn.target
	pooled := n.connPool[key]
	if !n.IsShutdown() && len(pooled) < n.maxPool {
		n.connPool[key] = append(pooled, conn)
	} else {
		conn.Release()
	}
}

func (n *NetworkTransport) getPooledConn(target string) *netConn {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	pooled, ok := n.connPool[target]
	if !ok || len(pooled) == 0 {
		return nil
	}

	size := len(pooled)
	conn := pooled[size-1]
	n.connPool[target] = pooled[:size-1]
	return conn
}

func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

func (n *NetworkTransport) LocalAddress() string {
	return n.stream.Addr().String()
}

func (n *NetworkTransport) Consumer() <-chan frameDelivery {
	return n.consumeCh
}

func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.streamCancel()
		n.stream.Close()
		n.shutdown = true

		n.connPoolLock.Lock()
		for _, pooled := range n.connPool {
			for _, conn := range pooled {
				conn.Release()
			}
		}
		n.connPoolLock.Unlock()
	}
	return nil
}
