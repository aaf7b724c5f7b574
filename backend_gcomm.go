package gcs

import (
	"net"
	"sync"
	"time"
)

// gcommBackend is the gcomm:// point-to-point TCP backend, built on
// the connection-pooled NetworkTransport above. Membership
// consensus is explicitly out of scope: Peers is a
// static list supplied via Config, and this backend's only
// view-change signal is "a configured peer is currently reachable or
// not" — the minimum signal the action layer needs to synthesize a
// non-primary CONF when quorum is lost.
type gcommBackend struct {
	id      string
	trans   *NetworkTransport
	peers   []string
	events  chan BackendEvent
	closeCh chan struct{}
	once    sync.Once

	mu        sync.Mutex
	reachable map[string]bool
}

func newGcommBackend(address string, config *Config) (Backend, error) {
	logger := config.Logger.Named("gcomm")

	var stream StreamLayer
	var err error
	if config.TLS.Enabled {
		stream, err = NewTLSStreamLayer(address, nil, config.TLS)
	} else {
		tcpTrans, tcpErr := newTCPStreamLayer(address)
		stream, err = tcpTrans, tcpErr
	}
	if err != nil {
		return nil, err
	}

	trans := NewNetworkTransportWithConfig(&NetworkTransportConfig{
		Stream:  stream,
		MaxPool: config.MaxPool,
		Timeout: 10 * time.Second,
		Logger:  logger,
	})

	b := &gcommBackend{
		id:        stream.Addr().String(),
		trans:     trans,
		peers:     append([]string(nil), config.Peers...),
		events:    make(chan BackendEvent, 64),
		closeCh:   make(chan struct{}),
		reachable: make(map[string]bool),
	}

	go b.pump()
	go b.monitorPeers()
	return b, nil
}

func newTCPStreamLayer(bindAddr string) (*TCPStreamLayer, error) {
	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}
	tcpLis, ok := lis.(*net.TCPListener)
	if !ok {
		lis.Close()
		return nil, ErrNotTCP
	}
	return &TCPStreamLayer{listener: tcpLis}, nil
}

func (b *gcommBackend) LocalID() string {
	return b.id
}

func (b *gcommBackend) Open(channel string) error {
	// The channel name plays no role in the gcomm backend's wire
	// protocol: peers are dialed directly by address, as configured.
	b.publishView()
	return nil
}

func (b *gcommBackend) Broadcast(payload []byte) error {
	// Deliver to self first so the local node observes its own
	// broadcasts in the receive queue, matching the dummy backend: every
	// member, sender included, observes every delivery.
	select {
	case b.events <- BackendEvent{Kind: BackendEventData, From: b.id, Payload: payload}:
	default:
	}

	var firstErr error
	for _, peer := range b.currentPeers() {
		if err := b.trans.SendFrame(peer, b.id, payload); err != nil {
			b.markUnreachable(peer)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.markReachable(peer)
	}
	return firstErr
}

func (b *gcommBackend) currentPeers() []string {
	return b.peers
}

func (b *gcommBackend) markUnreachable(peer string) {
	b.mu.Lock()
	changed := b.reachable[peer]
	b.reachable[peer] = false
	b.mu.Unlock()
	if changed {
		b.publishView()
	}
}

func (b *gcommBackend) markReachable(peer string) {
	b.mu.Lock()
	changed := !b.reachable[peer]
	b.reachable[peer] = true
	b.mu.Unlock()
	if changed {
		b.publishView()
	}
}

func (b *gcommBackend) publishView() {
	b.mu.Lock()
	members := []string{b.id}
	allReachable := true
	for _, peer := range b.peers {
		if b.reachable[peer] {
			members = append(members, peer)
		} else {
			allReachable = false
		}
	}
	b.mu.Unlock()

	view := View{Primary: allReachable || len(b.peers) == 0, Members: members}
	select {
	case b.events <- BackendEvent{Kind: BackendEventView, View: view}:
	default:
	}
}

// monitorPeers periodically probes peer reachability, since the
// transport only learns liveness from send failures otherwise.
func (b *gcommBackend) monitorPeers() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.closeCh:
			return
		case <-ticker.C:
			for _, peer := range b.peers {
				if err := b.trans.SendFrame(peer, b.id, nil); err != nil {
					b.markUnreachable(peer)
				} else {
					b.markReachable(peer)
				}
			}
		}
	}
}

// pump copies incoming wire deliveries into the Backend-facing event
// channel.
func (b *gcommBackend) pump() {
	for delivery := range b.trans.Consumer() {
		if len(delivery.Payload) == 0 {
			// A zero-length probe frame from monitorPeers; it exists
			// only to prove reachability, not to be delivered.
			continue
		}
		select {
		case b.events <- BackendEvent{Kind: BackendEventData, From: delivery.From, Payload: delivery.Payload}:
		case <-b.closeCh:
			return
		}
	}
}

func (b *gcommBackend) Events() <-chan BackendEvent {
	return b.events
}

func (b *gcommBackend) Close() error {
	b.once.Do(func() {
		close(b.closeCh)
		b.trans.Close()
		close(b.events)
	})
	return nil
}
