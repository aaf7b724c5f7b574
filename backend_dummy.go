package gcs

import (
	"fmt"
	"sync"
)

// dummyHub is the in-process loopback shared by every dummyBackend
// that opened the same channel: it is the transport used by the
// "dummy://" scheme for single-process development and unit tests.
//
// Broadcast is serialized on the hub's mutex, which is what gives the
// dummy backend the total-order guarantee every backend must provide:
// every member observes broadcasts (and view changes) in the
// same order, including its own.
type dummyHub struct {
	mu      sync.Mutex
	members map[string]*dummyBackend
}

var dummyHubs = struct {
	mu       sync.Mutex
	channels map[string]*dummyHub
}{channels: make(map[string]*dummyHub)}

func hubFor(channel string) *dummyHub {
	dummyHubs.mu.Lock()
	defer dummyHubs.mu.Unlock()
	h, ok := dummyHubs.channels[channel]
	if !ok {
		h = &dummyHub{members: make(map[string]*dummyBackend)}
		dummyHubs.channels[channel] = h
	}
	return h
}

type dummyBackend struct {
	id      string
	hub     *dummyHub
	channel string
	events  chan BackendEvent
	closed  bool
	mu      sync.Mutex
}

// newDummyBackend creates an in-process backend. address, if
// non-empty, is used verbatim as the member id; otherwise a random
// UUID is generated.
func newDummyBackend(address string, config *Config) (Backend, error) {
	id := address
	if id == "" {
		uuid, err := GenerateUUID()
		if err != nil {
			return nil, err
		}
		id = uuid.String()
	}

	return &dummyBackend{
		id:     id,
		events: make(chan BackendEvent, 64),
	}, nil
}

func (d *dummyBackend) LocalID() string {
	return d.id
}

func (d *dummyBackend) Open(channel string) error {
	d.channel = channel
	d.hub = hubFor(channel)

	d.hub.mu.Lock()
	d.hub.members[d.id] = d
	view := d.hub.viewLocked()
	for _, member := range d.hub.members {
		member.deliverLocked(BackendEvent{Kind: BackendEventView, View: view})
	}
	d.hub.mu.Unlock()
	return nil
}

func (h *dummyHub) viewLocked() View {
	members := make([]string, 0, len(h.members))
	for id := range h.members {
		members = append(members, id)
	}
	return View{Primary: len(members) > 0, Members: members}
}

func (d *dummyBackend) deliverLocked(evt BackendEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- evt:
	default:
		// The dummy backend never blocks the hub's broadcast lock on a
		// slow consumer; a full buffer drops the event the way an
		// overloaded transport would drop a datagram.
	}
}

func (d *dummyBackend) Broadcast(payload []byte) error {
	if d.hub == nil {
		return fmt.Errorf("gcs: dummy backend not open")
	}

	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	for _, member := range d.hub.members {
		member.deliverLocked(BackendEvent{Kind: BackendEventData, From: d.id, Payload: payload})
	}
	return nil
}

func (d *dummyBackend) Events() <-chan BackendEvent {
	return d.events
}

func (d *dummyBackend) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.hub != nil {
		d.hub.mu.Lock()
		delete(d.hub.members, d.id)
		view := d.hub.viewLocked()
		for _, member := range d.hub.members {
			member.deliverLocked(BackendEvent{Kind: BackendEventView, View: view})
		}
		d.hub.mu.Unlock()
	}

	close(d.events)
	return nil
}
