package gcs

import (
	"fmt"
	"net/url"
)

// BackendEventKind distinguishes a delivered data frame from a view
// change notification, the two inputs the group state machine and
// fragmentation codec consume.
type BackendEventKind uint8

const (
	BackendEventData BackendEventKind = iota
	BackendEventView
)

// View describes the backend's current membership, delivered inline
// with message delivery: every backend must deliver view-change
// notifications inline with message delivery, never as a separate
// out-of-band callback.
type View struct {
	Primary bool
	Members []string
}

// BackendEvent is one unit handed by a Backend to its owning
// Connection: either a raw fragment frame from a member, or a view
// change.
type BackendEvent struct {
	Kind    BackendEventKind
	From    string
	Payload []byte
	View    View
}

// Backend is the pluggable transport driver a Connection runs on. It
// is the Go analogue of the source's backend_t operations, generalized
// one level up from a pluggable dialer to a pluggable backend as a
// whole, so dummy/gcomm/spread can share one Connection
// implementation.
type Backend interface {
	// LocalID identifies this member on the backend.
	LocalID() string

	// Open joins the named channel. Every subsequent Broadcast is
	// scoped to this channel.
	Open(channel string) error

	// Broadcast hands payload to the backend for total-order delivery
	// to every current member, including the sender.
	Broadcast(payload []byte) error

	// Events returns the channel of incoming frames and view changes.
	// It is closed once the backend has fully shut down.
	Events() <-chan BackendEvent

	// Close releases the backend's resources.
	Close() error
}

// driver constructs a Backend from the address component of a
// backend URL and the connection's configuration.
type driver func(address string, config *Config) (Backend, error)

var registry = map[string]driver{
	"dummy":  newDummyBackend,
	"gcomm":  newGcommBackend,
	"spread": newSpreadBackend,
}

// RegisterBackend installs a driver for scheme, so an application can
// plug in a backend this module does not ship, exactly as gcs.h
// allows out-of-tree backend_t implementations.
func RegisterBackend(scheme string, d driver) {
	registry[scheme] = d
}

// openBackend parses a backend URL of the form scheme://address and
// dispatches to the registered driver.
func openBackend(backendURL string, config *Config) (Backend, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("gcs: parse backend url %q: %w", backendURL, err)
	}

	d, ok := registry[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}

	address := u.Host + u.Path
	return d(address, config)
}

// newSpreadBackend is registered but not compiled in: we do not
// vendor a Spread client, consistent with never fabricating
// dependencies. A real implementation would live in its own file
// behind this same Backend interface.
func newSpreadBackend(address string, config *Config) (Backend, error) {
	return nil, fmt.Errorf("%w: spread backend is not compiled into this build", ErrBackendUnavailable)
}
