// Package frag fragments an action into bounded packets and
// reassembles them at the receiver, per the header and size policy in
// the action layer's contract: (sender, per-sender serial, fragment
// index, last flag, action kind).
package frag

// PeerID identifies the sender of a fragment.
type PeerID string

// Header is the fixed per-fragment header.
type Header struct {
	Sender PeerID
	Serial uint64
	Index  uint32
	Last   bool
	Kind   uint8
}

// Fragment pairs a header with its slice of the action payload.
type Fragment struct {
	Header  Header
	Payload []byte
}

// headerOverhead is the conservative budget reserved for a fragment's
// header when splitting an action against a packet-size ceiling.
// Sender, being a variable-length string, is not accounted exactly;
// this keeps the split policy independent of peer-id length.
const headerOverhead = 64
