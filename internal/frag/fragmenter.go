package frag

import "fmt"

// Fragmenter splits an action into a sequence of fragments bounded by
// a configured maximum packet size.
type Fragmenter struct {
	maxPacketSize int
}

// NewFragmenter builds a Fragmenter honoring the given maximum packet
// size (header included); a default of 64500 bytes is recommended.
func NewFragmenter(maxPacketSize int) (*Fragmenter, error) {
	if maxPacketSize <= headerOverhead {
		return nil, fmt.Errorf("gcs: packet size %d too small for header overhead %d", maxPacketSize, headerOverhead)
	}
	return &Fragmenter{maxPacketSize: maxPacketSize}, nil
}

// Split divides action into fragments of at most maxPacketSize-headerOverhead
// payload bytes each, tagging every fragment with sender, serial and
// kind. An empty action still yields exactly one (zero-length) last
// fragment, preserving a zero-length action's round trip.
func (f *Fragmenter) Split(sender PeerID, serial uint64, kind uint8, action []byte) []Fragment {
	payloadSize := f.maxPacketSize - headerOverhead

	if len(action) == 0 {
		return []Fragment{{
			Header: Header{Sender: sender, Serial: serial, Index: 0, Last: true, Kind: kind},
		}}
	}

	var fragments []Fragment
	for offset, index := 0, uint32(0); offset < len(action); index++ {
		end := offset + payloadSize
		if end > len(action) {
			end = len(action)
		}
		last := end == len(action)
		fragments = append(fragments, Fragment{
			Header:  Header{Sender: sender, Serial: serial, Index: index, Last: last, Kind: kind},
			Payload: action[offset:end],
		})
		offset = end
	}
	return fragments
}
