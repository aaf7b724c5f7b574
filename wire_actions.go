package gcs

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/jabolina/gcs/internal/frag"
)

// wireFragment mirrors frag.Fragment's exported shape for msgpack
// framing; frag.Fragment itself is not addressable from this package
// without an import cycle risk if it ever needed gcs types, so we
// keep a flat, codec-friendly copy here.
type wireFragment struct {
	Sender  string
	Serial  uint64
	Index   uint32
	Last    bool
	Kind    uint8
	Payload []byte
}

func encodeFragment(f frag.Fragment) ([]byte, error) {
	return msgpackEncode(wireFragment{
		Sender:  string(f.Header.Sender),
		Serial:  f.Header.Serial,
		Index:   f.Header.Index,
		Last:    f.Header.Last,
		Kind:    f.Header.Kind,
		Payload: f.Payload,
	})
}

func decodeFragment(data []byte) (frag.Fragment, error) {
	var w wireFragment
	if err := msgpackDecode(data, &w); err != nil {
		return frag.Fragment{}, err
	}
	return frag.Fragment{
		Header: frag.Header{
			Sender: frag.PeerID(w.Sender),
			Serial: w.Serial,
			Index:  w.Index,
			Last:   w.Last,
			Kind:   w.Kind,
		},
		Payload: w.Payload,
	}, nil
}

// wireLastAppliedHint tags a fragment header's Kind byte for a
// set_last_applied hint. It deliberately falls outside the public
// ActionKind range so the reassembler and dispatch loop can route it
// without it ever reaching the application as an Action.
const wireLastAppliedHint uint8 = 0xF0

// JoinPayload is the wire body of a JOIN action: who donated, who
// joined, and the donor-reported status (>=0 success, <0 failure).
type JoinPayload struct {
	DonorID  string
	JoinerID string
	Status   Seqno
}

func (p JoinPayload) encode() ([]byte, error) {
	return msgpackEncode(p)
}

func decodeJoinPayload(data []byte) (JoinPayload, error) {
	var p JoinPayload
	err := msgpackDecode(data, &p)
	return p, err
}

// FlowPayload is the wire body of a FLOW action.
type FlowPayload struct {
	Member string
	Stop   bool
}

func (p FlowPayload) encode() ([]byte, error) {
	return msgpackEncode(p)
}

func decodeFlowPayload(data []byte) (FlowPayload, error) {
	var p FlowPayload
	err := msgpackDecode(data, &p)
	return p, err
}

func encodeLastAppliedHint(s Seqno) ([]byte, error) {
	return msgpackEncode(s)
}

func decodeLastAppliedHint(data []byte) (Seqno, error) {
	var s Seqno
	err := msgpackDecode(data, &s)
	return s, err
}

func msgpackEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("gcs: encode wire payload: %w", err)
	}
	return buf.Bytes(), nil
}

func msgpackDecode(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), &codec.MsgpackHandle{})
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("gcs: decode wire payload: %w", err)
	}
	return nil
}

// selectDonor deterministically picks a donor for joinerID from
// view's membership: every member runs this against the same
// agreed-upon view and reaches the same answer without further
// coordination, since view delivery is itself totally ordered.
// The candidate pool excludes the joiner itself; the
// lowest member id (lexically) is chosen for determinism. Returns ""
// and -1 if no eligible candidate exists.
func selectDonor(view View, joinerID string) (string, int) {
	candidates := make([]string, 0, len(view.Members))
	for _, m := range view.Members {
		if m != joinerID {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", -1
	}
	sort.Strings(candidates)
	donor := candidates[0]

	for idx, m := range view.Members {
		if m == donor {
			return donor, idx
		}
	}
	return donor, -1
}
