package gcs

import (
	"bytes"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// MemberNameMax bounds a member id to 40 bytes including its
// terminator, per gcs.h's GCS_MEMBER_NAME_MAX.
const MemberNameMax = 40

// ConfPayload is the wire layout of a CONF action's data region:
// seqno:i64, conf_id:i64, group_uuid:16 bytes, st_required:u8,
// memb_num:i64, my_idx:i64, followed by a sequence of member ids.
type ConfPayload struct {
	Seqno       Seqno
	ConfID      int64
	GroupUUID   UUID
	StRequired  bool
	MemberNum   int64
	MyIdx       int64
	MemberNames []string
}

// NonPrimaryConfID is the conf_id carried by a CONF synthesized for a
// non-primary view.
const NonPrimaryConfID int64 = -1

// Encode serializes the payload with msgpack, the same codec the
// teacher's net_transport.go uses for RPC framing, after checking that
// every member name fits the wire bound; an over-long name is rejected
// with an error, not truncated.
func (c ConfPayload) Encode() ([]byte, error) {
	for _, name := range c.MemberNames {
		if len(name)+1 > MemberNameMax {
			return nil, fmt.Errorf("gcs: member name %q exceeds %d bytes including terminator", name, MemberNameMax)
		}
	}

	if c.MemberNum == 0 && c.MyIdx != -1 {
		return nil, fmt.Errorf("gcs: my_idx must be -1 when memb_num is 0, got %d", c.MyIdx)
	}
	if c.MemberNum > 0 && (c.MyIdx < 0 || c.MyIdx >= c.MemberNum) {
		return nil, fmt.Errorf("gcs: my_idx %d out of range [0, %d)", c.MyIdx, c.MemberNum)
	}

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("gcs: encode CONF action: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeConfPayload is the inverse of Encode.
func DecodeConfPayload(data []byte) (ConfPayload, error) {
	var c ConfPayload
	dec := codec.NewDecoder(bytes.NewReader(data), &codec.MsgpackHandle{})
	if err := dec.Decode(&c); err != nil {
		return ConfPayload{}, fmt.Errorf("gcs: decode CONF action: %w", err)
	}
	return c, nil
}

// IsPrimary reports whether this configuration has quorum.
func (c ConfPayload) IsPrimary() bool {
	return c.ConfID != NonPrimaryConfID
}
