package frag

import (
	"bytes"
	"testing"
	"time"
)

func splitAndReassemble(t *testing.T, packetSize int, action []byte) []byte {
	t.Helper()
	f, err := NewFragmenter(packetSize)
	if err != nil {
		t.Fatalf("new fragmenter: %v", err)
	}

	fragments := f.Split("peer-a", 1, uint8(1), action)
	r := NewReassembler(time.Minute)
	defer r.Close()

	var result []byte
	for _, fr := range fragments {
		buf, kind, done, err := r.Add(fr)
		if err != nil {
			t.Fatalf("add fragment: %v", err)
		}
		if done {
			if kind != 1 {
				t.Fatalf("expected kind 1, got %d", kind)
			}
			result = buf
		}
	}
	return result
}

func TestFragmentationRoundTrip(t *testing.T) {
	const packetSize = 128
	payloadBudget := packetSize - headerOverhead

	sizes := []int{0, 1, payloadBudget - 1, payloadBudget, payloadBudget + 1, 10 * payloadBudget, 10*payloadBudget + 1}
	for _, s := range sizes {
		action := make([]byte, s)
		for i := range action {
			action[i] = byte(i)
		}

		got := splitAndReassemble(t, packetSize, action)
		if len(action) == 0 {
			if len(got) != 0 {
				t.Fatalf("size 0: expected empty result, got %d bytes", len(got))
			}
			continue
		}
		if !bytes.Equal(got, action) {
			t.Fatalf("size %d: round trip mismatch, got %d bytes", s, len(got))
		}
	}
}

func TestOutOfOrderFragmentIsAViolation(t *testing.T) {
	r := NewReassembler(time.Minute)
	defer r.Close()

	_, _, _, err := r.Add(Fragment{Header: Header{Sender: "p", Serial: 1, Index: 1, Last: false}})
	if err == nil {
		t.Fatal("expected error for fragment starting at non-zero index")
	}
}

func TestDuplicateFragmentIsAViolation(t *testing.T) {
	r := NewReassembler(time.Minute)
	defer r.Close()

	f1 := Fragment{Header: Header{Sender: "p", Serial: 1, Index: 0, Last: false}, Payload: []byte("a")}
	f2 := Fragment{Header: Header{Sender: "p", Serial: 1, Index: 0, Last: false}, Payload: []byte("b")}

	if _, _, _, err := r.Add(f1); err != nil {
		t.Fatalf("first fragment: %v", err)
	}
	if _, _, _, err := r.Add(f2); err == nil {
		t.Fatal("expected error for duplicate index 0 fragment")
	}
}

func TestDropSenderDiscardsPartials(t *testing.T) {
	r := NewReassembler(time.Minute)
	defer r.Close()

	f1 := Fragment{Header: Header{Sender: "p", Serial: 7, Index: 0, Last: false}, Payload: []byte("a")}
	if _, _, _, err := r.Add(f1); err != nil {
		t.Fatalf("add: %v", err)
	}

	dropped := r.DropSender("p")
	if len(dropped) != 1 || dropped[0] != 7 {
		t.Fatalf("expected serial 7 dropped, got %v", dropped)
	}

	// A fresh fragment resuming at index 0 now starts a new partial.
	if _, _, _, err := r.Add(f1); err != nil {
		t.Fatalf("expected fresh restart to succeed, got %v", err)
	}
}
