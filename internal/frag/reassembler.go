package frag

import (
	"fmt"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
)

// partial accumulates the fragments received so far for one
// in-flight (sender, serial) action.
type partial struct {
	kind       uint8
	nextIndex  uint32
	buf        []byte
	sealedSize int
}

// Reassembler reassembles fragments back into whole actions, one
// partial buffer per (sender, serial). Abandoned partials (a sender that never
// sends its last fragment, typically because it left the view) expire
// on their own via the TTL cache rather than leaking memory forever.
type Reassembler struct {
	mutex   sync.Mutex
	cache   *ttlcache.Cache
	partial map[string]*partial
}

// NewReassembler creates a Reassembler whose partial actions expire
// after ttl if never completed.
func NewReassembler(ttl time.Duration) *Reassembler {
	cache := ttlcache.NewCache()
	cache.SetTTL(ttl)
	r := &Reassembler{
		cache:   cache,
		partial: make(map[string]*partial),
	}
	cache.SetExpirationCallback(func(key string, value interface{}) {
		r.mutex.Lock()
		delete(r.partial, key)
		r.mutex.Unlock()
	})
	return r
}

func key(sender PeerID, serial uint64) string {
	return fmt.Sprintf("%s:%d", sender, serial)
}

// Add feeds one fragment into its sender's partial buffer. It returns
// (action, kind, true, nil) once the last fragment seals the action,
// (nil, 0, false, nil) while more fragments are expected, and a
// non-nil error on a duplicate or out-of-order fragment, which the
// caller surfaces as an ERROR action.
func (r *Reassembler) Add(f Fragment) ([]byte, uint8, bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	k := key(f.Header.Sender, f.Header.Serial)
	p, ok := r.partial[k]
	if !ok {
		if f.Header.Index != 0 {
			return nil, 0, false, fmt.Errorf("%w: sender %s serial %d started at index %d", errFragmentViolation, f.Header.Sender, f.Header.Serial, f.Header.Index)
		}
		p = &partial{kind: f.Header.Kind}
		r.partial[k] = p
		r.cache.Set(k, struct{}{})
	}

	if f.Header.Index != p.nextIndex {
		delete(r.partial, k)
		r.cache.Remove(k)
		return nil, 0, false, fmt.Errorf("%w: sender %s serial %d expected index %d got %d", errFragmentViolation, f.Header.Sender, f.Header.Serial, p.nextIndex, f.Header.Index)
	}

	p.buf = append(p.buf, f.Payload...)
	p.nextIndex++

	if !f.Header.Last {
		return nil, 0, false, nil
	}

	delete(r.partial, k)
	r.cache.Remove(k)
	return p.buf, p.kind, true, nil
}

// DropSender discards every in-flight partial action from sender,
// called when a view change removes that member: partially assembled
// actions from members no longer present are dropped and surfaced as
// ERROR to any local waiter. It returns the serials that were
// discarded so the caller can notify those waiters.
func (r *Reassembler) DropSender(sender PeerID) []uint64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	prefix := string(sender) + ":"
	var dropped []uint64
	for k, p := range r.partial {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			var serial uint64
			fmt.Sscanf(k[len(prefix):], "%d", &serial)
			dropped = append(dropped, serial)
			delete(r.partial, k)
			r.cache.Remove(k)
			_ = p
		}
	}
	return dropped
}

// Close releases the cache's background expiry goroutine.
func (r *Reassembler) Close() {
	r.cache.Close()
}

var errFragmentViolation = fmt.Errorf("fragment sequence violation")
