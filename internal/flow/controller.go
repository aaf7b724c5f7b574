// Package flow implements the flow controller: it
// watches each member's slave-queue depth and emits FLOW(stop)/
// FLOW(cont) transitions as the high/low water marks are crossed.
package flow

import (
	"sync"

	"github.com/wangjia184/sortedset"
)

// Transition is reported through the OnTransition callback whenever a
// member crosses the high or low water mark.
type Transition struct {
	Member string
	Stop   bool
}

// Controller ranks members by slave-queue depth using a sorted set,
// so the highest depth (Highest) is a single max-score read. Whether
// any member has an outstanding stop is tracked separately, in the
// stopped set that ShouldWait reads.
type Controller struct {
	mutex sync.Mutex

	depths  *sortedset.SortedSet
	stopped map[string]bool

	high, low int

	onTransition func(Transition)
}

// New creates a Controller with the given high/low water marks. high
// must be strictly greater than low.
func New(high, low int, onTransition func(Transition)) *Controller {
	return &Controller{
		depths:       sortedset.New(),
		stopped:      make(map[string]bool),
		high:         high,
		low:          low,
		onTransition: onTransition,
	}
}

// UpdateDepth records member's current slave-queue depth and fires a
// transition if this crossing changes its stop state.
func (c *Controller) UpdateDepth(member string, depth int) {
	c.mutex.Lock()
	c.depths.AddOrUpdate(member, sortedset.SCORE(depth), depth)

	wasStopped := c.stopped[member]
	var transition *Transition
	if !wasStopped && depth >= c.high {
		c.stopped[member] = true
		transition = &Transition{Member: member, Stop: true}
	} else if wasStopped && depth <= c.low {
		delete(c.stopped, member)
		transition = &Transition{Member: member, Stop: false}
	}
	c.mutex.Unlock()

	if transition != nil && c.onTransition != nil {
		c.onTransition(*transition)
	}
}

// RemoveMember drops a member that left the view. If it was
// contributing an outstanding stop, that stop is cleared since it can
// no longer be resolved by a future FLOW(cont) from that member.
func (c *Controller) RemoveMember(member string) {
	c.mutex.Lock()
	c.depths.Remove(member)
	delete(c.stopped, member)
	c.mutex.Unlock()
}

// ShouldWait reports whether any member currently has an outstanding
// stop: the application should suspend submissions until the
// outstanding stop count returns to zero. This is the advisory result
// Connection.Wait surfaces to the application; it never blocks the
// caller itself.
func (c *Controller) ShouldWait() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.stopped) > 0
}

// Highest returns the current maximum observed depth across all
// tracked members, used for diagnostics.
func (c *Controller) Highest() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	max := c.depths.PeekMax()
	if max == nil {
		return 0
	}
	return max.Value.(int)
}
