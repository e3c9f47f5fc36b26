package chanmux

import (
	"fmt"
	"sync/atomic"
)

// ChanStats keeps track of both currently open and total channel counts for
// a Multiplexer.
type ChanStats struct {
	count int32
	open  int32
}

// New adds one to the total channel count in a ChanStats.
func (c *ChanStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open adds one to the current open channel count in a ChanStats.
func (c *ChanStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close subtracts one from the current open channel count in a ChanStats.
func (c *ChanStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

func (c *ChanStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
