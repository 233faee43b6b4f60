package packet

import (
	"math"
	"sync/atomic"
)

// IDGenerator hands out message ids. Ids wrap back to zero after
// math.MaxInt32.
type IDGenerator struct {
	next atomic.Int32
}

// Next returns the next message id.
func (g *IDGenerator) Next() int32 {
	for {
		cur := g.next.Load()
		n := cur + 1
		if cur == math.MaxInt32 {
			n = 0
		}
		if g.next.CompareAndSwap(cur, n) {
			return cur
		}
	}
}
