package packet

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfOrder is returned when a packet arrives that is neither the
	// next expected packet nor a resend of the previous one.
	ErrOutOfOrder = errors.New("packet out of order")

	// ErrOutOfRange is returned for packet numbers outside 1..total.
	ErrOutOfRange = errors.New("packet number out of range")
)

type pending struct {
	expected uint32
	total    int32
	buf      []byte
}

// maxCompleted bounds how many delivered message ids are remembered for
// spotting late resends of their final packet.
const maxCompleted = 64

// Reassembler rebuilds messages from packets, one pending buffer per
// message id. A message that violates ordering is discarded so the peer
// has to resend it from the first packet.
type Reassembler struct {
	mu      sync.Mutex
	pending map[int32]*pending

	// delivered message id -> packet total, oldest id first in order
	completed map[int32]int32
	order     []int32
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{
		pending:   make(map[int32]*pending),
		completed: make(map[int32]int32),
	}
}

// Add consumes one packet. It returns the full message once the final
// packet has been added. A resend of the packet accepted just before, or
// of the final packet of a recently delivered message, is ignored without
// error.
func (r *Reassembler) Add(p Packet) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Total < 1 || p.Number < 1 || p.Number > uint32(p.Total) {
		delete(r.pending, p.MessageID)
		return nil, false, errors.Wrapf(ErrOutOfRange, "packet %d of %d for message %d", p.Number, p.Total, p.MessageID)
	}

	st, ok := r.pending[p.MessageID]
	if !ok {
		if total, seen := r.completed[p.MessageID]; seen && int32(p.Number) == total {
			// resend of the final packet after the message was delivered
			return nil, false, nil
		}
		st = &pending{expected: 1, total: p.Total}
	}

	if p.Number+1 == st.expected {
		return nil, false, nil
	}

	if p.Number != st.expected || p.Total != st.total {
		delete(r.pending, p.MessageID)
		return nil, false, errors.Wrapf(ErrOutOfOrder, "message %d: got packet %d/%d, want %d/%d",
			p.MessageID, p.Number, p.Total, st.expected, st.total)
	}

	st.buf = append(st.buf, p.Payload...)
	st.expected++

	if int32(p.Number) == p.Total {
		delete(r.pending, p.MessageID)
		r.remember(p.MessageID, p.Total)
		return st.buf, true, nil
	}

	r.pending[p.MessageID] = st
	return nil, false, nil
}

// Expected reports the next packet number awaited for a message id.
func (r *Reassembler) Expected(messageID int32) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.pending[messageID]
	if !ok {
		return 0, false
	}
	return st.expected, true
}

// InProgress reports whether any message is partially received.
func (r *Reassembler) InProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

// Reset drops every partial message.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[int32]*pending)
	r.completed = make(map[int32]int32)
	r.order = nil
}

func (r *Reassembler) remember(id, total int32) {
	if _, ok := r.completed[id]; !ok {
		r.order = append(r.order, id)
	}
	r.completed[id] = total
	if len(r.order) > maxCompleted {
		delete(r.completed, r.order[0])
		r.order = r.order[1:]
	}
}
