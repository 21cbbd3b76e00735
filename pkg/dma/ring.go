// Package dma keeps the bulk endpoints busy with fixed rings of reusable
// transfers: one RX ring that is always armed, and one TX ring per hardware
// queue that accepts frames in FIFO order.
//
// Buffers and transfer handles are allocated once by Init and reused until
// Teardown. Ring bookkeeping is guarded by a per-ring mutex held only for
// index updates and submissions; completion handlers never sleep under it.
package dma

import (
	"fmt"

	"github.com/herlein/wlanusb/pkg/transport"
)

type slotState uint8

const (
	slotIdle       slotState = iota
	slotReserved             // owned by a TX submitter filling the buffer
	slotSubmitted            // in flight
	slotCompleting           // RX completion handler running
	slotDone                 // TX completed, waiting to retire in order
)

var slotStateNames = [...]string{"idle", "reserved", "submitted", "completing", "done"}

func (s slotState) String() string {
	if int(s) < len(slotStateNames) {
		return slotStateNames[s]
	}
	return "invalid"
}

// slot is one transfer handle paired with its buffer
type slot struct {
	xfer   transport.Transfer
	buf    []byte
	n      int
	state  slotState
	seq    uint32
	status transport.Status
	done   transport.Completion
}

// ring is the slot array and circular indices shared by RX and TX queues.
// start is the oldest slot still owned by the hardware side, end is one
// past the most recently handed out slot.
type ring struct {
	slots []slot
	arena []byte
	start int
	end   int
}

// alloc creates entries transfers on ep, each with a size-byte window of a
// single arena. done builds the per-slot completion once so the completion
// path does not allocate.
func (r *ring) alloc(bus transport.Bus, ep transport.Endpoint, entries, size int, done func(i int) transport.Completion) error {
	if entries <= 0 || size <= 0 {
		return fmt.Errorf("%w: %d entries of %d bytes", ErrAllocation, entries, size)
	}
	r.arena = make([]byte, entries*size)
	r.slots = make([]slot, entries)
	r.start, r.end = 0, 0
	for i := range r.slots {
		x, err := bus.NewTransfer(ep)
		if err != nil {
			r.free()
			return fmt.Errorf("%w: %s slot %d: %w", ErrAllocation, ep, i, err)
		}
		r.slots[i] = slot{
			xfer: x,
			buf:  r.arena[i*size : (i+1)*size : (i+1)*size],
			done: done(i),
		}
	}
	return nil
}

func (r *ring) free() {
	for i := range r.slots {
		if x := r.slots[i].xfer; x != nil {
			x.Free()
			r.slots[i].xfer = nil
		}
	}
}

func (r *ring) next(i int) int {
	i++
	if i == len(r.slots) {
		return 0
	}
	return i
}

// cancelSubmitted asks every in-flight slot to complete early
func (r *ring) cancelSubmitted() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].state == slotSubmitted {
			r.slots[i].xfer.Cancel()
			n++
		}
	}
	return n
}
