package dma

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/transport"
)

// Handler receives each segment of a completed RX transfer. It runs in the
// completion context; Data is reused as soon as it returns.
type Handler func(Segment)

// RxStats counts RX ring activity
type RxStats struct {
	Transfers        uint64 `json:"transfers"`
	Segments         uint64 `json:"segments"`
	Dropped          uint64 `json:"dropped"`
	Errors           uint64 `json:"errors"`
	ResubmitFailures uint64 `json:"resubmit_failures"`
	Pending          int    `json:"pending"`
	Degraded         bool   `json:"degraded"`
}

// RxQueue keeps every slot of the RX ring submitted. Each completion is
// processed and its slot resubmitted before the handler returns.
type RxQueue struct {
	bus     transport.Bus
	ep      transport.Endpoint
	flags   *state.Flags
	log     *slog.Logger
	handler Handler
	entries int
	bufSize int

	r  ring
	mu sync.Mutex

	pending  int // slots owned by the hardware
	active   int // completions being processed
	closed   bool
	freed    bool
	degraded bool
	drained  chan struct{}
	signaled bool

	transfers    atomic.Uint64
	segments     atomic.Uint64
	dropped      atomic.Uint64
	errs         atomic.Uint64
	resubmitFail atomic.Uint64
}

// NewRxQueue prepares an RX ring on ep. Nothing is allocated until Init.
func NewRxQueue(bus transport.Bus, ep transport.Endpoint, flags *state.Flags, entries, bufSize int, handler Handler, log *slog.Logger) *RxQueue {
	if handler == nil {
		handler = func(Segment) {}
	}
	return &RxQueue{
		bus:     bus,
		ep:      ep,
		flags:   flags,
		log:     logging.For(log, logging.ComponentDMA).With("ring", "rx", "ep", ep.String()),
		handler: handler,
		entries: entries,
		bufSize: bufSize,
	}
}

// Init allocates every slot and submits all of them
func (q *RxQueue) Init(ctx context.Context) error {
	q.mu.Lock()
	if q.r.slots != nil && !q.freed {
		q.mu.Unlock()
		return fmt.Errorf("rx ring on %s already initialized", q.ep)
	}
	if err := q.r.alloc(q.bus, q.ep, q.entries, q.bufSize, q.completion); err != nil {
		q.r.slots = nil
		q.mu.Unlock()
		return err
	}
	q.pending, q.active = 0, 0
	q.closed, q.freed, q.degraded = false, false, false
	q.drained = make(chan struct{})
	q.signaled = false

	for i := range q.r.slots {
		if err := q.submitLocked(i); err != nil {
			q.mu.Unlock()
			if terr := q.Teardown(ctx); terr != nil {
				q.log.Error("teardown after failed init", "err", terr)
			}
			return fmt.Errorf("%w: submit rx slot %d: %w", ErrAllocation, i, err)
		}
	}
	q.mu.Unlock()
	q.log.Debug("rx ring armed", "entries", q.entries, "buf", q.bufSize)
	return nil
}

func (q *RxQueue) completion(i int) transport.Completion {
	return func(status transport.Status, n int) {
		q.complete(i, status, n)
	}
}

func (q *RxQueue) submitLocked(i int) error {
	s := &q.r.slots[i]
	s.state = slotSubmitted
	q.pending++
	if err := s.xfer.Submit(s.buf, s.done); err != nil {
		s.state = slotIdle
		q.pending--
		if errors.Is(err, transport.ErrNoDevice) {
			q.flags.MarkRemoved()
		}
		return err
	}
	q.r.end = q.r.next(i)
	return nil
}

func (q *RxQueue) stoppingLocked() bool {
	return q.closed || q.flags.Removed()
}

func (q *RxQueue) complete(i int, status transport.Status, n int) {
	q.mu.Lock()
	s := &q.r.slots[i]
	if st := s.state; st != slotSubmitted {
		q.mu.Unlock()
		q.log.Error("completion for slot not in flight", "slot", i, "state", st)
		return
	}
	q.pending--
	q.r.start = q.r.next(i)

	if status == transport.StatusNoDevice && q.flags.MarkRemoved() {
		q.log.Warn("device removed")
	}
	if q.stoppingLocked() || status == transport.StatusCancelled || status == transport.StatusNoDevice {
		s.state = slotIdle
		if !q.stoppingLocked() {
			q.degraded = true
			q.log.Error("rx slot cancelled while running", "slot", i)
		}
		q.checkDrainedLocked()
		q.mu.Unlock()
		return
	}
	s.state = slotCompleting
	q.active++
	q.mu.Unlock()

	q.transfers.Add(1)
	switch {
	case status != transport.StatusOK:
		q.errs.Add(1)
		q.log.Warn("rx transfer failed", "slot", i, "status", status)
	case n < 0 || n > len(s.buf):
		q.dropped.Add(1)
		q.log.Warn("rx length out of range", "slot", i, "len", n, "cap", len(s.buf))
	case n > 0:
		q.process(s.buf[:n])
	}

	q.mu.Lock()
	q.active--
	if q.stoppingLocked() {
		s.state = slotIdle
		q.checkDrainedLocked()
		q.mu.Unlock()
		return
	}
	if err := q.submitLocked(i); err != nil {
		q.degraded = true
		q.resubmitFail.Add(1)
		q.log.Error("rx resubmit failed, ring degraded", "slot", i, "err", err)
		q.checkDrainedLocked()
	}
	q.mu.Unlock()
}

func (q *RxQueue) process(data []byte) {
	n, err := SplitSegments(data, q.handler)
	q.segments.Add(uint64(n))
	if err != nil {
		q.dropped.Add(1)
		q.log.Debug("dropping rx remainder", "segments", n, "err", err)
	}
}

func (q *RxQueue) checkDrainedLocked() {
	if q.closed && q.pending == 0 && q.active == 0 && !q.signaled {
		q.signaled = true
		close(q.drained)
	}
}

// Teardown stops resubmission, cancels in-flight slots and waits for their
// completions before freeing the ring. If ctx expires first it returns
// ErrTeardownTimeout and leaves the ring allocated. Calling it again is safe.
func (q *RxQueue) Teardown(ctx context.Context) error {
	q.mu.Lock()
	if q.r.slots == nil || q.freed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.r.cancelSubmitted()
	q.checkDrainedLocked()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
		q.mu.Lock()
		left := q.pending + q.active
		q.mu.Unlock()
		return fmt.Errorf("%w: %d rx transfers outstanding on %s: %w", ErrTeardownTimeout, left, q.ep, ctx.Err())
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.freed {
		q.r.free()
		q.freed = true
	}
	return nil
}

// Restart tears the ring down and arms a fresh one
func (q *RxQueue) Restart(ctx context.Context) error {
	if err := q.Teardown(ctx); err != nil {
		return err
	}
	q.log.Info("restarting rx ring")
	return q.Init(ctx)
}

// Degraded reports whether a slot was lost and Restart is needed
func (q *RxQueue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// Err returns ErrRingDegraded while the ring is missing slots
func (q *RxQueue) Err() error {
	if q.Degraded() {
		return ErrRingDegraded
	}
	return nil
}

// Stats returns a snapshot of the ring counters
func (q *RxQueue) Stats() RxStats {
	q.mu.Lock()
	pending, degraded := q.pending, q.degraded
	q.mu.Unlock()
	return RxStats{
		Transfers:        q.transfers.Load(),
		Segments:         q.segments.Load(),
		Dropped:          q.dropped.Load(),
		Errors:           q.errs.Load(),
		ResubmitFailures: q.resubmitFail.Load(),
		Pending:          pending,
		Degraded:         degraded,
	}
}

// Occupancy reports which slots are currently owned by the hardware
func (q *RxQueue) Occupancy() []bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]bool, len(q.r.slots))
	for i := range q.r.slots {
		out[i] = q.r.slots[i].state != slotIdle
	}
	return out
}

// bounds exposes the indices for invariant checks
func (q *RxQueue) bounds() (start, end, pending int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.r.start, q.r.end, q.pending
}
