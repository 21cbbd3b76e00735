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

// TxCompletion reports the fate of one submitted frame
type TxCompletion struct {
	Queue  Queue
	Seq    uint32
	Status transport.Status
	Err    error
}

// Stamp edits a frame in its slot before the slot is handed to the
// endpoint. frame is the copied payload and seq the number Submit returns.
type Stamp func(frame []byte, seq uint32)

// Reporter receives TX completions in submission order. It runs in the
// completion context and must not block.
type Reporter func(TxCompletion)

// TxStats counts TX ring activity
type TxStats struct {
	Queue     string `json:"queue"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	QueueFull uint64 `json:"queue_full"`
	Used      int    `json:"used"`
}

// TxQueue is a FIFO ring of OUT transfers. Submit fills the slot at end;
// completions retire slots from start in order, so a frame is reported
// only after every frame submitted before it.
type TxQueue struct {
	id      Queue
	bus     transport.Bus
	ep      transport.Endpoint
	flags   *state.Flags
	log     *slog.Logger
	report  Reporter
	entries int
	bufSize int

	submitMu sync.Mutex // one submitter at a time keeps slot order
	mu       sync.Mutex
	r        ring
	used     int
	seq      uint32
	closed   bool
	freed    bool
	drained  chan struct{}
	signaled bool

	ticket uint64 // next retirement batch, under mu

	reportMu   sync.Mutex
	reportCond *sync.Cond
	serving    uint64 // batch allowed to report, under reportMu

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	full      atomic.Uint64
}

// NewTxQueue prepares a TX ring on ep. Nothing is allocated until Init.
func NewTxQueue(id Queue, bus transport.Bus, ep transport.Endpoint, flags *state.Flags, entries, bufSize int, report Reporter, log *slog.Logger) *TxQueue {
	q := &TxQueue{
		id:      id,
		bus:     bus,
		ep:      ep,
		flags:   flags,
		log:     logging.For(log, logging.ComponentDMA).With("ring", id.String(), "ep", ep.String()),
		report:  report,
		entries: entries,
		bufSize: bufSize,
	}
	q.reportCond = sync.NewCond(&q.reportMu)
	return q
}

// Init allocates the ring. Slots stay idle until frames are submitted.
func (q *TxQueue) Init(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.r.slots != nil && !q.freed {
		return fmt.Errorf("tx ring %s already initialized", q.id)
	}
	if err := q.r.alloc(q.bus, q.ep, q.entries, q.bufSize, q.completion); err != nil {
		q.r.slots = nil
		return err
	}
	q.used = 0
	q.closed, q.freed = false, false
	q.drained = make(chan struct{})
	q.signaled = false
	return nil
}

func (q *TxQueue) completion(i int) transport.Completion {
	return func(status transport.Status, n int) {
		q.complete(i, status, n)
	}
}

// Submit copies payload into the next free slot and hands it to the
// endpoint. It returns the frame's sequence number, or ErrQueueFull when
// every slot is in flight; the frame is not retained in that case.
func (q *TxQueue) Submit(payload []byte) (uint32, error) {
	return q.SubmitStamp(payload, nil)
}

// SubmitStamp is Submit with stamp run on the slot's copy of the payload
// once its sequence number is fixed. The caller's payload is not modified.
func (q *TxQueue) SubmitStamp(payload []byte, stamp Stamp) (uint32, error) {
	if WrappedLen(len(payload)) > q.bufSize {
		return 0, fmt.Errorf("%w: %d byte frame, %d byte slots", ErrFrameTooLarge, len(payload), q.bufSize)
	}

	q.submitMu.Lock()
	defer q.submitMu.Unlock()

	q.mu.Lock()
	switch {
	case q.flags.Removed():
		q.mu.Unlock()
		return 0, state.ErrDeviceRemoved
	case q.closed || q.r.slots == nil:
		q.mu.Unlock()
		return 0, ErrClosed
	case q.used == len(q.r.slots):
		q.mu.Unlock()
		q.full.Add(1)
		q.log.Debug("queue full", "used", len(q.r.slots))
		return 0, ErrQueueFull
	}
	i := q.r.end
	s := &q.r.slots[i]
	s.state = slotReserved
	s.seq = q.seq
	seq := s.seq
	q.seq++
	q.used++
	q.r.end = q.r.next(i)
	q.mu.Unlock()

	n, err := Wrap(s.buf, payload, PortWLAN, TypePacket, PacketFlags(q.id.qsel()))
	if err == nil && stamp != nil {
		stamp(s.buf[HdrLen:HdrLen+len(payload)], seq)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil && q.closed {
		err = ErrClosed
	}
	if err == nil {
		s.n = n
		s.state = slotSubmitted
		err = s.xfer.Submit(s.buf[:n], s.done)
		if errors.Is(err, transport.ErrNoDevice) {
			q.flags.MarkRemoved()
		}
	}
	if err != nil {
		// Only this submitter moves end and seq, so the reservation is
		// still the newest slot.
		s.state = slotIdle
		q.seq--
		q.used--
		q.r.end = i
		q.checkDrainedLocked()
		return 0, fmt.Errorf("tx %s: %w", q.id, err)
	}
	q.submitted.Add(1)
	return seq, nil
}

func (q *TxQueue) complete(i int, status transport.Status, n int) {
	q.mu.Lock()
	s := &q.r.slots[i]
	if st := s.state; st != slotSubmitted {
		q.mu.Unlock()
		q.log.Error("completion for slot not in flight", "slot", i, "state", st)
		return
	}
	s.state = slotDone
	s.status = status
	if status == transport.StatusOK && n != s.n {
		s.status = transport.StatusError
		q.log.Warn("short tx write", "slot", i, "wrote", n, "len", s.n)
	}
	if status == transport.StatusNoDevice && q.flags.MarkRemoved() {
		q.log.Warn("device removed")
	}

	var buf [8]TxCompletion
	done := buf[:0]
	for q.used > 0 {
		head := &q.r.slots[q.r.start]
		if head.state != slotDone {
			break
		}
		done = append(done, TxCompletion{
			Queue:  q.id,
			Seq:    head.seq,
			Status: head.status,
			Err:    head.status.Err(),
		})
		head.state = slotIdle
		q.r.start = q.r.next(q.r.start)
		q.used--
	}
	q.checkDrainedLocked()
	if len(done) == 0 {
		q.mu.Unlock()
		return
	}
	ticket := q.ticket
	q.ticket++
	q.mu.Unlock()

	// Batches are reported in the order they were retired.
	q.reportMu.Lock()
	for q.serving != ticket {
		q.reportCond.Wait()
	}
	defer func() {
		q.serving++
		q.reportCond.Broadcast()
		q.reportMu.Unlock()
	}()

	for _, c := range done {
		q.completed.Add(1)
		if c.Status != transport.StatusOK {
			q.failed.Add(1)
			if c.Status != transport.StatusCancelled {
				q.log.Warn("tx failed", "seq", c.Seq, "status", c.Status)
			}
		}
		if q.report != nil {
			q.report(c)
		}
	}
}

func (q *TxQueue) checkDrainedLocked() {
	if q.closed && q.used == 0 && !q.signaled {
		q.signaled = true
		close(q.drained)
	}
}

// Teardown refuses new frames, cancels in-flight slots and waits until every
// slot has retired before freeing the ring. Calling it again is safe.
func (q *TxQueue) Teardown(ctx context.Context) error {
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
		left := q.used
		q.mu.Unlock()
		return fmt.Errorf("%w: %d tx slots outstanding on %s: %w", ErrTeardownTimeout, left, q.id, ctx.Err())
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.freed {
		q.r.free()
		q.freed = true
	}
	return nil
}

// Stats returns a snapshot of the ring counters
func (q *TxQueue) Stats() TxStats {
	q.mu.Lock()
	used := q.used
	q.mu.Unlock()
	return TxStats{
		Queue:     q.id.String(),
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		QueueFull: q.full.Load(),
		Used:      used,
	}
}

// Occupancy reports which slots are currently in use
func (q *TxQueue) Occupancy() []bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]bool, len(q.r.slots))
	for i := range q.r.slots {
		out[i] = q.r.slots[i].state != slotIdle
	}
	return out
}

func (q *TxQueue) bounds() (start, end, used int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.r.start, q.r.end, q.used
}
