package dma

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/transport"
)

const testRxEntries = 8

func newTestRx(t *testing.T, bus transport.Bus, handler Handler) (*RxQueue, *state.Flags, transport.Endpoint) {
	t.Helper()
	flags := &state.Flags{}
	ep := bus.Endpoints().In[transport.EPInPacket]
	q := NewRxQueue(bus, ep, flags, testRxEntries, 256, handler, logging.Discard())
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	return q, flags, ep
}

func teardown(t *testing.T, fn func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		t.Fatalf("Teardown() = %v", err)
	}
}

func checkRxBounds(t *testing.T, q *RxQueue) {
	t.Helper()
	start, end, pending := q.bounds()
	if start < 0 || start >= testRxEntries || end < 0 || end >= testRxEntries {
		t.Fatalf("indices out of range: start %d end %d", start, end)
	}
	if pending < 0 || pending > testRxEntries {
		t.Fatalf("pending = %d", pending)
	}
}

func TestRx_InitArmsEverySlot(t *testing.T) {
	sim := transport.NewSim()
	q, _, ep := newTestRx(t, sim, nil)

	if got := sim.Pending(ep); got != testRxEntries {
		t.Errorf("pending transfers = %d, want %d", got, testRxEntries)
	}
	if err := q.Init(context.Background()); err == nil {
		t.Error("second Init() succeeded")
	}
	teardown(t, q.Teardown)
}

func TestRx_ResubmitsAfterEveryCompletion(t *testing.T) {
	sim := transport.NewSim()
	var got []string
	q, _, ep := newTestRx(t, sim, func(s Segment) {
		got = append(got, string(s.Data))
	})

	for i := 0; i < 3*testRxEntries; i++ {
		frame := AppendSegment(nil, []byte{'a' + byte(i%26), 0, 0, 0}, 0)
		if !sim.Deliver(ep, frame) {
			t.Fatalf("deliver %d: nothing pending", i)
		}
		if p := sim.Pending(ep); p != testRxEntries {
			t.Fatalf("after deliver %d: %d transfers pending, want %d", i, p, testRxEntries)
		}
		checkRxBounds(t, q)
	}

	if len(got) != 3*testRxEntries {
		t.Fatalf("handler saw %d segments", len(got))
	}
	if got[0][0] != 'a' || got[1][0] != 'b' {
		t.Errorf("segments out of order: %q", got[:2])
	}
	st := q.Stats()
	if st.Transfers != 3*testRxEntries || st.Segments != 3*testRxEntries || st.Degraded {
		t.Errorf("stats = %+v", st)
	}
	teardown(t, q.Teardown)
}

func TestRx_BadTransfersStillResubmit(t *testing.T) {
	sim := transport.NewSim()
	q, _, ep := newTestRx(t, sim, nil)

	sim.Deliver(ep, make([]byte, 1024)) // larger than the slot
	sim.Deliver(ep, []byte{7, 0, 0, 0, 1})
	sim.Complete(ep, transport.StatusStall)

	if p := sim.Pending(ep); p != testRxEntries {
		t.Errorf("pending = %d, want %d", p, testRxEntries)
	}
	st := q.Stats()
	if st.Errors != 2 || st.Dropped != 1 {
		t.Errorf("stats = %+v, want 2 errors 1 dropped", st)
	}
	teardown(t, q.Teardown)
}

func TestRx_ConcurrentCompletions(t *testing.T) {
	sim := transport.NewSim()
	var segs atomic.Int64
	q, _, ep := newTestRx(t, sim, func(Segment) { segs.Add(1) })

	const workers, each = 4, 200
	frame := AppendSegment(nil, []byte("data"), 0)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; {
				if sim.Deliver(ep, frame) {
					i++
				}
			}
		}()
	}
	wg.Wait()

	if segs.Load() != workers*each {
		t.Errorf("segments = %d, want %d", segs.Load(), workers*each)
	}
	if p := sim.Pending(ep); p != testRxEntries {
		t.Errorf("pending = %d, want %d", p, testRxEntries)
	}
	checkRxBounds(t, q)
	teardown(t, q.Teardown)
}

func TestRx_ResubmitFailureDegrades(t *testing.T) {
	sim := transport.NewSim()
	q, _, ep := newTestRx(t, sim, nil)

	sim.FailSubmit(ep, 1)
	sim.Deliver(ep, AppendSegment(nil, []byte("abcd"), 0))

	if !q.Degraded() || !errors.Is(q.Err(), ErrRingDegraded) {
		t.Fatal("ring not degraded after failed resubmit")
	}
	if p := sim.Pending(ep); p != testRxEntries-1 {
		t.Errorf("pending = %d, want %d", p, testRxEntries-1)
	}
	if st := q.Stats(); st.ResubmitFailures != 1 {
		t.Errorf("resubmit failures = %d", st.ResubmitFailures)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Restart(ctx); err != nil {
		t.Fatalf("Restart() = %v", err)
	}
	if q.Degraded() {
		t.Error("still degraded after Restart")
	}
	if p := sim.Pending(ep); p != testRxEntries {
		t.Errorf("pending after restart = %d, want %d", p, testRxEntries)
	}
	teardown(t, q.Teardown)
}

func TestRx_InitSubmitFailure(t *testing.T) {
	sim := transport.NewSim()
	flags := &state.Flags{}
	ep := sim.Endpoints().In[transport.EPInPacket]
	sim.FailSubmit(ep, 1)

	q := NewRxQueue(sim, ep, flags, testRxEntries, 256, nil, logging.Discard())
	err := q.Init(context.Background())
	if !errors.Is(err, ErrAllocation) || !errors.Is(err, transport.ErrIO) {
		t.Fatalf("Init() = %v, want ErrAllocation wrapping ErrIO", err)
	}
	sim.Wait()
	if p := sim.Pending(ep); p != 0 {
		t.Errorf("pending after failed init = %d", p)
	}
}

func TestRx_Unplug(t *testing.T) {
	sim := transport.NewSim()
	q, flags, ep := newTestRx(t, sim, nil)

	sim.Unplug()

	if !flags.Removed() {
		t.Error("device not marked removed")
	}
	if q.Degraded() {
		t.Error("removal reported as degradation")
	}
	if p := sim.Pending(ep); p != 0 {
		t.Errorf("pending = %d", p)
	}
	teardown(t, q.Teardown)
}

func TestRx_TeardownTwice(t *testing.T) {
	sim := transport.NewSim()
	q, _, ep := newTestRx(t, sim, nil)

	teardown(t, q.Teardown)
	teardown(t, q.Teardown)
	sim.Wait()
	if p := sim.Pending(ep); p != 0 {
		t.Errorf("pending = %d", p)
	}
	if _, _, pending := q.bounds(); pending != 0 {
		t.Errorf("ring pending = %d", pending)
	}
}

// stuckBus hands out transfers that ignore Cancel
type stuckBus struct {
	*transport.Sim
}

type stuckTransfer struct {
	transport.Transfer
}

func (stuckTransfer) Cancel() {}

func (b stuckBus) NewTransfer(ep transport.Endpoint) (transport.Transfer, error) {
	x, err := b.Sim.NewTransfer(ep)
	if err != nil {
		return nil, err
	}
	return stuckTransfer{x}, nil
}

func TestRx_TeardownTimeout(t *testing.T) {
	sim := transport.NewSim()
	q, _, ep := newTestRx(t, stuckBus{sim}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Teardown(ctx)
	if !errors.Is(err, ErrTeardownTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Teardown() = %v, want ErrTeardownTimeout", err)
	}

	for sim.Complete(ep, transport.StatusCancelled) {
	}
	teardown(t, q.Teardown)
	if _, _, pending := q.bounds(); pending != 0 {
		t.Errorf("pending = %d", pending)
	}
}
