package dma

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/transport"
)

// reports collects completions in the order the reporter saw them
type reports struct {
	mu  sync.Mutex
	got []TxCompletion
}

func (r *reports) add(c TxCompletion) {
	r.mu.Lock()
	r.got = append(r.got, c)
	r.mu.Unlock()
}

func (r *reports) list() []TxCompletion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TxCompletion(nil), r.got...)
}

func newTestTx(t *testing.T, sim *transport.Sim, entries int) (*TxQueue, *reports, *state.Flags, transport.Endpoint) {
	t.Helper()
	flags := &state.Flags{}
	rep := &reports{}
	ep := sim.Endpoints().Out[QueueBE.endpoint()]
	q := NewTxQueue(QueueBE, sim, ep, flags, entries, 64, rep.add, logging.Discard())
	if err := q.Init(context.Background()); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	return q, rep, flags, ep
}

func checkTxBounds(t *testing.T, q *TxQueue, start, end, used int) {
	t.Helper()
	s, e, u := q.bounds()
	if s != start || e != end || u != used {
		t.Errorf("bounds = start %d end %d used %d, want %d %d %d", s, e, u, start, end, used)
	}
}

func TestTx_QueueFull(t *testing.T) {
	sim := transport.NewSim()
	sim.HoldWrites(true)
	q, rep, _, ep := newTestTx(t, sim, 4)

	for i := 0; i < 4; i++ {
		seq, err := q.Submit([]byte{byte(i)})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if seq != uint32(i) {
			t.Errorf("submit %d: seq %d", i, seq)
		}
	}
	checkTxBounds(t, q, 0, 0, 4)

	if _, err := q.Submit([]byte{4}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("fifth submit = %v, want ErrQueueFull", err)
	}
	if st := q.Stats(); st.QueueFull != 1 || st.Used != 4 {
		t.Errorf("stats = %+v", st)
	}

	if !sim.Complete(ep, transport.StatusOK) {
		t.Fatal("nothing pending")
	}
	got := rep.list()
	if len(got) != 1 || got[0].Seq != 0 || got[0].Status != transport.StatusOK || got[0].Err != nil {
		t.Fatalf("reports = %+v", got)
	}
	checkTxBounds(t, q, 1, 0, 3)

	seq, err := q.Submit([]byte{4})
	if err != nil || seq != 4 {
		t.Fatalf("submit after completion = %d, %v", seq, err)
	}
	checkTxBounds(t, q, 1, 1, 4)

	if w := sim.Written(ep); len(w) != 5 {
		t.Errorf("written frames = %d, want 5", len(w))
	}
	teardown(t, q.Teardown)
}

func TestTx_ReportsInSubmissionOrder(t *testing.T) {
	sim := transport.NewSim()
	sim.HoldWrites(true)
	q, rep, _, _ := newTestTx(t, sim, 4)

	for i := 0; i < 3; i++ {
		if _, err := q.Submit([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	// Finish the ring out of order by hand
	q.complete(2, transport.StatusOK, q.r.slots[2].n)
	q.complete(1, transport.StatusStall, 0)
	if got := rep.list(); len(got) != 0 {
		t.Fatalf("reported before the head completed: %+v", got)
	}
	checkTxBounds(t, q, 0, 3, 3)

	q.complete(0, transport.StatusOK, q.r.slots[0].n)
	got := rep.list()
	if len(got) != 3 {
		t.Fatalf("reports = %+v", got)
	}
	for i, c := range got {
		if c.Seq != uint32(i) {
			t.Errorf("report %d has seq %d", i, c.Seq)
		}
	}
	if !errors.Is(got[1].Err, transport.ErrStall) {
		t.Errorf("report 1 err = %v", got[1].Err)
	}
	checkTxBounds(t, q, 3, 3, 0)
	if st := q.Stats(); st.Completed != 3 || st.Failed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestTx_ShortWriteFails(t *testing.T) {
	sim := transport.NewSim()
	sim.HoldWrites(true)
	q, rep, _, _ := newTestTx(t, sim, 4)

	if _, err := q.Submit([]byte("frame")); err != nil {
		t.Fatal(err)
	}
	q.complete(0, transport.StatusOK, 3)

	got := rep.list()
	if len(got) != 1 || got[0].Status != transport.StatusError {
		t.Errorf("reports = %+v", got)
	}
}

func TestTx_SubmitFailureRollsBack(t *testing.T) {
	sim := transport.NewSim()
	q, _, _, ep := newTestTx(t, sim, 4)

	sim.FailSubmit(ep, 1)
	if _, err := q.Submit([]byte("x")); !errors.Is(err, transport.ErrIO) {
		t.Fatalf("Submit() = %v, want ErrIO", err)
	}
	checkTxBounds(t, q, 0, 0, 0)

	seq, err := q.Submit([]byte("y"))
	if err != nil || seq != 0 {
		t.Errorf("Submit() after failure = %d, %v", seq, err)
	}
	sim.Wait()
	teardown(t, q.Teardown)
}

func TestTx_SubmitStamp(t *testing.T) {
	sim := transport.NewSim()
	q, _, _, ep := newTestTx(t, sim, 4)

	stampSeq := func(frame []byte, seq uint32) { frame[0] = byte(seq) | 0x80 }
	for i := 0; i < 3; i++ {
		payload := []byte{0, byte(i)}
		seq, err := q.SubmitStamp(payload, stampSeq)
		if err != nil {
			t.Fatal(err)
		}
		if seq != uint32(i) {
			t.Errorf("seq = %d, want %d", seq, i)
		}
		if payload[0] != 0 {
			t.Errorf("caller payload modified: %v", payload)
		}
	}
	sim.Wait()

	written := sim.Written(ep)
	if len(written) != 3 {
		t.Fatalf("%d frames written", len(written))
	}
	for i, w := range written {
		if got, want := w[HdrLen], byte(i)|0x80; got != want {
			t.Errorf("frame %d stamp = %#x, want %#x", i, got, want)
		}
		if w[HdrLen+1] != byte(i) {
			t.Errorf("frame %d payload = %v", i, w[HdrLen:HdrLen+2])
		}
	}
	teardown(t, q.Teardown)
}

func TestTx_StampSeesRolledBackSeqAgain(t *testing.T) {
	sim := transport.NewSim()
	q, _, _, ep := newTestTx(t, sim, 4)

	var stamped []uint32
	stamp := func(_ []byte, seq uint32) { stamped = append(stamped, seq) }

	sim.FailSubmit(ep, 1)
	if _, err := q.SubmitStamp([]byte("x"), stamp); err == nil {
		t.Fatal("SubmitStamp() succeeded with a failing endpoint")
	}
	seq, err := q.SubmitStamp([]byte("y"), stamp)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 || len(stamped) != 2 || stamped[0] != 0 || stamped[1] != 0 {
		t.Errorf("seq = %d, stamped %v", seq, stamped)
	}
	sim.Wait()
	teardown(t, q.Teardown)
}

func TestTx_Rejections(t *testing.T) {
	sim := transport.NewSim()
	q, _, flags, _ := newTestTx(t, sim, 4)

	if _, err := q.Submit(make([]byte, 64)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("oversize Submit() = %v", err)
	}

	flags.MarkRemoved()
	if _, err := q.Submit([]byte("x")); !errors.Is(err, state.ErrDeviceRemoved) {
		t.Errorf("Submit() after removal = %v", err)
	}
	teardown(t, q.Teardown)
}

func TestTx_TeardownCancelsInFlight(t *testing.T) {
	sim := transport.NewSim()
	sim.HoldWrites(true)
	q, rep, _, ep := newTestTx(t, sim, 4)

	for i := 0; i < 4; i++ {
		if _, err := q.Submit([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	teardown(t, q.Teardown)

	got := rep.list()
	if len(got) != 4 {
		t.Fatalf("reports = %+v", got)
	}
	for i, c := range got {
		if c.Seq != uint32(i) || c.Status != transport.StatusCancelled || !errors.Is(c.Err, transport.ErrCancelled) {
			t.Errorf("report %d = %+v", i, c)
		}
	}
	if p := sim.Pending(ep); p != 0 {
		t.Errorf("pending = %d", p)
	}

	teardown(t, q.Teardown)
	if _, err := q.Submit([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after teardown = %v", err)
	}
}

func TestTx_Unplug(t *testing.T) {
	sim := transport.NewSim()
	sim.HoldWrites(true)
	q, rep, flags, _ := newTestTx(t, sim, 4)

	for i := 0; i < 2; i++ {
		if _, err := q.Submit([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	sim.Unplug()

	if !flags.Removed() {
		t.Error("device not marked removed")
	}
	got := rep.list()
	if len(got) != 2 || !errors.Is(got[0].Err, transport.ErrNoDevice) {
		t.Errorf("reports = %+v", got)
	}
	teardown(t, q.Teardown)
}

func TestTx_ConcurrentSubmitters(t *testing.T) {
	sim := transport.NewSim()
	q, rep, _, ep := newTestTx(t, sim, 8)

	const workers, each = 4, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; {
				_, err := q.Submit([]byte{byte(w), byte(i)})
				switch {
				case errors.Is(err, ErrQueueFull):
					runtime.Gosched()
				case err != nil:
					t.Errorf("worker %d: %v", w, err)
					return
				default:
					i++
				}
			}
		}(w)
	}
	wg.Wait()
	sim.Wait()

	got := rep.list()
	if len(got) != workers*each {
		t.Fatalf("reports = %d, want %d", len(got), workers*each)
	}
	for i, c := range got {
		if c.Seq != uint32(i) {
			t.Fatalf("report %d has seq %d", i, c.Seq)
		}
	}
	if w := sim.Written(ep); len(w) != workers*each {
		t.Errorf("written = %d", len(w))
	}
	checkTxBounds(t, q, (workers*each)%8, (workers*each)%8, 0)
	teardown(t, q.Teardown)
}
