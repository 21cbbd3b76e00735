package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
)

func TestSim_VendorWriteHalves(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	if _, err := sim.Control(ctx, VendorWrite, DirOut, 0x5678, 0x1004, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := sim.Control(ctx, VendorWrite, DirOut, 0x1234, 0x1006, nil); err != nil {
		t.Fatal(err)
	}
	if got := sim.Reg(0x1004); got != 0x12345678 {
		t.Errorf("Reg(0x1004) = %#x, want 0x12345678", got)
	}

	buf := make([]byte, 4)
	if _, err := sim.Control(ctx, VendorMultiRead, DirIn, 0, 0x1004, buf); err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0x12345678 {
		t.Errorf("multi read = %#x, want 0x12345678", got)
	}
}

func TestSim_WriteHandler(t *testing.T) {
	sim := NewSim()
	ctx := context.Background()

	var seen uint32
	sim.HandleWrite(0x20, func(v uint32) uint32 {
		seen = v
		return v &^ 0x1
	})
	buf := []byte{0x03, 0x00, 0x00, 0x80}
	if _, err := sim.Control(ctx, VendorMultiWrite, DirOut, 0, 0x20, buf); err != nil {
		t.Fatal(err)
	}
	if seen != 0x80000003 {
		t.Errorf("handler saw %#x, want 0x80000003", seen)
	}
	if got := sim.Reg(0x20); got != 0x80000002 {
		t.Errorf("Reg(0x20) = %#x, want 0x80000002", got)
	}
}

func TestSim_FailControl(t *testing.T) {
	sim := NewSim()
	boom := errors.New("boom")
	sim.FailControl(2, boom)

	for i := 0; i < 2; i++ {
		if _, err := sim.Control(context.Background(), VendorMultiRead, DirIn, 0, 0, make([]byte, 4)); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want boom", i, err)
		}
	}
	if _, err := sim.Control(context.Background(), VendorMultiRead, DirIn, 0, 0, make([]byte, 4)); err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if got := sim.ControlCalls(); got != 3 {
		t.Errorf("ControlCalls() = %d, want 3", got)
	}
}

func TestSim_DeliverCompletesOldestFirst(t *testing.T) {
	sim := NewSim()
	ep := sim.Endpoints().In[EPInPacket]

	var order []int
	for i := 0; i < 2; i++ {
		i := i
		x, err := sim.NewTransfer(ep)
		if err != nil {
			t.Fatal(err)
		}
		if err := x.Submit(make([]byte, 8), func(st Status, n int) {
			if st != StatusOK || n != 3 {
				t.Errorf("completion %d: status %v n %d", i, st, n)
			}
			order = append(order, i)
		}); err != nil {
			t.Fatal(err)
		}
	}

	sim.Deliver(ep, []byte{1, 2, 3})
	sim.Deliver(ep, []byte{4, 5, 6})
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Errorf("completion order = %v, want [0 1]", order)
	}
	if sim.Deliver(ep, []byte{7}) {
		t.Error("Deliver() with nothing pending reported true")
	}
}

func TestSim_DoubleSubmit(t *testing.T) {
	sim := NewSim()
	ep := sim.Endpoints().In[EPInPacket]
	x, _ := sim.NewTransfer(ep)

	if err := x.Submit(make([]byte, 4), func(Status, int) {}); err != nil {
		t.Fatal(err)
	}
	if err := x.Submit(make([]byte, 4), func(Status, int) {}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Submit() = %v, want ErrBusy", err)
	}
}

func TestSim_OutWritesAndResponder(t *testing.T) {
	sim := NewSim()
	eps := sim.Endpoints()
	cmd, resp := eps.Out[EPOutInbandCmd], eps.In[EPInCmdResp]

	sim.SetResponder(cmd, resp, func(frame []byte) []byte {
		return append([]byte("re:"), frame...)
	})

	rx, _ := sim.NewTransfer(resp)
	got := make(chan []byte, 1)
	buf := make([]byte, 32)
	rx.Submit(buf, func(st Status, n int) {
		got <- append([]byte(nil), buf[:n]...)
	})

	tx, _ := sim.NewTransfer(cmd)
	wrote := make(chan Status, 1)
	if err := tx.Submit([]byte("ping"), func(st Status, n int) { wrote <- st }); err != nil {
		t.Fatal(err)
	}

	if st := <-wrote; st != StatusOK {
		t.Errorf("write status = %v", st)
	}
	if b := <-got; !bytes.Equal(b, []byte("re:ping")) {
		t.Errorf("response = %q", b)
	}
	sim.Wait()
	if w := sim.Written(cmd); len(w) != 1 || string(w[0]) != "ping" {
		t.Errorf("Written() = %q", w)
	}
}

func TestSim_ResponseWaitsForArmedTransfer(t *testing.T) {
	sim := NewSim()
	eps := sim.Endpoints()
	cmd, resp := eps.Out[EPOutInbandCmd], eps.In[EPInCmdResp]
	sim.SetResponder(cmd, resp, func(frame []byte) []byte { return []byte("ack") })

	tx, _ := sim.NewTransfer(cmd)
	wrote := make(chan Status, 1)
	tx.Submit([]byte("ping"), func(st Status, n int) { wrote <- st })
	<-wrote
	sim.Wait()

	rx, _ := sim.NewTransfer(resp)
	got := make(chan string, 1)
	buf := make([]byte, 16)
	if err := rx.Submit(buf, func(st Status, n int) { got <- string(buf[:n]) }); err != nil {
		t.Fatal(err)
	}
	if b := <-got; b != "ack" {
		t.Errorf("response = %q", b)
	}
	if p := sim.Pending(resp); p != 0 {
		t.Errorf("pending = %d", p)
	}
}

func TestSim_HoldWritesAndCancel(t *testing.T) {
	sim := NewSim()
	ep := sim.Endpoints().Out[EPOutACBE]
	sim.HoldWrites(true)

	x, _ := sim.NewTransfer(ep)
	done := make(chan Status, 1)
	x.Submit([]byte{1}, func(st Status, n int) { done <- st })
	if sim.Pending(ep) != 1 {
		t.Fatalf("Pending() = %d, want 1", sim.Pending(ep))
	}

	x.Cancel()
	if st := <-done; st != StatusCancelled {
		t.Errorf("status = %v, want cancelled", st)
	}
	if sim.Pending(ep) != 0 {
		t.Errorf("Pending() = %d after cancel", sim.Pending(ep))
	}
}

func TestSim_HeadFollowsCompletionOrder(t *testing.T) {
	sim := NewSim()
	ep := sim.Endpoints().Out[EPOutACVI]
	sim.HoldWrites(true)

	if _, ok := sim.Head(ep); ok {
		t.Fatal("Head() on an idle endpoint reported a transfer")
	}
	a, _ := sim.NewTransfer(ep)
	b, _ := sim.NewTransfer(ep)
	a.Submit([]byte{1, 1}, func(Status, int) {})
	b.Submit([]byte{2, 2}, func(Status, int) {})

	for _, want := range []byte{1, 2} {
		head, ok := sim.Head(ep)
		if !ok || head[0] != want {
			t.Fatalf("Head() = %v, %v, want frame %d", head, ok, want)
		}
		if !sim.Complete(ep, StatusOK) {
			t.Fatal("Complete() found nothing pending")
		}
	}
	if _, ok := sim.Head(ep); ok {
		t.Error("Head() after draining reported a transfer")
	}
}

func TestSim_Unplug(t *testing.T) {
	sim := NewSim()
	ep := sim.Endpoints().In[EPInPacket]
	x, _ := sim.NewTransfer(ep)

	var status Status
	x.Submit(make([]byte, 4), func(st Status, n int) { status = st })
	sim.Unplug()

	if status != StatusNoDevice {
		t.Errorf("status = %v, want no-device", status)
	}
	if err := x.Submit(make([]byte, 4), func(Status, int) {}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Submit() after unplug = %v", err)
	}
	if _, err := sim.Control(context.Background(), VendorMultiRead, DirIn, 0, 0, make([]byte, 4)); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Control() after unplug = %v", err)
	}
}
