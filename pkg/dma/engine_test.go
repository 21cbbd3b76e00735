package dma

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/herlein/wlanusb/pkg/logging"
	"github.com/herlein/wlanusb/pkg/regs"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/transport"
)

func TestQueue_String(t *testing.T) {
	tests := []struct {
		q    Queue
		want string
	}{
		{QueueBE, "be"},
		{QueueVO, "vo"},
		{QueueMgmt, "mgmt"},
		{Queue(9), "queue(9)"},
	}
	for _, tt := range tests {
		if got := tt.q.String(); got != tt.want {
			t.Errorf("Queue(%d).String() = %q, want %q", int(tt.q), got, tt.want)
		}
	}
}

func TestEngine_RoutesQueues(t *testing.T) {
	sim := transport.NewSim()
	rep := &reports{}
	cfg := Config{RxEntries: 4, RxBufSize: 512, TxEntries: 4, TxBufSize: 128}

	e, err := NewEngine(sim, &state.Flags{}, cfg, nil, rep.add, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Init(context.Background()); err != nil {
		t.Fatalf("Init() = %v", err)
	}

	eps := sim.Endpoints()
	if p := sim.Pending(eps.In[transport.EPInPacket]); p != 4 {
		t.Errorf("rx pending = %d, want 4", p)
	}

	tests := []struct {
		q    Queue
		ep   int
		qsel QSel
	}{
		{QueueBE, transport.EPOutACBE, QSelEDCA},
		{QueueBK, transport.EPOutACBK, QSelEDCA},
		{QueueVI, transport.EPOutACVI, QSelEDCA},
		{QueueVO, transport.EPOutACVO, QSelEDCA},
		{QueueMgmt, transport.EPOutHCCA, QSelMgmt},
	}
	for _, tt := range tests {
		if _, err := e.Submit(tt.q, []byte("payload")); err != nil {
			t.Fatalf("Submit(%s) = %v", tt.q, err)
		}
		w := sim.Written(eps.Out[tt.ep])
		if len(w) != 1 {
			t.Fatalf("%s: %d frames on %s", tt.q, len(w), eps.Out[tt.ep])
		}
		info := binary.LittleEndian.Uint32(w[0])
		if got := QSel(regs.Field(TxPktQSel, info)); got != tt.qsel {
			t.Errorf("%s: qsel %d, want %d", tt.q, got, tt.qsel)
		}
		if Port(regs.Field(TxInfoPort, info)) != PortWLAN {
			t.Errorf("%s: wrong port in %#x", tt.q, info)
		}
	}

	if _, err := e.Submit(NumQueues, []byte("x")); err == nil {
		t.Error("Submit on invalid queue succeeded")
	}

	sim.Wait()
	st := e.Stats()
	if len(st.Tx) != int(NumQueues) || st.Rx.Pending != 4 {
		t.Errorf("stats = %+v", st)
	}
	for _, tx := range st.Tx {
		if tx.Submitted != 1 || tx.Completed != 1 {
			t.Errorf("%s stats = %+v", tx.Queue, tx)
		}
	}
	if len(rep.list()) != int(NumQueues) {
		t.Errorf("reports = %d", len(rep.list()))
	}

	teardown(t, e.Teardown)
	teardown(t, e.Teardown)
	sim.Wait()
	if p := sim.Pending(eps.In[transport.EPInPacket]); p != 0 {
		t.Errorf("rx pending after teardown = %d", p)
	}
}

func TestEngine_InitFailureCleansUp(t *testing.T) {
	sim := transport.NewSim()
	eps := sim.Endpoints()
	sim.FailSubmit(eps.In[transport.EPInPacket], 1)

	e, err := NewEngine(sim, &state.Flags{}, Config{RxEntries: 4, RxBufSize: 512, TxEntries: 2, TxBufSize: 128}, nil, nil, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Init(context.Background()); err == nil {
		t.Fatal("Init() succeeded")
	}
	if _, err := e.Submit(QueueBE, []byte("x")); err == nil {
		t.Error("Submit after failed Init succeeded")
	}
}
