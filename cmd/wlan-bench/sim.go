package main

import (
	"context"
	"sync"
	"time"

	"github.com/herlein/wlanusb/pkg/device"
	"github.com/herlein/wlanusb/pkg/dma"
	"github.com/herlein/wlanusb/pkg/mcu"
	"github.com/herlein/wlanusb/pkg/regs"
	"github.com/herlein/wlanusb/pkg/transport"
)

// simAdapter is a transport.Sim with firmware that acknowledges commands
// and an air side that drains TX slots, loops frames back into the RX ring
// and queues a TX status entry carrying each frame's packet id
type simAdapter struct {
	*transport.Sim

	mu     sync.Mutex
	status [][2]uint32 // fifo, ext
	wcid   uint8
}

func newSimAdapter() *simAdapter {
	s := &simAdapter{Sim: transport.NewSim()}
	s.SetReg(regs.RegASICVersion, 0x76010001)
	s.SetReg(regs.RegMACCSR0, 0x76010500)
	s.SetReg(regs.RegMACAddrDW0, 0x76430c00)
	s.SetReg(regs.RegMACAddrDW1, 0xff3412)

	eps := s.Endpoints()
	s.SetResponder(eps.Out[transport.EPOutInbandCmd], eps.In[transport.EPInCmdResp], func(frame []byte) []byte {
		f, err := mcu.ParseFrame(frame)
		if err != nil || f.Seq == 0 {
			return nil
		}
		return mcu.AppendResponse(nil, f.Seq, mcu.EvtCmdDone, nil)
	})

	s.HandleRead(regs.RegTxStatFIFOExt, func() uint32 {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.status) == 0 {
			return 0
		}
		return s.status[0][1]
	})
	s.HandleRead(regs.RegTxStatFIFO, func() uint32 {
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(s.status) == 0 {
			return 0
		}
		e := s.status[0]
		s.status = s.status[1:]
		return e[0]
	})
	return s
}

// setPeer picks the wcid reported in TX status entries
func (s *simAdapter) setPeer(idx uint8) {
	s.mu.Lock()
	s.wcid = idx
	s.mu.Unlock()
}

// pktID reads the packet id out of a wrapped TX frame
func pktID(frame []byte) (uint8, bool) {
	if len(frame) < dma.HdrLen+device.TxwiLen {
		return 0, false
	}
	return frame[dma.HdrLen+device.TxwiPktID], true
}

func (s *simAdapter) pushStatus(pkt, retry uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fifo := uint32(regs.TxStatValid|regs.TxStatSuccess|regs.TxStatAckReq) |
		regs.SetField(regs.TxStatWCID, uint32(s.wcid))
	ext := regs.SetField(regs.TxStatExtRetry, uint32(retry)) |
		regs.SetField(regs.TxStatExtPktID, uint32(pkt))
	// the hardware FIFO holds 16 entries and drops the rest
	if len(s.status) < 16 {
		s.status = append(s.status, [2]uint32{fifo, ext})
	}
}

// air completes one held write per data endpoint every period until ctx
// is done
func (s *simAdapter) air(ctx context.Context, period time.Duration, payload int) {
	eps := s.Endpoints()
	seg := dma.AppendSegment(nil, make([]byte, payload), 0)
	rx := eps.In[transport.EPInPacket]
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for ep := transport.EPOutACBE; ep <= transport.EPOutHCCA; ep++ {
			frame, ok := s.Head(eps.Out[ep])
			if !ok || !s.Complete(eps.Out[ep], transport.StatusOK) {
				continue
			}
			n++
			if pkt, ok := pktID(frame); ok {
				s.pushStatus(pkt, uint8(n%3))
			}
			s.Deliver(rx, seg)
		}
	}
}
