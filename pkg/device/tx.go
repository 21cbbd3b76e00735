package device

import (
	"context"
	"fmt"

	"github.com/herlein/wlanusb/pkg/dma"
	"github.com/herlein/wlanusb/pkg/regs"
	"github.com/herlein/wlanusb/pkg/state"
	"github.com/herlein/wlanusb/pkg/wcid"
)

// Every frame handed to Tx starts with a TX descriptor. Tx writes the
// packet id into it so status entries can be traced back to the frame.
const (
	TxwiLen   = 20
	TxwiPktID = 19 // packet id byte within the descriptor
)

// The packet id carries the queue in its top bits and the low bits of the
// ring sequence below them
const (
	pktIDSeqBits = 5
	pktIDSeqMask = 1<<pktIDSeqBits - 1
)

// PacketID is the id Tx stamps on frame seq of queue q
func PacketID(q dma.Queue, seq uint32) uint8 {
	return uint8(q)<<pktIDSeqBits | uint8(seq&pktIDSeqMask)
}

// stampPacketID fills the descriptor's packet id with the ring sequence
func stampPacketID(q dma.Queue) dma.Stamp {
	return func(frame []byte, seq uint32) {
		frame[TxwiPktID] = PacketID(q, seq)
	}
}

// TxStatus is one entry of the hardware TX status FIFO
type TxStatus struct {
	Valid   bool
	Success bool
	Aggr    bool
	AckReq  bool
	PIDType uint8
	PktID   uint8
	WCID    uint8
	Rate    uint16
	Retry   uint8

	// Peer is the wcid binding at the time the entry was read, or nil
	Peer *wcid.Entry
}

// DecodeTxStatus splits the FIFO and extension words
func DecodeTxStatus(fifo, ext uint32) TxStatus {
	return TxStatus{
		Valid:   fifo&regs.TxStatValid != 0,
		Success: fifo&regs.TxStatSuccess != 0,
		Aggr:    fifo&regs.TxStatAggr != 0,
		AckReq:  fifo&regs.TxStatAckReq != 0,
		PIDType: uint8(regs.Field(regs.TxStatPIDType, fifo)),
		WCID:    uint8(regs.Field(regs.TxStatWCID, fifo)),
		Rate:    uint16(regs.Field(regs.TxStatRate, fifo)),
		Retry:   uint8(regs.Field(regs.TxStatExtRetry, ext)),
		PktID:   uint8(regs.Field(regs.TxStatExtPktID, ext)),
	}
}

// Queue is the ring the reported frame went out on
func (s TxStatus) Queue() dma.Queue {
	return dma.Queue(s.PktID >> pktIDSeqBits)
}

// Matches reports whether the entry belongs to the frame Tx numbered seq
// on q. Only the low bits of seq are carried, so entries more than a few
// dozen frames stale can alias.
func (s TxStatus) Matches(q dma.Queue, seq uint32) bool {
	return s.PktID == PacketID(q, seq)
}

func (s TxStatus) String() string {
	res := "fail"
	if s.Success {
		res = "ok"
	}
	return fmt.Sprintf("wcid %d pkt %d (%s) %s retry %d rate %#04x", s.WCID, s.PktID, s.Queue(), res, s.Retry, s.Rate)
}

// PollTxStatus drains up to the configured budget of TX status entries and
// hands each to the status reporter. Only one drain runs at a time; a call
// that finds one running marks MoreStats and returns. more reports that the
// budget ran out with entries possibly left, so the caller should poll again.
func (d *Device) PollTxStatus(ctx context.Context) (n int, more bool, err error) {
	if err := d.flags.Require(state.Initialized); err != nil {
		return 0, false, err
	}
	if d.flags.Set(state.ReadingStats) {
		d.flags.Set(state.MoreStats)
		return 0, true, nil
	}
	defer d.flags.Clear(state.ReadingStats)
	d.flags.Clear(state.MoreStats)

	budget := d.cfg.Device.TxStatusBudget
	for n < budget {
		// the extension word latches with the FIFO pop, so it goes first
		ext, err := d.regs.Read(ctx, regs.RegTxStatFIFOExt)
		if err != nil {
			return n, false, err
		}
		fifo, err := d.regs.Read(ctx, regs.RegTxStatFIFO)
		if err != nil {
			return n, false, err
		}
		st := DecodeTxStatus(fifo, ext)
		if !st.Valid {
			return n, d.flags.Has(state.MoreStats), nil
		}
		st.Peer = d.peer.Lookup(st.WCID)
		n++
		if d.onStatus != nil {
			d.onStatus(st)
		}
	}
	d.flags.Set(state.MoreStats)
	d.log.Debug("tx status budget exhausted", "entries", n)
	return n, true, nil
}
