package dma

import (
	"encoding/binary"
	"fmt"

	"github.com/herlein/wlanusb/pkg/regs"
)

// Frame layout on the bulk pipes.
//
// OUT: [le32 info][payload padded to 4][4 zero bytes]
// IN:  one or more segments of [le32 len][payload][le32 FCE info]
const (
	HdrLen     = 4
	FCEInfoLen = 4
	TrailerLen = 4
	MaxPayload = 0xfffc
)

// Port is the destination port of an OUT frame
type Port uint8

const (
	PortWLAN Port = iota
	PortCPURx
	PortCPUTx
	PortHost
	PortVirtualCPURx
	PortVirtualCPUTx
	PortDiscard
)

// InfoType distinguishes packets from MCU commands
type InfoType uint8

const (
	TypePacket InfoType = iota
	TypeCommand
)

// TX info word fields
const (
	TxInfoLen  = 0x0000ffff
	TxInfoPort = 0x38000000
	TxInfoType = 0xc0000000

	TxCmdSeq  = 0x000f0000
	TxCmdType = 0x07f00000

	TxPktNextValid = 1 << 16
	TxPktBurst     = 1 << 17
	TxPkt80211     = 1 << 19
	TxPktWIV       = 1 << 24
	TxPktQSel      = 0x06000000
)

// QSel is the hardware queue selector carried in packet info words
type QSel uint8

const (
	QSelMgmt QSel = iota
	QSelHCCA
	QSelEDCA
	QSelEDCA2
)

// RX and FCE info word fields
const (
	RxInfoLen   = 0x00003fff
	FCESelfGen  = 1 << 15
	FCECmdSeq   = 0x000f0000
	FCEEvtType  = 0x00f00000
	FCEInfoPort = 0x38000000
	FCEInfoType = 0xc0000000
)

func roundUp4(n int) int {
	return (n + 3) &^ 3
}

// WrappedLen is the on-wire size of an OUT frame carrying n payload bytes
func WrappedLen(n int) int {
	return HdrLen + roundUp4(n) + TrailerLen
}

// PacketFlags builds the packet-specific info bits for a data frame
func PacketFlags(q QSel) uint32 {
	return regs.SetField(TxPktQSel, uint32(q)) | TxPkt80211
}

// CommandFlags builds the command-specific info bits for an MCU command
func CommandFlags(seq, cmd uint8) uint32 {
	return regs.SetField(TxCmdSeq, uint32(seq)) | regs.SetField(TxCmdType, uint32(cmd))
}

// Wrap frames payload into dst and returns the frame length
func Wrap(dst, payload []byte, port Port, typ InfoType, flags uint32) (int, error) {
	if len(payload) > MaxPayload {
		return 0, fmt.Errorf("%w: %d byte payload", ErrFrameTooLarge, len(payload))
	}
	n := WrappedLen(len(payload))
	if len(dst) < n {
		return 0, fmt.Errorf("%w: %d byte frame in %d byte buffer", ErrFrameTooLarge, n, len(dst))
	}

	padded := roundUp4(len(payload))
	info := flags&^(TxInfoLen|TxInfoPort|TxInfoType) |
		regs.SetField(TxInfoLen, uint32(padded)) |
		regs.SetField(TxInfoPort, uint32(port)) |
		regs.SetField(TxInfoType, uint32(typ))
	binary.LittleEndian.PutUint32(dst, info)
	copy(dst[HdrLen:], payload)
	clear(dst[HdrLen+len(payload) : n])
	return n, nil
}

// Segment is one received frame with the FCE info word that trailed it
type Segment struct {
	Data []byte
	Info uint32
}

// Port returns the source port recorded by the FCE
func (s Segment) Port() Port {
	return Port(regs.Field(FCEInfoPort, s.Info))
}

// Type returns the info type recorded by the FCE
func (s Segment) Type() InfoType {
	return InfoType(regs.Field(FCEInfoType, s.Info))
}

// CmdSeq returns the command sequence number of an MCU response
func (s Segment) CmdSeq() uint8 {
	return uint8(regs.Field(FCECmdSeq, s.Info))
}

// EvtType returns the event type of an MCU response
func (s Segment) EvtType() uint8 {
	return uint8(regs.Field(FCEEvtType, s.Info))
}

// SplitSegments walks the segments of one IN transfer, calling fn for each.
// Data slices alias buf and are only valid during fn. It returns the number
// of segments delivered and ErrBadSegment if a malformed header stopped the
// walk early.
func SplitSegments(buf []byte, fn func(Segment)) (int, error) {
	count := 0
	for len(buf) > 0 {
		if len(buf) < HdrLen+FCEInfoLen+4 {
			return count, fmt.Errorf("%w: %d trailing bytes", ErrBadSegment, len(buf))
		}
		l := int(binary.LittleEndian.Uint32(buf) & RxInfoLen)
		if l == 0 || l&3 != 0 || HdrLen+l+FCEInfoLen > len(buf) {
			return count, fmt.Errorf("%w: length %d with %d bytes left", ErrBadSegment, l, len(buf))
		}
		fn(Segment{
			Data: buf[HdrLen : HdrLen+l],
			Info: binary.LittleEndian.Uint32(buf[HdrLen+l:]),
		})
		count++
		buf = buf[HdrLen+l+FCEInfoLen:]
	}
	return count, nil
}

// AppendSegment appends one IN segment to buf. The device produces these;
// the simulator and tests use it to build transfers.
func AppendSegment(buf, payload []byte, info uint32) []byte {
	padded := roundUp4(len(payload))
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(padded)&RxInfoLen)
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	for i := len(payload); i < padded; i++ {
		buf = append(buf, 0)
	}
	binary.LittleEndian.PutUint32(hdr[:], info)
	return append(buf, hdr[:]...)
}
